package orchestrator

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/stages"
)

// runJob is the execution loop of one job. It holds the lane for as long as
// it runs and exits at the first stage boundary where the job is no longer
// RUNNING: a gate pause, a failure, completion, or cancellation.
func (o *Orchestrator) runJob(f *future, jobID string) {
	defer o.finish(f, jobID)
	ctx := context.Background()

	for {
		o.mu.Lock()
		j, ok := o.active[jobID]
		if !ok || j.Status != job.StatusRunning {
			o.mu.Unlock()
			return
		}
		stage := j.Stage
		pending := !j.HasArtifact(stage)
		snap := j.Clone()
		o.mu.Unlock()

		if pending {
			o.persist(ctx, snap)
			o.events.StageStarted(ctx, jobID, stage)
			res := o.runner.Run(o.runCtx, stage, snap)
			if !o.recordStage(ctx, jobID, stage, res) {
				return
			}
		}
		if !o.passGate(ctx, jobID, stage) {
			return
		}
	}
}

// recordStage applies a stage result. It reports whether the loop should
// continue to the gate check.
func (o *Orchestrator) recordStage(ctx context.Context, jobID string, stage job.Stage, res stages.Result) bool {
	o.mu.Lock()
	j, ok := o.active[jobID]
	if !ok || j.Status != job.StatusRunning || j.Stage != stage {
		o.mu.Unlock()
		log.Printf("[orchestrator] job %s left RUNNING during %s; discarding result", jobID, stage)
		return false
	}

	if !res.Success || res.Artifact == nil {
		reason := res.Error
		if reason == "" {
			reason = "stage produced no artifact"
		}
		_ = o.transitionLocked(j, job.StatusFailed)
		snap := j.Clone()
		o.mu.Unlock()

		log.Printf("[orchestrator] WARNING: job %s failed at %s: %s", jobID, stage, reason)
		o.persist(ctx, snap)
		o.events.StageFailed(ctx, jobID, stage, reason)
		o.events.JobFailed(ctx, jobID, stage, reason)
		return false
	}

	a := res.Artifact.Clone()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = o.now()
	}
	j.Artifacts = append(j.Artifacts, a)
	j.UpdatedAt = o.now()
	snap := j.Clone()
	o.mu.Unlock()

	if err := o.store.AddArtifact(ctx, jobID, a); err != nil {
		log.Printf("[orchestrator] WARNING: record artifact of job %s at %s: %v", jobID, stage, err)
	}
	o.events.StageCompleted(ctx, jobID, stage, &a)
	o.writeState(snap)
	return true
}

// passGate decides what follows a completed stage. It reports whether the
// loop should run the next stage.
func (o *Orchestrator) passGate(ctx context.Context, jobID string, stage job.Stage) bool {
	o.mu.Lock()
	j, ok := o.active[jobID]
	if !ok || j.Status != job.StatusRunning {
		o.mu.Unlock()
		return false
	}
	policy := o.gates.For(stage)
	g := j.GateFor(stage)

	switch {
	case (policy.Required || (g != nil && g.Required)) && (g == nil || g.Pending()):
		gate := o.pauseLocked(j, stage, policy)
		snap := j.Clone()
		o.mu.Unlock()
		o.announcePause(ctx, snap, gate, policy)
		return false

	case g != nil && g.IsRejected():
		_ = o.transitionLocked(j, job.StatusPaused)
		snap := j.Clone()
		o.mu.Unlock()
		log.Printf("[orchestrator] WARNING: job %s: gate %s was rejected; job stays paused", jobID, stage)
		o.persist(ctx, snap)
		return false

	case stage.IsLast():
		_ = o.transitionLocked(j, job.StatusCompleted)
		snap := j.Clone()
		o.mu.Unlock()
		o.persist(ctx, snap)
		o.events.JobCompleted(ctx, jobID, len(snap.Artifacts))
		log.Printf("[orchestrator] job %s completed with %d artifact(s)", jobID, len(snap.Artifacts))
		return false
	}

	next, _ := stage.Next()
	j.Stage = next
	j.UpdatedAt = o.now()
	snap := j.Clone()
	o.mu.Unlock()
	o.persist(ctx, snap)
	return true
}

// pauseLocked creates the gate for stage if needed, stamps its pause time,
// moves j to NEEDS_APPROVAL, and drops a queued loop. It returns a copy of
// the gate.
func (o *Orchestrator) pauseLocked(j *job.Job, stage job.Stage, policy config.GatePolicy) job.Gate {
	g := j.GateFor(stage)
	if g == nil {
		j.Gates = append(j.Gates, job.Gate{Stage: stage, Required: policy.Required})
		g = &j.Gates[len(j.Gates)-1]
	}
	if g.At.IsZero() {
		g.At = o.now()
	}
	j.Stage = stage
	_ = o.transitionLocked(j, job.StatusNeedsApproval)
	o.cancelFutureLocked(j.ID)
	return g.Clone()
}

func (o *Orchestrator) announcePause(ctx context.Context, snap *job.Job, gate job.Gate, policy config.GatePolicy) {
	if err := o.store.CreateOrUpdateGate(ctx, snap.ID, gate); err != nil {
		log.Printf("[orchestrator] WARNING: record gate %s of job %s: %v", gate.Stage, snap.ID, err)
	}
	o.persist(ctx, snap)
	o.events.GatePause(ctx, snap.ID, gate.Stage, policy.AutoApproveAfter())
	log.Printf("[orchestrator] job %s waiting for approval at %s", snap.ID, gate.Stage)
}

// finish always runs when a loop exits. A panic becomes a FAILED job; the
// loop's future is untracked, and the job leaves the active set once its
// status is terminal.
func (o *Orchestrator) finish(f *future, jobID string) {
	var failed *job.Job
	var reason string
	if r := recover(); r != nil {
		reason = fmt.Sprintf("panic: %v", r)
		log.Printf("[orchestrator] WARNING: job %s: %s\n%s", jobID, reason, debug.Stack())
	}

	o.mu.Lock()
	j, ok := o.active[jobID]
	if reason != "" && ok && !j.Status.IsTerminal() {
		if err := o.transitionLocked(j, job.StatusFailed); err == nil {
			failed = j.Clone()
		}
	}
	if o.futures[jobID] == f {
		delete(o.futures, jobID)
	}
	if ok && j.Status.IsTerminal() {
		delete(o.active, jobID)
	}
	o.mu.Unlock()

	if failed != nil {
		ctx := context.Background()
		o.persist(ctx, failed)
		o.events.JobFailed(ctx, jobID, failed.Stage, reason)
	}
}
