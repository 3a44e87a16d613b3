package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dusk-indust/reelgate/internal/db"
	"github.com/dusk-indust/reelgate/internal/job"
)

// TimerActor is recorded as the approver of auto-approved gates.
const TimerActor = "timer"

// PauseForGate stops a job at stage until its gate is decided. The gate is
// created as required if it does not exist yet. stage must be the job's
// current stage. A stage already running when the pause lands runs to its
// end: if the gate is still undecided then, the result is discarded and the
// stage runs again on resume; if the gate was approved meanwhile, the result
// is kept and the job moves on.
func (o *Orchestrator) PauseForGate(ctx context.Context, jobID string, stage job.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("invalid stage %d", int(stage))
	}
	j, err := o.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Stage != stage {
		cur := j.Stage
		o.mu.Unlock()
		return fmt.Errorf("%w: job %s is at %s, not %s", ErrInvalidTransition, jobID, cur, stage)
	}
	if err := job.ValidateTransition(j.Status, job.StatusNeedsApproval); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	policy := o.gates.For(stage)
	policy.Required = true
	gate := o.pauseLocked(j, stage, policy)
	snap := j.Clone()
	o.mu.Unlock()

	o.announcePause(ctx, snap, gate, o.gates.For(stage))
	return nil
}

// ApproveGate records an operator's approval of the gate at stage and
// resumes the job when no other gate holds it.
func (o *Orchestrator) ApproveGate(ctx context.Context, jobID string, stage job.Stage, operator string, d Decision) error {
	if operator == "" {
		return errors.New("approve gate: operator is required")
	}
	j, err := o.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	gate, err := o.decideLocked(j, stage, true, operator, d, false)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	resume := j.Status == job.StatusNeedsApproval && o.gatesClearLocked(j)
	snap := j.Clone()
	o.mu.Unlock()

	o.recordDecision(ctx, snap, gate)
	o.events.GateApproved(ctx, jobID, stage, operator, d.Notes)
	log.Printf("[orchestrator] gate %s of job %s approved by %s", stage, jobID, operator)
	if !resume {
		return nil
	}
	return o.Advance(ctx, jobID)
}

// RejectGate records an operator's rejection. A job waiting for approval
// becomes PAUSED; a running job is paused by its loop when it reaches the
// stage. Rejection is final: resuming the job stops at the same gate.
func (o *Orchestrator) RejectGate(ctx context.Context, jobID string, stage job.Stage, operator string, d Decision) error {
	if operator == "" {
		return errors.New("reject gate: operator is required")
	}
	j, err := o.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	gate, err := o.decideLocked(j, stage, false, operator, d, false)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if j.Status == job.StatusNeedsApproval {
		_ = o.transitionLocked(j, job.StatusPaused)
		o.cancelFutureLocked(jobID)
	}
	snap := j.Clone()
	o.mu.Unlock()

	o.recordDecision(ctx, snap, gate)
	if snap.Status == job.StatusPaused {
		o.persist(ctx, snap)
	}
	o.events.GateRejected(ctx, jobID, stage, operator, d.Notes)
	log.Printf("[orchestrator] gate %s of job %s rejected by %s", stage, jobID, operator)
	return nil
}

// AutoApproveGate approves the gate at stage on behalf of the timer. The job
// resumes only if every required gate it has reached is now approved.
func (o *Orchestrator) AutoApproveGate(ctx context.Context, jobID string, stage job.Stage, reason string) error {
	j, err := o.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	gate, err := o.decideLocked(j, stage, true, TimerActor, Decision{Notes: reason}, true)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	resume := j.Status == job.StatusNeedsApproval && o.gatesClearLocked(j)
	snap := j.Clone()
	o.mu.Unlock()

	o.recordDecision(ctx, snap, gate)
	o.events.GateAutoApproved(ctx, jobID, stage, reason)
	log.Printf("[orchestrator] gate %s of job %s auto-approved: %s", stage, jobID, reason)
	if !resume {
		log.Printf("[orchestrator] job %s still waiting on other gates", jobID)
		return nil
	}
	return o.Advance(ctx, jobID)
}

// CheckGateTimeouts auto-approves every pending required gate of a job in
// NEEDS_APPROVAL whose wait exceeds its policy's auto_approve_after_s. It
// returns the number of gates approved. Intended to run on a fixed interval.
func (o *Orchestrator) CheckGateTimeouts(ctx context.Context) int {
	type expired struct {
		jobID string
		stage job.Stage
		after time.Duration
	}
	var due []expired

	o.mu.Lock()
	now := o.now()
	for id, j := range o.active {
		if j.Status != job.StatusNeedsApproval {
			continue
		}
		for _, g := range j.Gates {
			policy := o.gates.For(g.Stage)
			if !g.Pending() || !(g.Required || policy.Required) || g.At.IsZero() {
				continue
			}
			after := policy.AutoApproveAfter()
			if after <= 0 || now.Sub(g.At) <= after {
				continue
			}
			due = append(due, expired{jobID: id, stage: g.Stage, after: after})
		}
	}
	o.mu.Unlock()

	sort.Slice(due, func(a, b int) bool {
		if due[a].jobID != due[b].jobID {
			return due[a].jobID < due[b].jobID
		}
		return due[a].stage < due[b].stage
	})

	n := 0
	for _, e := range due {
		reason := fmt.Sprintf("no decision after %s", e.after)
		if err := o.AutoApproveGate(ctx, e.jobID, e.stage, reason); err != nil {
			if !errors.Is(err, ErrGateDecided) {
				log.Printf("[orchestrator] WARNING: auto-approve gate %s of job %s: %v", e.stage, e.jobID, err)
			}
			continue
		}
		n++
	}
	return n
}

// decideLocked records a final decision on the gate at stage, creating the
// gate if the job has not reached it yet.
func (o *Orchestrator) decideLocked(j *job.Job, stage job.Stage, approved bool, by string, d Decision, auto bool) (job.Gate, error) {
	if !stage.Valid() {
		return job.Gate{}, fmt.Errorf("invalid stage %d", int(stage))
	}
	if j.Status.IsTerminal() {
		return job.Gate{}, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.Status)
	}
	g := j.GateFor(stage)
	if g == nil {
		j.Gates = append(j.Gates, job.Gate{Stage: stage, Required: o.gates.For(stage).Required})
		sort.SliceStable(j.Gates, func(a, b int) bool { return j.Gates[a].Stage < j.Gates[b].Stage })
		g = j.GateFor(stage)
	}
	if !g.Pending() {
		log.Printf("[orchestrator] WARNING: gate %s of job %s already decided by %s", stage, j.ID, g.By)
		return job.Gate{}, fmt.Errorf("%w: %s of job %s", ErrGateDecided, stage, j.ID)
	}
	now := o.now()
	g.Approved = job.Bool(approved)
	g.By = by
	g.At = now
	g.Notes = d.Notes
	g.Patch = append([]byte(nil), d.Patch...)
	g.AutoApproved = auto
	j.UpdatedAt = now
	return g.Clone(), nil
}

// gatesClearLocked reports whether no gate at or before the job's current
// stage holds it back.
func (o *Orchestrator) gatesClearLocked(j *job.Job) bool {
	for _, g := range j.Gates {
		if g.Stage > j.Stage {
			continue
		}
		if g.IsRejected() {
			return false
		}
		if g.Pending() && (g.Required || o.gates.For(g.Stage).Required) {
			return false
		}
	}
	return true
}

// recordDecision writes a decided gate to the store and its file mirror.
func (o *Orchestrator) recordDecision(ctx context.Context, snap *job.Job, gate job.Gate) {
	d := db.GateDecision{
		Stage:        gate.Stage,
		Approved:     gate.IsApproved(),
		By:           gate.By,
		Notes:        gate.Notes,
		Patch:        gate.Patch,
		AutoApproved: gate.AutoApproved,
		At:           gate.At,
	}
	err := o.store.UpdateGateDecision(ctx, snap.ID, d)
	if errors.Is(err, db.ErrNotFound) {
		err = o.store.CreateOrUpdateGate(ctx, snap.ID, gate)
	}
	if err != nil {
		log.Printf("[orchestrator] WARNING: record decision on gate %s of job %s: %v", gate.Stage, snap.ID, err)
	}
	if err := o.store.StoreGateDecisionFile(ctx, snap.ID, gate.Stage, db.DecisionRecord(snap.ID, d)); err != nil {
		log.Printf("[orchestrator] WARNING: decision file for gate %s of job %s: %v", gate.Stage, snap.ID, err)
	}
	o.writeState(snap)
}
