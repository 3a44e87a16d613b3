// Package events records lifecycle transitions as audit events and streams
// them to live subscribers.
package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dusk-indust/reelgate/internal/job"
)

// Sink persists events. db.Store satisfies it.
type Sink interface {
	AddEvent(ctx context.Context, jobID string, e job.Event) error
}

// Logger builds one structured Event per lifecycle transition and forwards
// it to the Sink. Sink failures are logged and swallowed: the audit trail is
// advisory and never drives control flow.
type Logger struct {
	sink     Sink
	reporter *Reporter
	now      func() time.Time
}

// NewLogger returns a Logger writing to sink. reporter may be nil.
func NewLogger(sink Sink, reporter *Reporter) *Logger {
	return &Logger{
		sink:     sink,
		reporter: reporter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (l *Logger) SetClock(now func() time.Time) { l.now = now }

// Reporter returns the live-feed reporter, which may be nil.
func (l *Logger) Reporter() *Reporter { return l.reporter }

func (l *Logger) JobStarted(ctx context.Context, j *job.Job) {
	l.emit(ctx, j.ID, job.EventJobStarted, nil, fmt.Sprintf("job %s started for %q", j.ID, j.Slug),
		map[string]any{"slug": j.Slug, "intent": j.Intent})
}

func (l *Logger) JobCompleted(ctx context.Context, jobID string, artifacts int) {
	l.emit(ctx, jobID, job.EventJobCompleted, nil, "job completed",
		map[string]any{"artifacts": artifacts})
}

func (l *Logger) JobFailed(ctx context.Context, jobID string, stage job.Stage, reason string) {
	l.emit(ctx, jobID, job.EventJobFailed, &stage, "job failed: "+reason,
		map[string]any{"error": reason})
}

func (l *Logger) JobCanceled(ctx context.Context, jobID string, stage job.Stage) {
	l.emit(ctx, jobID, job.EventJobCanceled, &stage, "job canceled", nil)
}

func (l *Logger) JobResumed(ctx context.Context, jobID string, stage job.Stage) {
	l.emit(ctx, jobID, job.EventJobResumed, &stage, fmt.Sprintf("job resumed at %s", stage), nil)
}

func (l *Logger) StageStarted(ctx context.Context, jobID string, stage job.Stage) {
	l.emit(ctx, jobID, job.EventStageStarted, &stage, fmt.Sprintf("stage %s started", stage), nil)
}

func (l *Logger) StageCompleted(ctx context.Context, jobID string, stage job.Stage, a *job.Artifact) {
	meta := map[string]any{}
	if a != nil {
		meta["path"] = a.Path
		meta["kind"] = a.Kind
	}
	l.emit(ctx, jobID, job.EventStageCompleted, &stage, fmt.Sprintf("stage %s completed", stage), meta)
}

func (l *Logger) StageFailed(ctx context.Context, jobID string, stage job.Stage, reason string) {
	l.emit(ctx, jobID, job.EventStageFailed, &stage, fmt.Sprintf("stage %s failed: %s", stage, reason),
		map[string]any{"error": reason})
}

// GatePause records that the job is waiting on stage's gate. timeout is the
// configured auto-approval wait, zero when the gate never auto-approves.
func (l *Logger) GatePause(ctx context.Context, jobID string, stage job.Stage, timeout time.Duration) {
	meta := map[string]any{}
	msg := fmt.Sprintf("waiting for approval of %s", stage)
	if timeout > 0 {
		meta["timeout_s"] = int(timeout / time.Second)
		msg += fmt.Sprintf(" (auto-approve after %s)", timeout)
	}
	l.emit(ctx, jobID, job.EventGatePause, &stage, msg, meta)
}

func (l *Logger) GateApproved(ctx context.Context, jobID string, stage job.Stage, by, notes string) {
	l.emit(ctx, jobID, job.EventGateApproved, &stage, fmt.Sprintf("%s approved by %s", stage, by),
		map[string]any{"by": by, "notes": notes})
}

func (l *Logger) GateRejected(ctx context.Context, jobID string, stage job.Stage, by, notes string) {
	l.emit(ctx, jobID, job.EventGateRejected, &stage, fmt.Sprintf("%s rejected by %s", stage, by),
		map[string]any{"by": by, "notes": notes})
}

func (l *Logger) GateAutoApproved(ctx context.Context, jobID string, stage job.Stage, reason string) {
	l.emit(ctx, jobID, job.EventGateAutoApproved, &stage, fmt.Sprintf("%s auto-approved: %s", stage, reason),
		map[string]any{"by": "timer", "reason": reason})
}

func (l *Logger) emit(ctx context.Context, jobID string, typ job.EventType, stage *job.Stage, msg string, meta map[string]any) {
	if len(meta) == 0 {
		meta = nil
	}
	e := job.Event{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Type:      typ,
		Stage:     stage,
		Message:   msg,
		Metadata:  meta,
		Timestamp: l.now(),
	}
	if l.sink != nil {
		if err := l.sink.AddEvent(ctx, jobID, e); err != nil {
			log.Printf("[events] WARNING: record %s for job %s: %v", typ, jobID, err)
		}
	}
	if l.reporter != nil {
		l.reporter.Emit(e)
	}
}
