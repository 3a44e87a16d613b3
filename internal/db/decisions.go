package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/dusk-indust/reelgate/internal/job"
	"github.com/dusk-indust/reelgate/internal/storage"
)

// ErrNotFound is returned by updates that reference an unknown job or gate.
var ErrNotFound = errors.New("db: not found")

// DecisionRecord builds the payload mirrored to gates/<stage>.json.
func DecisionRecord(jobID string, d GateDecision) map[string]any {
	rec := map[string]any{
		"job_id":        jobID,
		"stage":         d.Stage.String(),
		"approved":      d.Approved,
		"by":            d.By,
		"at":            d.At.UTC().Format(time.RFC3339Nano),
		"notes":         d.Notes,
		"auto_approved": d.AutoApproved,
	}
	if len(d.Patch) > 0 {
		rec["patch"] = d.Patch
	}
	return rec
}

// writeDecisionFile is shared by every backend: the file mirror is
// independent of where the database lives.
func writeDecisionFile(o options, jobID string, stage job.Stage, decision map[string]any) error {
	if o.decisionDir == "" {
		return nil
	}
	if !stage.Valid() {
		return fmt.Errorf("db: decision file: invalid stage %d", int(stage))
	}
	if err := storage.WriteJSONAtomic(storage.GateDecisionPath(o.decisionDir, jobID, stage), decision); err != nil {
		return fmt.Errorf("db: decision file: %w", err)
	}
	return nil
}

func decisionTime(o options, d GateDecision) time.Time {
	if d.At.IsZero() {
		return o.now()
	}
	return d.At
}
