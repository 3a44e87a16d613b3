// Package export renders a job's progress as JSON or as a Mermaid diagram.
package export

import (
	"time"

	"github.com/dusk-indust/reelgate/internal/job"
)

// Stage states reported by ExportJob.
const (
	StatePending          = "pending"
	StateRunning          = "running"
	StatePaused           = "paused"
	StateAwaitingApproval = "awaiting_approval"
	StateComplete         = "complete"
	StateFailed           = "failed"
	StateCanceled         = "canceled"
)

// JobExport is the top-level JSON export structure.
type JobExport struct {
	ID         string        `json:"id"`
	Slug       string        `json:"slug"`
	Intent     string        `json:"intent,omitempty"`
	Status     string        `json:"status"`
	ExportedAt string        `json:"exportedAt"`
	Stages     []StageExport `json:"stages"`
	Events     []EventExport `json:"events,omitempty"`
}

// StageExport describes one pipeline stage of a job.
type StageExport struct {
	Stage     int      `json:"stage"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Gate      string   `json:"gate,omitempty"`
	GateBy    string   `json:"gateBy,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// EventExport is one audit event in the export.
type EventExport struct {
	Type    string `json:"type"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// ExportJob builds a JobExport from a job snapshot and its events.
func ExportJob(j *job.Job, evs []job.Event, now time.Time) *JobExport {
	out := &JobExport{
		ID:         j.ID,
		Slug:       j.Slug,
		Intent:     j.Intent,
		Status:     string(j.Status),
		ExportedAt: now.UTC().Format(time.RFC3339),
	}
	for _, s := range job.Stages() {
		se := StageExport{
			Stage: int(s),
			Name:  s.String(),
			State: stageState(j, s),
		}
		if g := j.GateFor(s); g != nil {
			se.Gate = gateState(g)
			se.GateBy = g.By
		}
		for _, a := range j.ArtifactsFor(s) {
			se.Artifacts = append(se.Artifacts, a.Path)
		}
		out.Stages = append(out.Stages, se)
	}
	for _, e := range evs {
		ee := EventExport{
			Type:    string(e.Type),
			Message: e.Message,
			At:      e.Timestamp.UTC().Format(time.RFC3339),
		}
		if e.Stage != nil {
			ee.Stage = e.Stage.String()
		}
		out.Events = append(out.Events, ee)
	}
	return out
}

func stageState(j *job.Job, s job.Stage) string {
	if s == j.Stage {
		switch j.Status {
		case job.StatusRunning:
			if j.HasArtifact(s) {
				return StateComplete
			}
			return StateRunning
		case job.StatusNeedsApproval:
			return StateAwaitingApproval
		case job.StatusPaused:
			return StatePaused
		case job.StatusFailed:
			return StateFailed
		case job.StatusCanceled:
			return StateCanceled
		}
	}
	if j.HasArtifact(s) {
		return StateComplete
	}
	return StatePending
}

func gateState(g *job.Gate) string {
	switch {
	case g.Pending():
		return "pending"
	case g.IsRejected():
		return "rejected"
	case g.AutoApproved:
		return "auto_approved"
	default:
		return "approved"
	}
}
