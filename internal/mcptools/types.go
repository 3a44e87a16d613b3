package mcptools

import (
	"time"

	"github.com/dusk-indust/reelgate/internal/job"
)

// --- MCP Tool Input Types ---
// The MCP Go SDK generates each tool's JSON schema from these struct tags.
// Stages, statuses, and times travel as plain strings so the schema matches
// the wire form.

// StartJobInput is the input for the start_job MCP tool.
type StartJobInput struct {
	Slug            string            `json:"slug" jsonschema:"topic identifier: lowercase letters, digits, dash or underscore"`
	Intent          string            `json:"intent,omitempty" jsonschema:"what the video should achieve"`
	Tone            string            `json:"tone,omitempty" jsonschema:"overrides the configured brief tone"`
	TargetLengthMin int               `json:"targetLengthMin,omitempty" jsonschema:"overrides the configured target length in minutes"`
	Models          map[string]string `json:"models,omitempty" jsonschema:"model selection merged over the configured models"`
}

// JobInput names a single job.
type JobInput struct {
	JobID string `json:"jobId" jsonschema:"the job id returned by start_job"`
}

// GateDecisionInput is the input for approve_gate and reject_gate.
type GateDecisionInput struct {
	JobID    string `json:"jobId" jsonschema:"the job id"`
	Stage    string `json:"stage" jsonschema:"gate stage: outline, research, script, storyboard, assets, animatics, audio, assemble, acceptance"`
	Operator string `json:"operator" jsonschema:"who is deciding"`
	Notes    string `json:"notes,omitempty" jsonschema:"free-form notes stored with the decision"`
	Patch    string `json:"patch,omitempty" jsonschema:"optional JSON correction payload"`
}

// ListJobsInput is the input for the list_jobs MCP tool.
type ListJobsInput struct {
	Status string `json:"status,omitempty" jsonschema:"filter by status: RUNNING, PAUSED, NEEDS_APPROVAL, COMPLETED, FAILED, CANCELED"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of jobs (default: all)"`
}

// ListEventsInput is the input for the list_events MCP tool.
type ListEventsInput struct {
	JobID string `json:"jobId" jsonschema:"the job id"`
	Limit int    `json:"limit,omitempty" jsonschema:"newest events to return (default: 50)"`
}

// SweepInput is the input for the sweep_gates MCP tool.
type SweepInput struct{}

// --- MCP Tool Output Types ---

// GateSummary is one gate of a job.
type GateSummary struct {
	Stage        string `json:"stage"`
	Required     bool   `json:"required"`
	State        string `json:"state"` // pending, approved, rejected
	By           string `json:"by,omitempty"`
	At           string `json:"at,omitempty"`
	Notes        string `json:"notes,omitempty"`
	AutoApproved bool   `json:"autoApproved"`
}

// ArtifactSummary is one artifact of a job.
type ArtifactSummary struct {
	Stage string `json:"stage"`
	Kind  string `json:"kind"`
	Path  string `json:"path"`
}

// JobOutput describes a job.
type JobOutput struct {
	ID        string            `json:"id"`
	Slug      string            `json:"slug"`
	Intent    string            `json:"intent,omitempty"`
	Status    string            `json:"status"`
	Stage     string            `json:"stage"`
	Gates     []GateSummary     `json:"gates"`
	Artifacts []ArtifactSummary `json:"artifacts"`
	UpdatedAt string            `json:"updatedAt"`
}

// ListJobsOutput is the result of the list_jobs MCP tool.
type ListJobsOutput struct {
	Jobs  []JobOutput `json:"jobs"`
	Total int         `json:"total"`
}

// EventOutput is one audit event.
type EventOutput struct {
	Type      string `json:"type"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ListEventsOutput is the result of the list_events MCP tool.
type ListEventsOutput struct {
	Events []EventOutput `json:"events"`
}

// SweepOutput is the result of the sweep_gates MCP tool.
type SweepOutput struct {
	Approved int `json:"approved"`
}

func toJobOutput(j *job.Job) JobOutput {
	out := JobOutput{
		ID:        j.ID,
		Slug:      j.Slug,
		Intent:    j.Intent,
		Status:    string(j.Status),
		Stage:     j.Stage.String(),
		Gates:     make([]GateSummary, 0, len(j.Gates)),
		Artifacts: make([]ArtifactSummary, 0, len(j.Artifacts)),
		UpdatedAt: formatTime(j.UpdatedAt),
	}
	for i := range j.Gates {
		g := &j.Gates[i]
		state := "pending"
		switch {
		case g.IsApproved():
			state = "approved"
		case g.IsRejected():
			state = "rejected"
		}
		out.Gates = append(out.Gates, GateSummary{
			Stage:        g.Stage.String(),
			Required:     g.Required,
			State:        state,
			By:           g.By,
			At:           formatTime(g.At),
			Notes:        g.Notes,
			AutoApproved: g.AutoApproved,
		})
	}
	for _, a := range j.Artifacts {
		out.Artifacts = append(out.Artifacts, ArtifactSummary{Stage: a.Stage.String(), Kind: a.Kind, Path: a.Path})
	}
	return out
}

func toEventOutput(e job.Event) EventOutput {
	out := EventOutput{Type: string(e.Type), Message: e.Message, Timestamp: formatTime(e.Timestamp)}
	if e.Stage != nil {
		out.Stage = e.Stage.String()
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
