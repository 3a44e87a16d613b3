package job

import "time"

// EventType names a lifecycle transition recorded in the audit trail.
type EventType string

const (
	EventJobStarted       EventType = "job_started"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventJobCanceled      EventType = "job_canceled"
	EventJobResumed       EventType = "job_resumed"
	EventStageStarted     EventType = "stage_started"
	EventStageCompleted   EventType = "stage_completed"
	EventStageFailed      EventType = "stage_failed"
	EventGatePause        EventType = "gate_pause"
	EventGateApproved     EventType = "gate_approved"
	EventGateRejected     EventType = "gate_rejected"
	EventGateAutoApproved EventType = "gate_auto_approved"
)

// Event is an immutable, append-only audit record.
type Event struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Type      EventType      `json:"event_type"`
	Stage     *Stage         `json:"stage,omitempty"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"ts"`
}
