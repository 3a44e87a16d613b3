package events

import (
	"fmt"

	"github.com/dusk-indust/reelgate/internal/job"
)

// FormatEvent formats an event as a human-readable status line.
func FormatEvent(e job.Event) string {
	switch e.Type {
	case job.EventStageStarted, job.EventJobResumed:
		return fmt.Sprintf("  ● %s...", e.Message)
	case job.EventStageCompleted, job.EventJobCompleted,
		job.EventGateApproved, job.EventGateAutoApproved:
		return fmt.Sprintf("  ✓ %s", e.Message)
	case job.EventStageFailed, job.EventJobFailed, job.EventGateRejected:
		return fmt.Sprintf("  ✗ %s", e.Message)
	case job.EventGatePause:
		return fmt.Sprintf("  ○ %s", e.Message)
	default:
		return fmt.Sprintf("  - %s", e.Message)
	}
}

// FormatJobHeader formats a job header for display.
// Returns: "[{slug}] {id}"
func FormatJobHeader(j *job.Job) string {
	return fmt.Sprintf("[%s] %s", j.Slug, j.ID)
}
