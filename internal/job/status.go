package job

import "fmt"

// Status is the lifecycle state of a job. A job holds exactly one status at
// any time.
type Status string

const (
	StatusRunning       Status = "RUNNING"
	StatusPaused        Status = "PAUSED"
	StatusNeedsApproval Status = "NEEDS_APPROVAL"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusCanceled      Status = "CANCELED"
)

// StatusNone is the pseudo-state of a job that has never been started.
const StatusNone Status = ""

// IsTerminal reports whether no further transitions are possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is one of the six job statuses.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok && s != StatusNone
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusNone: {
		StatusRunning: {},
	},
	StatusRunning: {
		StatusNeedsApproval: {},
		StatusPaused:        {},
		StatusCompleted:     {},
		StatusFailed:        {},
		StatusCanceled:      {},
	},
	StatusNeedsApproval: {
		StatusRunning:  {},
		StatusPaused:   {},
		StatusCanceled: {},
	},
	StatusPaused: {
		StatusRunning:  {},
		StatusCanceled: {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCanceled:  {},
}

// ValidateTransition returns an error unless from -> to is an edge of the job
// state machine. Staying in the same non-terminal state is allowed.
func ValidateTransition(from, to Status) error {
	if _, ok := allowedTransitions[from]; !ok {
		return fmt.Errorf("invalid job status: %q", from)
	}
	if !to.Valid() {
		return fmt.Errorf("invalid job status: %q", to)
	}
	if from == to && !from.IsTerminal() {
		return nil
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid job transition: %s -> %s", displayStatus(from), to)
	}
	return nil
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

func displayStatus(s Status) string {
	if s == StatusNone {
		return "(none)"
	}
	return string(s)
}
