package task

import "fmt"

// Status is a research task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusInProgress Status = "in_progress"
	StatusReviewing  Status = "reviewing"
	StatusRevising   Status = "revising"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every lifecycle value in walk order.
var Statuses = []Status{
	StatusPending,
	StatusPlanning,
	StatusInProgress,
	StatusReviewing,
	StatusRevising,
	StatusCompleted,
	StatusFailed,
}

// allowedTransitions is the lifecycle graph. revising -> reviewing is the only
// cycle; any non-terminal state may fall through to failed.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusPlanning, StatusFailed},
	StatusPlanning:   {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusReviewing, StatusFailed},
	StatusReviewing:  {StatusRevising, StatusCompleted, StatusFailed},
	StatusRevising:   {StatusReviewing, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored or user supplied value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}
