package record

import "fmt"

// Status is the synchronization status of a record.
type Status string

const (
	// StatusPending is the initial status of every record.
	StatusPending Status = "pending"
	// StatusSyncing marks a record with an attempt in flight.
	StatusSyncing Status = "syncing"
	// StatusSynced is terminal: the remote store confirmed the insert.
	StatusSynced Status = "synced"
	// StatusError marks a retryable failure (network, timeout, server error).
	StatusError Status = "error"
	// StatusConflict marks a remote duplicate-key rejection.
	StatusConflict Status = "conflict"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusSyncing, StatusSynced, StatusError, StatusConflict}

// transitions is the legal lifecycle of a record.
//
//	pending ──► syncing ──► synced
//	              ▲  │
//	              │  ├────► error ────┐
//	              │  └────► conflict ─┤
//	              └───────────────────┘
var transitions = map[Status][]Status{
	StatusPending:  {StatusSyncing},
	StatusSyncing:  {StatusSynced, StatusError, StatusConflict},
	StatusError:    {StatusSyncing},
	StatusConflict: {StatusSyncing},
	StatusSynced:   nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a record in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// IsSyncable reports whether a pass may select a record in status s.
// Conflict records are only selected when includeConflicts is set.
func (s Status) IsSyncable(includeConflicts bool) bool {
	switch s {
	case StatusPending, StatusError:
		return true
	case StatusConflict:
		return includeConflicts
	default:
		return false
	}
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

// CheckTransition returns a *TransitionError when from may not move to to.
func CheckTransition(from, to Status) error {
	if !from.CanTransition(to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
