package devices

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is matched by every *TransitionError.
var ErrIllegalTransition = errors.New("illegal status transition")

type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// edges lists the explicit transitions. error and deleting are handled in
// CanTransition since they are reachable from (almost) everywhere.
// Besides the forward lifecycle it carries rollback edges for failed adapter
// calls and reconcile edges that follow what the provider reports.
var edges = map[Status][]Status{
	StatusCreating:     {StatusProvisioning},
	StatusProvisioning: {StatusStarting},
	// starting -> stopped: failed start rolls back; also a cloud instance that reports stopped.
	StatusStarting: {StatusRunning, StatusStopped},
	// running -> stopped: reconciliation.
	StatusRunning: {StatusStopping, StatusRebooting, StatusStopped},
	// stopping -> running: failed stop rolls back.
	StatusStopping: {StatusStopped, StatusRunning},
	// stopped -> running: reconciliation.
	StatusStopped:   {StatusStarting, StatusRunning},
	StatusRebooting: {StatusRunning},
	StatusError:     {StatusStarting, StatusStopped, StatusRunning},
	StatusDeleting:  {StatusDeleted},
}

// AllStatuses in lifecycle order.
var AllStatuses = []Status{
	StatusCreating, StatusProvisioning, StatusStarting, StatusRunning, StatusStopping,
	StatusStopped, StatusRebooting, StatusError, StatusDeleting, StatusDeleted,
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusError:
		return from != StatusError && from != StatusDeleted
	case StatusDeleting:
		return from != StatusDeleting && from != StatusDeleted
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Stable statuses are the ones the reconciler may correct.
func (s Status) Stable() bool {
	return s == StatusRunning || s == StatusStopped || s == StatusError
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}
