package reconcile

import (
	"fmt"

	"github.com/sifpae/visit-registry/pkg/visits"
)

// TransitionRule defines an allowed assignment status transition.
type TransitionRule struct {
	From visits.AssignmentStatus
	To   visits.AssignmentStatus
}

// DefaultTransitions defines the allowed assignment status transitions.
// A pending assignment may jump straight to completed when a matching
// completion appears. Cancellation is a human action; the engine validates
// it but never initiates it.
var DefaultTransitions = []TransitionRule{
	{From: visits.AssignmentPending, To: visits.AssignmentInProgress},
	{From: visits.AssignmentPending, To: visits.AssignmentCompleted},
	{From: visits.AssignmentInProgress, To: visits.AssignmentCompleted},
	{From: visits.AssignmentPending, To: visits.AssignmentCancelled},
	{From: visits.AssignmentInProgress, To: visits.AssignmentCancelled},
}

// DisallowedTransitions are explicitly forbidden regressions. Completed is
// terminal with respect to this engine; leaving it requires explicit human
// action outside the reconciliation path.
var DisallowedTransitions = map[visits.AssignmentStatus][]visits.AssignmentStatus{
	visits.AssignmentCompleted: {
		visits.AssignmentPending,
		visits.AssignmentInProgress,
		visits.AssignmentCancelled,
	},
}

// StatusMachine validates assignment status transitions.
type StatusMachine struct {
	transitions []TransitionRule
	disallowed  map[visits.AssignmentStatus][]visits.AssignmentStatus
}

// NewStatusMachine creates a machine with default rules.
func NewStatusMachine() *StatusMachine {
	return &StatusMachine{
		transitions: DefaultTransitions,
		disallowed:  DisallowedTransitions,
	}
}

// ValidateTransition checks if a transition from->to is allowed.
// Returns nil if allowed, an error with a machine-readable code if not.
func (m *StatusMachine) ValidateTransition(from, to visits.AssignmentStatus) error {
	// Same state is a no-op, allow it.
	if from == to {
		return nil
	}

	// Check regressions first.
	if disallowed, ok := m.disallowed[from]; ok {
		for _, d := range disallowed {
			if d == to {
				return &TransitionError{
					Code:    "VISIT_STATUS_REGRESSION",
					From:    from,
					To:      to,
					Message: fmt.Sprintf("assignment status cannot move from %s back to %s", from, to),
				}
			}
		}
	}

	for _, t := range m.transitions {
		if t.From == from && t.To == to {
			return nil
		}
	}

	return &TransitionError{
		Code:    "VISIT_STATUS_INVALID_TRANSITION",
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no transition defined from %s to %s", from, to),
	}
}

// AllowedTransitions returns all valid target states from the given state.
func (m *StatusMachine) AllowedTransitions(from visits.AssignmentStatus) []visits.AssignmentStatus {
	var allowed []visits.AssignmentStatus
	for _, t := range m.transitions {
		if t.From == from {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

// TransitionError is a structured error for invalid status transitions.
type TransitionError struct {
	Code    string                  `json:"code"`
	From    visits.AssignmentStatus `json:"from"`
	To      visits.AssignmentStatus `json:"to"`
	Message string                  `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}
