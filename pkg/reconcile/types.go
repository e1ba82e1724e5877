package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sifpae/visit-registry/pkg/visits"
)

// ErrConflict is returned when a concurrent writer repeatedly advanced a row
// past the engine's optimistic precondition and the retry budget ran out.
var ErrConflict = errors.New("concurrent writer advanced the row")

// StorageError wraps a failure from the storage layer. Storage failures are
// always propagated to the caller, never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ReconcileOutcome says how OnCompletionCreated resolved a completion.
type ReconcileOutcome string

const (
	// OutcomeMatched means an existing open assignment was completed.
	OutcomeMatched ReconcileOutcome = "matched"

	// OutcomeSynthesized means no open assignment existed and one was created.
	OutcomeSynthesized ReconcileOutcome = "synthesized"
)

// ReconcileResult reports what OnCompletionCreated did. It exists for
// logging and observability only; callers must not branch on it.
type ReconcileResult struct {
	Outcome          ReconcileOutcome
	AssignmentID     uint
	DegradedFallback bool
}

// RowError records a per-row failure encountered during a sweep. One bad
// row must not block reconciliation of the rest of the dataset.
type RowError struct {
	Kind string // "assignment" or "completion"
	ID   uint
	Err  string
}

// ReconcileSummary reports the outcome of a full sweep.
type ReconcileSummary struct {
	Examined           int
	AssignmentsUpdated int
	CompletionsUpdated int
	Conflicts          int
	Errors             []RowError
}

// VisitRepository is the storage abstraction the engine depends on. It is
// satisfied by visits.VisitStore but keeps the matching rule swappable
// without touching the state-machine logic.
type VisitRepository interface {
	GetAssignment(ctx context.Context, id uint) (*visits.Assignment, error)
	FindAssignment(ctx context.Context, key visits.NaturalKey, statuses []visits.AssignmentStatus) (*visits.Assignment, error)
	FindCompletion(ctx context.Context, key visits.NaturalKey, statuses []visits.CompletionStatus) (*visits.Completion, error)
	FindCompletionByNaturalKey(ctx context.Context, key visits.NaturalKey) (*visits.Completion, error)
	UpdateAssignmentStatus(ctx context.Context, id uint, from []visits.AssignmentStatus, to visits.AssignmentStatus, ts visits.AssignmentTimestamps) (bool, error)
	InsertAssignment(ctx context.Context, a *visits.Assignment) error
	UpdateCompletionStatus(ctx context.Context, id uint, from []visits.CompletionStatus, to visits.CompletionStatus) (bool, error)
	ListAssignmentsByStatus(ctx context.Context, statuses []visits.AssignmentStatus, pageSize int, pageToken string) ([]visits.Assignment, string, error)
	ListCompletionsByStatus(ctx context.Context, statuses []visits.CompletionStatus, pageSize int, pageToken string) ([]visits.Completion, string, error)
}

// EventAppender records reconciliation events. It is satisfied by
// visits.EventStore.
type EventAppender interface {
	Append(ctx context.Context, event *visits.ReconcileEventRecord) error
}
