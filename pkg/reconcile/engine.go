package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sifpae/visit-registry/pkg/visits"
)

// Engine keeps assignment and completion records mutually consistent as a
// visit progresses through its lifecycle. It is the only place in the system
// that applies the natural-key matching rules; callers invoke its operations
// instead of re-implementing matching inline.
type Engine struct {
	store   VisitRepository
	events  EventAppender
	locker  visits.KeyLocker
	machine *StatusMachine
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates a reconciliation engine over the given repository.
func NewEngine(store VisitRepository, events EventAppender, locker visits.KeyLocker, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = visits.NewKeyLocker(nil)
	}
	return &Engine{
		store:   store,
		events:  events,
		locker:  locker,
		machine: NewStatusMachine(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// OnCompletionCreated reconciles a freshly persisted completion with the
// assignment store: it completes the matching open assignment, or
// synthesizes one when none exists. The completion itself is never written.
// The whole match-or-synthesize sequence runs under a per-natural-key lock
// so duplicate submissions cannot both synthesize.
func (e *Engine) OnCompletionCreated(ctx context.Context, c *visits.Completion) (*ReconcileResult, error) {
	key := c.Key()

	var result *ReconcileResult
	err := e.locker.WithLock(ctx, key, func() error {
		r, err := e.matchOrSynthesize(ctx, c)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) matchOrSynthesize(ctx context.Context, c *visits.Completion) (*ReconcileResult, error) {
	key := c.Key()

	for attempt := 0; attempt <= e.cfg.ConflictRetries; attempt++ {
		a, err := e.store.FindAssignment(ctx, key, visits.OpenAssignmentStatuses)
		if err != nil {
			return nil, &StorageError{Op: "find open assignment", Err: err}
		}
		if a == nil {
			// A duplicate submission may have just synthesized an
			// assignment for this key; it is born completed, so the open
			// lookup above cannot see it. Treat a completed assignment
			// whose completion time is at or after this completion's
			// creation as already reconciled instead of synthesizing a
			// second one. A completion without a creation time carries no
			// ordering information, so it never triggers the shortcut.
			done, err := e.store.FindAssignment(ctx, key, []visits.AssignmentStatus{visits.AssignmentCompleted})
			if err != nil {
				return nil, &StorageError{Op: "find completed assignment", Err: err}
			}
			if done != nil && done.CompletedAt != nil && !c.CreatedAt.IsZero() && !done.CompletedAt.Before(c.CreatedAt) {
				e.logger.Info("completion already reconciled",
					"completionID", c.ID, "assignmentID", done.ID)
				return &ReconcileResult{Outcome: OutcomeMatched, AssignmentID: done.ID}, nil
			}
			return e.synthesize(ctx, c)
		}

		var ts visits.AssignmentTimestamps
		if a.CompletedAt == nil {
			now := e.now()
			ts.CompletedAt = &now
		}

		ok, err := e.store.UpdateAssignmentStatus(ctx, a.ID, visits.OpenAssignmentStatuses, visits.AssignmentCompleted, ts)
		if err != nil {
			return nil, &StorageError{Op: "complete assignment", Err: err}
		}
		if !ok {
			// A direct writer advanced the row; retry against fresh state.
			e.logger.Info("assignment moved during reconcile, retrying",
				"assignmentID", a.ID, "completionID", c.ID)
			continue
		}

		e.appendEvent(ctx, &visits.ReconcileEventRecord{
			Type:         visits.EventAssignmentMatched,
			SiteID:       key.SiteID,
			AssigneeID:   key.AssigneeID,
			Contract:     key.Contract,
			AssignmentID: a.ID,
			CompletionID: c.ID,
		})
		e.logger.Info("completion matched open assignment",
			"completionID", c.ID, "assignmentID", a.ID, "key", key.String())
		return &ReconcileResult{Outcome: OutcomeMatched, AssignmentID: a.ID}, nil
	}

	return nil, fmt.Errorf("reconcile completion %d: %w", c.ID, ErrConflict)
}

// synthesize creates a best-effort assignment for a completion that arrived
// with no matching open assignment. The assignment is born completed; its
// scheduled time is the completion's own creation time.
func (e *Engine) synthesize(ctx context.Context, c *visits.Completion) (*ReconcileResult, error) {
	now := e.now()

	supervisorID := e.cfg.FallbackSupervisorID
	degraded := supervisorID == 0
	if degraded {
		supervisorID = c.AssigneeID
	}

	scheduledAt := c.CreatedAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	a := &visits.Assignment{
		SiteID:       c.SiteID,
		AssigneeID:   c.AssigneeID,
		Contract:     c.Contract,
		SupervisorID: supervisorID,
		Status:       visits.AssignmentCompleted,
		Operator:     c.Operator,
		ScheduledAt:  scheduledAt,
		CompletedAt:  &now,
	}
	if err := e.store.InsertAssignment(ctx, a); err != nil {
		return nil, &StorageError{Op: "synthesize assignment", Err: err}
	}

	e.appendEvent(ctx, &visits.ReconcileEventRecord{
		Type:         visits.EventAssignmentSynthesized,
		SiteID:       c.SiteID,
		AssigneeID:   c.AssigneeID,
		Contract:     c.Contract,
		AssignmentID: a.ID,
		CompletionID: c.ID,
	})
	e.logger.Info("synthesized assignment for unmatched completion",
		"completionID", c.ID, "assignmentID", a.ID, "supervisorID", supervisorID)

	if degraded {
		e.appendEvent(ctx, &visits.ReconcileEventRecord{
			Type:         visits.EventDegradedFallback,
			SiteID:       c.SiteID,
			AssigneeID:   c.AssigneeID,
			Contract:     c.Contract,
			AssignmentID: a.ID,
			CompletionID: c.ID,
			Detail:       "no fallback supervisor configured, assignee used as supervisor",
		})
		e.logger.Warn("no fallback supervisor configured, assignee used as supervisor",
			"assignmentID", a.ID, "assigneeID", c.AssigneeID)
	}

	return &ReconcileResult{
		Outcome:          OutcomeSynthesized,
		AssignmentID:     a.ID,
		DegradedFallback: degraded,
	}, nil
}

// OnAssignmentStatusChanged mirrors an assignment status change onto the
// matching completion. The assignment itself has already been durably
// updated by the caller; this direction of sync is best-effort and a mirror
// failure never fails the primary status change. Regressions out of
// completed are rejected before any I/O. Only the most recent completion on
// the key is considered; an older pending completion behind it is left for
// the periodic sweep to promote.
func (e *Engine) OnAssignmentStatusChanged(ctx context.Context, a *visits.Assignment, newStatus visits.AssignmentStatus) error {
	if err := e.machine.ValidateTransition(a.Status, newStatus); err != nil {
		return err
	}
	if newStatus != visits.AssignmentCompleted {
		return nil
	}

	key := a.Key()
	c, err := e.store.FindCompletionByNaturalKey(ctx, key)
	if err != nil {
		e.logger.Error("mirror lookup failed", "assignmentID", a.ID, "error", err)
		return nil
	}
	if c == nil {
		// An assignment may legitimately complete without a completion
		// record in degraded flows.
		return nil
	}
	if c.Status == visits.CompletionCompleted {
		return nil
	}

	ok, err := e.store.UpdateCompletionStatus(ctx, c.ID, []visits.CompletionStatus{c.Status}, visits.CompletionCompleted)
	if err != nil {
		e.logger.Error("mirror update failed", "completionID", c.ID, "error", err)
		return nil
	}
	if !ok {
		e.logger.Info("completion moved before mirror update", "completionID", c.ID)
		return nil
	}

	e.appendEvent(ctx, &visits.ReconcileEventRecord{
		Type:         visits.EventCompletionMirrored,
		SiteID:       key.SiteID,
		AssigneeID:   key.AssigneeID,
		Contract:     key.Contract,
		AssignmentID: a.ID,
		CompletionID: c.ID,
	})
	e.logger.Info("completion mirrored to completed", "completionID", c.ID, "assignmentID", a.ID)
	return nil
}

// ReconcileAll sweeps the whole dataset and repairs drift left behind by
// partial failures or manual edits. It never creates or deletes records.
// Running it twice in a row with no intervening writes is a no-op on the
// second run. Per-row failures are collected in the summary; one bad row
// does not abort the sweep.
func (e *Engine) ReconcileAll(ctx context.Context) (*ReconcileSummary, error) {
	summary := &ReconcileSummary{}

	// Pass 1: open assignments whose completion already completed.
	token := ""
	for {
		assignments, next, err := e.store.ListAssignmentsByStatus(ctx, visits.OpenAssignmentStatuses, e.cfg.SweepBatchSize, token)
		if err != nil {
			return summary, &StorageError{Op: "list open assignments", Err: err}
		}

		for i := range assignments {
			a := &assignments[i]
			summary.Examined++

			// A newer pending completion on the same key must not shadow an
			// older completed one, so the lookup filters by status.
			c, err := e.store.FindCompletion(ctx, a.Key(), []visits.CompletionStatus{visits.CompletionCompleted})
			if err != nil {
				summary.Errors = append(summary.Errors, RowError{Kind: "assignment", ID: a.ID, Err: err.Error()})
				continue
			}
			if c == nil {
				continue
			}

			updated, err := e.completeOpenAssignment(ctx, a, c.ID)
			if err != nil {
				summary.Errors = append(summary.Errors, RowError{Kind: "assignment", ID: a.ID, Err: err.Error()})
				continue
			}
			if updated {
				summary.AssignmentsUpdated++
			} else {
				summary.Conflicts++
			}
		}

		if next == "" {
			break
		}
		token = next
	}

	// Pass 2: pending completions whose assignment already completed.
	token = ""
	for {
		completions, next, err := e.store.ListCompletionsByStatus(ctx, []visits.CompletionStatus{visits.CompletionPending}, e.cfg.SweepBatchSize, token)
		if err != nil {
			return summary, &StorageError{Op: "list pending completions", Err: err}
		}

		for i := range completions {
			c := &completions[i]
			summary.Examined++

			a, err := e.store.FindAssignment(ctx, c.Key(), []visits.AssignmentStatus{visits.AssignmentCompleted})
			if err != nil {
				summary.Errors = append(summary.Errors, RowError{Kind: "completion", ID: c.ID, Err: err.Error()})
				continue
			}
			if a == nil {
				continue
			}

			ok, err := e.store.UpdateCompletionStatus(ctx, c.ID, []visits.CompletionStatus{visits.CompletionPending}, visits.CompletionCompleted)
			if err != nil {
				summary.Errors = append(summary.Errors, RowError{Kind: "completion", ID: c.ID, Err: err.Error()})
				continue
			}
			if ok {
				summary.CompletionsUpdated++
				e.appendEvent(ctx, &visits.ReconcileEventRecord{
					Type:         visits.EventCompletionMirrored,
					SiteID:       c.SiteID,
					AssigneeID:   c.AssigneeID,
					Contract:     c.Contract,
					AssignmentID: a.ID,
					CompletionID: c.ID,
				})
			} else {
				summary.Conflicts++
			}
		}

		if next == "" {
			break
		}
		token = next
	}

	e.logger.Info("reconcile sweep finished",
		"examined", summary.Examined,
		"assignmentsUpdated", summary.AssignmentsUpdated,
		"completionsUpdated", summary.CompletionsUpdated,
		"conflicts", summary.Conflicts,
		"rowErrors", len(summary.Errors))
	return summary, nil
}

// completeOpenAssignment conditionally completes an assignment during the
// sweep, re-checking its current status so a concurrent direct update is
// never overwritten. A lost race is retried once against fresh state, then
// reported as a conflict (false, nil).
func (e *Engine) completeOpenAssignment(ctx context.Context, a *visits.Assignment, completionID uint) (bool, error) {
	for attempt := 0; attempt <= e.cfg.ConflictRetries; attempt++ {
		var ts visits.AssignmentTimestamps
		if a.CompletedAt == nil {
			now := e.now()
			ts.CompletedAt = &now
		}

		ok, err := e.store.UpdateAssignmentStatus(ctx, a.ID, visits.OpenAssignmentStatuses, visits.AssignmentCompleted, ts)
		if err != nil {
			return false, err
		}
		if ok {
			e.appendEvent(ctx, &visits.ReconcileEventRecord{
				Type:         visits.EventAssignmentMatched,
				SiteID:       a.SiteID,
				AssigneeID:   a.AssigneeID,
				Contract:     a.Contract,
				AssignmentID: a.ID,
				CompletionID: completionID,
			})
			return true, nil
		}

		fresh, err := e.store.GetAssignment(ctx, a.ID)
		if err != nil {
			return false, err
		}
		if fresh == nil || !fresh.IsOpen() {
			// The row reached a terminal state on its own; nothing to repair.
			return false, nil
		}
		a = fresh
	}
	return false, nil
}

// appendEvent records an observability event. Event-append failures are
// logged and swallowed; observability must never break reconciliation.
func (e *Engine) appendEvent(ctx context.Context, event *visits.ReconcileEventRecord) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(ctx, event); err != nil {
		e.logger.Error("failed to append reconcile event",
			"eventType", string(event.Type), "error", err)
	}
}
