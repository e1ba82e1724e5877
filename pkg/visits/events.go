package visits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventType classifies reconciliation events.
type EventType string

const (
	// EventAssignmentMatched is recorded when an open assignment was
	// completed because a matching completion arrived.
	EventAssignmentMatched EventType = "assignment_matched"

	// EventAssignmentSynthesized is recorded when a completion arrived with
	// no matching open assignment and one had to be created.
	EventAssignmentSynthesized EventType = "assignment_synthesized"

	// EventCompletionMirrored is recorded when a completion's status was
	// advanced to mirror its assignment.
	EventCompletionMirrored EventType = "completion_mirrored"

	// EventDegradedFallback is recorded when synthesis had to invent a
	// supervisor. Operators watch this to backfill real assignments.
	EventDegradedFallback EventType = "degraded_fallback"
)

// ReconcileEventRecord is an immutable record of a reconciliation action.
type ReconcileEventRecord struct {
	ID           string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Type         EventType `gorm:"column:event_type;index:idx_event_type;not null"`
	SiteID       uint      `gorm:"column:site_id;not null"`
	AssigneeID   uint      `gorm:"column:assignee_id;not null"`
	Contract     string    `gorm:"column:contract"`
	AssignmentID uint      `gorm:"column:assignment_id"`
	CompletionID uint      `gorm:"column:completion_id"`
	Detail       string    `gorm:"column:detail"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime;index:idx_event_created"`
}

// TableName returns the GORM table name.
func (ReconcileEventRecord) TableName() string { return "reconcile_events" }

// EventStore provides append-only operations for reconciliation events.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore creates a new EventStore.
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// AutoMigrate creates or updates the reconcile_events table.
func (s *EventStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&ReconcileEventRecord{}); err != nil {
		return fmt.Errorf("auto-migrate reconcile_events: %w", err)
	}
	return nil
}

// Append creates a new immutable event record. An ID is assigned if the
// caller left it empty.
func (s *EventStore) Append(ctx context.Context, event *ReconcileEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append reconcile event: %w", err)
	}
	return nil
}

// ListByType returns paginated events of the given type, newest first.
// pageToken is an RFC3339 timestamp; events created before it are returned.
// Pass "" for the first page and EventType("") to list all types.
func (s *EventStore) ListByType(ctx context.Context, eventType EventType, pageSize int, pageToken string) ([]ReconcileEventRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(pageSize + 1)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []ReconcileEventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list reconcile events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, nil
}

// DeleteOlderThan removes events created before the given cutoff. Returns
// the number of deleted records.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&ReconcileEventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old reconcile events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
