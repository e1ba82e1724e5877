package visits

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// AssignmentTimestamps carries the optional timestamps set alongside a
// status update. A nil field leaves the stored value untouched.
type AssignmentTimestamps struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// VisitStore provides database operations for assignments and completions.
type VisitStore struct {
	db *gorm.DB
}

// NewVisitStore creates a new VisitStore.
func NewVisitStore(db *gorm.DB) *VisitStore {
	return &VisitStore{db: db}
}

// AutoMigrate creates or updates the visit tables.
func (s *VisitStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Assignment{}); err != nil {
		return fmt.Errorf("auto-migrate visit_assignments: %w", err)
	}
	if err := s.db.AutoMigrate(&Completion{}); err != nil {
		return fmt.Errorf("auto-migrate visit_completions: %w", err)
	}
	return nil
}

// GetAssignment retrieves an assignment by ID. Returns nil, nil if no
// record exists.
func (s *VisitStore) GetAssignment(ctx context.Context, id uint) (*Assignment, error) {
	var record Assignment
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &record, nil
}

// GetCompletion retrieves a completion by ID. Returns nil, nil if no
// record exists.
func (s *VisitStore) GetCompletion(ctx context.Context, id uint) (*Completion, error) {
	var record Completion
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get completion: %w", err)
	}
	return &record, nil
}

// FindAssignment returns the assignment matching the natural key whose
// status is one of the given states. When several match, the most recently
// scheduled wins; ties are broken by lowest ID. Returns nil, nil if no
// assignment matches.
func (s *VisitStore) FindAssignment(ctx context.Context, key NaturalKey, statuses []AssignmentStatus) (*Assignment, error) {
	var record Assignment
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND assignee_id = ? AND contract = ? AND status IN ?",
			key.SiteID, key.AssigneeID, key.Contract, statuses).
		Order("scheduled_at DESC, id ASC").
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("find assignment: %w", err)
	}
	return &record, nil
}

// FindOpenAssignment returns the still-open assignment for the key, if any.
func (s *VisitStore) FindOpenAssignment(ctx context.Context, key NaturalKey) (*Assignment, error) {
	return s.FindAssignment(ctx, key, OpenAssignmentStatuses)
}

// FindCompletion returns the most recent completion for the key whose status
// is one of the given states; an empty status list matches any status. Ties
// on created_at are broken by lowest ID. Returns nil, nil if no completion
// matches.
func (s *VisitStore) FindCompletion(ctx context.Context, key NaturalKey, statuses []CompletionStatus) (*Completion, error) {
	query := s.db.WithContext(ctx).
		Where("site_id = ? AND assignee_id = ? AND contract = ?",
			key.SiteID, key.AssigneeID, key.Contract)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var record Completion
	err := query.Order("created_at DESC, id ASC").First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("find completion: %w", err)
	}
	return &record, nil
}

// FindCompletionByNaturalKey returns the most recent completion for the key
// regardless of status. Returns nil, nil if no completion exists.
func (s *VisitStore) FindCompletionByNaturalKey(ctx context.Context, key NaturalKey) (*Completion, error) {
	return s.FindCompletion(ctx, key, nil)
}

// UpdateAssignmentStatus transitions an assignment to the given status with
// an optimistic precondition: the row is only updated while its current
// status is still one of from. Returns false when a concurrent writer
// already advanced the row past the precondition.
func (s *VisitStore) UpdateAssignmentStatus(ctx context.Context, id uint, from []AssignmentStatus, to AssignmentStatus, ts AssignmentTimestamps) (bool, error) {
	updates := map[string]any{"status": to}
	if ts.StartedAt != nil {
		updates["started_at"] = ts.StartedAt
	}
	if ts.CompletedAt != nil {
		updates["completed_at"] = ts.CompletedAt
	}

	result := s.db.WithContext(ctx).Model(&Assignment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("update assignment status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// InsertAssignment persists a new assignment. Used only for synthesis when
// a completion arrives with no matching open assignment.
func (s *VisitStore) InsertAssignment(ctx context.Context, a *Assignment) error {
	if a.Status == "" {
		a.Status = AssignmentPending
	}
	if a.VisitType == "" {
		a.VisitType = "PAE"
	}
	if a.Priority == "" {
		a.Priority = "normal"
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// UpdateCompletionStatus transitions a completion to the given status with
// the same optimistic precondition as UpdateAssignmentStatus.
func (s *VisitStore) UpdateCompletionStatus(ctx context.Context, id uint, from []CompletionStatus, to CompletionStatus) (bool, error) {
	result := s.db.WithContext(ctx).Model(&Completion{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("update completion status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ListAssignmentsByStatus returns a page of assignments in the given states,
// ordered by ID. pageToken is the ID of the last record from the previous
// page; pass "" for the first page.
func (s *VisitStore) ListAssignmentsByStatus(ctx context.Context, statuses []AssignmentStatus, pageSize int, pageToken string) ([]Assignment, string, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	query := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("id ASC").Limit(pageSize + 1)
	if pageToken != "" {
		lastID, err := strconv.ParseUint(pageToken, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("id > ?", lastID)
	}

	var records []Assignment
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list assignments: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = strconv.FormatUint(uint64(records[pageSize-1].ID), 10)
		records = records[:pageSize]
	}

	return records, nextToken, nil
}

// ListCompletionsByStatus returns a page of completions in the given states,
// ordered by ID, with the same pagination contract as ListAssignmentsByStatus.
func (s *VisitStore) ListCompletionsByStatus(ctx context.Context, statuses []CompletionStatus, pageSize int, pageToken string) ([]Completion, string, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	query := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("id ASC").Limit(pageSize + 1)
	if pageToken != "" {
		lastID, err := strconv.ParseUint(pageToken, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("id > ?", lastID)
	}

	var records []Completion
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list completions: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = strconv.FormatUint(uint64(records[pageSize-1].ID), 10)
		records = records[:pageSize]
	}

	return records, nextToken, nil
}
