package visits

import (
	"fmt"
	"time"
)

// AssignmentStatus represents the lifecycle state of a scheduled visit.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "pending"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentCancelled  AssignmentStatus = "cancelled"
)

// OpenAssignmentStatuses are the states in which an assignment can still be
// matched against an incoming completion.
var OpenAssignmentStatuses = []AssignmentStatus{AssignmentPending, AssignmentInProgress}

// CompletionStatus represents the state of a submitted visit record.
// Completions are usually created already completed; pending is a rare but
// valid state for submissions awaiting operator review.
type CompletionStatus string

const (
	CompletionPending   CompletionStatus = "pending"
	CompletionCompleted CompletionStatus = "completed"
	CompletionCancelled CompletionStatus = "cancelled"
)

// NaturalKey is the tuple that associates an Assignment with a Completion.
// The two records are never linked by foreign key; matching is by equality
// of this key. An empty Contract matches an empty Contract.
type NaturalKey struct {
	SiteID     uint
	AssigneeID uint
	Contract   string
}

// String returns a stable textual form of the key, used for lock naming.
func (k NaturalKey) String() string {
	return fmt.Sprintf("%d:%d:%s", k.SiteID, k.AssigneeID, k.Contract)
}

// Assignment is a visit scheduled by a supervisor for an assignee at a site.
type Assignment struct {
	ID           uint             `gorm:"primaryKey;column:id"`
	SiteID       uint             `gorm:"column:site_id;index:idx_assignment_key,priority:1;not null"`
	AssigneeID   uint             `gorm:"column:assignee_id;index:idx_assignment_key,priority:2;not null"`
	Contract     string           `gorm:"column:contract;index:idx_assignment_key,priority:3"`
	SupervisorID uint             `gorm:"column:supervisor_id;not null"`
	Status       AssignmentStatus `gorm:"column:status;index:idx_assignment_status;not null;default:pending"`
	VisitType    string           `gorm:"column:visit_type;not null;default:PAE"`
	Priority     string           `gorm:"column:priority;not null;default:normal"`
	Operator     string           `gorm:"column:operator"`
	Notes        string           `gorm:"column:notes"`
	ScheduledAt  time.Time        `gorm:"column:scheduled_at;not null"`
	StartedAt    *time.Time       `gorm:"column:started_at"`
	CompletedAt  *time.Time       `gorm:"column:completed_at"`
	CreatedAt    time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Assignment) TableName() string { return "visit_assignments" }

// Key returns the assignment's natural key.
func (a *Assignment) Key() NaturalKey {
	return NaturalKey{SiteID: a.SiteID, AssigneeID: a.AssigneeID, Contract: a.Contract}
}

// IsOpen returns true if the assignment can still be matched against a
// completion.
func (a *Assignment) IsOpen() bool {
	return a.Status == AssignmentPending || a.Status == AssignmentInProgress
}

// IsTerminal returns true if the assignment is in a terminal state.
func (a *Assignment) IsTerminal() bool {
	return a.Status == AssignmentCompleted || a.Status == AssignmentCancelled
}

// Completion is the record a field worker submits when a visit is carried
// out, independent of whether an assignment exists for it. Natural-key
// fields are immutable after creation; only Status may be updated.
type Completion struct {
	ID          uint             `gorm:"primaryKey;column:id"`
	SiteID      uint             `gorm:"column:site_id;index:idx_completion_key,priority:1;not null"`
	AssigneeID  uint             `gorm:"column:assignee_id;index:idx_completion_key,priority:2;not null"`
	Contract    string           `gorm:"column:contract;index:idx_completion_key,priority:3"`
	Status      CompletionStatus `gorm:"column:status;index:idx_completion_status;not null;default:completed"`
	VisitedAt   time.Time        `gorm:"column:visited_at;not null"`
	Operator    string           `gorm:"column:operator"`
	Notes       string           `gorm:"column:notes"`
	SequenceNum int              `gorm:"column:sequence_num;default:0"`
	CreatedAt   time.Time        `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (Completion) TableName() string { return "visit_completions" }

// Key returns the completion's natural key.
func (c *Completion) Key() NaturalKey {
	return NaturalKey{SiteID: c.SiteID, AssigneeID: c.AssigneeID, Contract: c.Contract}
}
