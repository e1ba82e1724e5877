package visits

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// Each pooled connection to ":memory:" would get its own database, so
	// pin the pool to a single connection.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, NewVisitStore(db).AutoMigrate())
	return db
}

func newAssignment(key NaturalKey, status AssignmentStatus, scheduledAt time.Time) *Assignment {
	return &Assignment{
		SiteID:       key.SiteID,
		AssigneeID:   key.AssigneeID,
		Contract:     key.Contract,
		SupervisorID: 1,
		Status:       status,
		ScheduledAt:  scheduledAt,
	}
}

func newCompletion(key NaturalKey, status CompletionStatus, createdAt time.Time) *Completion {
	return &Completion{
		SiteID:     key.SiteID,
		AssigneeID: key.AssigneeID,
		Contract:   key.Contract,
		Status:     status,
		VisitedAt:  createdAt,
		CreatedAt:  createdAt,
	}
}

func TestFindOpenAssignmentReturnsNilWhenAbsent(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	found, err := store.FindOpenAssignment(context.Background(), NaturalKey{SiteID: 5, AssigneeID: 9, Contract: "C1"})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindOpenAssignmentPrefersLatestScheduled(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)
	key := NaturalKey{SiteID: 5, AssigneeID: 9, Contract: "C1"}

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	earlier := newAssignment(key, AssignmentPending, t0)
	later := newAssignment(key, AssignmentInProgress, t0.Add(48*time.Hour))
	require.NoError(t, db.Create(earlier).Error)
	require.NoError(t, db.Create(later).Error)

	found, err := store.FindOpenAssignment(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, later.ID, found.ID)
}

func TestFindOpenAssignmentTieBreaksOnLowestID(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)
	key := NaturalKey{SiteID: 5, AssigneeID: 9, Contract: "C1"}

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	first := newAssignment(key, AssignmentPending, t0)
	second := newAssignment(key, AssignmentPending, t0)
	require.NoError(t, db.Create(first).Error)
	require.NoError(t, db.Create(second).Error)

	found, err := store.FindOpenAssignment(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
}

func TestFindOpenAssignmentSkipsClosedStates(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)
	key := NaturalKey{SiteID: 5, AssigneeID: 9, Contract: "C1"}

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(newAssignment(key, AssignmentCompleted, t0)).Error)
	require.NoError(t, db.Create(newAssignment(key, AssignmentCancelled, t0)).Error)

	found, err := store.FindOpenAssignment(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindOpenAssignmentMatchesEmptyContract(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)
	key := NaturalKey{SiteID: 5, AssigneeID: 9, Contract: ""}

	a := newAssignment(key, AssignmentPending, time.Now())
	require.NoError(t, db.Create(a).Error)

	found, err := store.FindOpenAssignment(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)

	// A different contract must not match.
	found, err = store.FindOpenAssignment(context.Background(), NaturalKey{SiteID: 5, AssigneeID: 9, Contract: "C1"})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindAssignmentFiltersByStatus(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)
	key := NaturalKey{SiteID: 5, AssigneeID: 9, Contract: "C1"}

	done := newAssignment(key, AssignmentCompleted, time.Now())
	require.NoError(t, db.Create(done).Error)

	found, err := store.FindAssignment(context.Background(), key, []AssignmentStatus{AssignmentCompleted})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, done.ID, found.ID)
}

func TestGetAssignment(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	a := newAssignment(NaturalKey{SiteID: 1, AssigneeID: 2}, AssignmentPending, time.Now())
	require.NoError(t, db.Create(a).Error)

	got, err := store.GetAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)

	missing, err := store.GetAssignment(context.Background(), a.ID+100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetCompletion(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	c := newCompletion(NaturalKey{SiteID: 1, AssigneeID: 2}, CompletionCompleted, time.Now())
	require.NoError(t, db.Create(c).Error)

	got, err := store.GetCompletion(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ID, got.ID)

	missing, err := store.GetCompletion(context.Background(), c.ID+100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindCompletionByNaturalKeyReturnsLatest(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)
	key := NaturalKey{SiteID: 7, AssigneeID: 3, Contract: "C2"}

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	older := newCompletion(key, CompletionCompleted, t0)
	newer := newCompletion(key, CompletionPending, t0.Add(time.Hour))
	require.NoError(t, db.Create(older).Error)
	require.NoError(t, db.Create(newer).Error)

	found, err := store.FindCompletionByNaturalKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, newer.ID, found.ID)
}

func TestFindCompletionFiltersByStatus(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)
	key := NaturalKey{SiteID: 7, AssigneeID: 3, Contract: "C2"}

	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	completed := newCompletion(key, CompletionCompleted, t0)
	pending := newCompletion(key, CompletionPending, t0.Add(time.Hour))
	require.NoError(t, db.Create(completed).Error)
	require.NoError(t, db.Create(pending).Error)

	// The newer pending record must not shadow the completed one when the
	// lookup filters on status.
	found, err := store.FindCompletion(context.Background(), key, []CompletionStatus{CompletionCompleted})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, completed.ID, found.ID)

	none, err := store.FindCompletion(context.Background(), key, []CompletionStatus{CompletionCancelled})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFindCompletionByNaturalKeyReturnsNilWhenAbsent(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	found, err := store.FindCompletionByNaturalKey(context.Background(), NaturalKey{SiteID: 7, AssigneeID: 3})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestUpdateAssignmentStatusStampsTimestamps(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	a := newAssignment(NaturalKey{SiteID: 1, AssigneeID: 2}, AssignmentPending, time.Now())
	require.NoError(t, db.Create(a).Error)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ok, err := store.UpdateAssignmentStatus(context.Background(), a.ID, OpenAssignmentStatuses, AssignmentCompleted, AssignmentTimestamps{CompletedAt: &now})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, AssignmentCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now))
}

func TestUpdateAssignmentStatusOptimisticPrecondition(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	a := newAssignment(NaturalKey{SiteID: 1, AssigneeID: 2}, AssignmentCompleted, time.Now())
	require.NoError(t, db.Create(a).Error)

	// Row is already completed, so the open precondition must fail.
	ok, err := store.UpdateAssignmentStatus(context.Background(), a.ID, OpenAssignmentStatuses, AssignmentCompleted, AssignmentTimestamps{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateCompletionStatus(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	c := newCompletion(NaturalKey{SiteID: 1, AssigneeID: 2}, CompletionPending, time.Now())
	require.NoError(t, db.Create(c).Error)

	ok, err := store.UpdateCompletionStatus(context.Background(), c.ID, []CompletionStatus{CompletionPending}, CompletionCompleted)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetCompletion(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, CompletionCompleted, got.Status)

	// Precondition no longer holds.
	ok, err = store.UpdateCompletionStatus(context.Background(), c.ID, []CompletionStatus{CompletionPending}, CompletionCompleted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertAssignmentAppliesDefaults(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	a := &Assignment{
		SiteID:       3,
		AssigneeID:   4,
		SupervisorID: 1,
		ScheduledAt:  time.Now(),
	}
	require.NoError(t, store.InsertAssignment(context.Background(), a))

	got, err := store.GetAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, AssignmentPending, got.Status)
	assert.Equal(t, "PAE", got.VisitType)
	assert.Equal(t, "normal", got.Priority)
}

func TestListAssignmentsByStatusPaginates(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	for i := 0; i < 5; i++ {
		a := newAssignment(NaturalKey{SiteID: uint(i + 1), AssigneeID: 9}, AssignmentPending, time.Now())
		require.NoError(t, db.Create(a).Error)
	}

	var seen []uint
	token := ""
	pages := 0
	for {
		page, next, err := store.ListAssignmentsByStatus(context.Background(), OpenAssignmentStatuses, 2, token)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page), 2)
		for _, a := range page {
			seen = append(seen, a.ID)
		}
		pages++
		if next == "" {
			break
		}
		token = next
	}

	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
	assert.IsIncreasing(t, seen)
}

func TestListCompletionsByStatusFilters(t *testing.T) {
	db := setupTestDB(t)
	store := NewVisitStore(db)

	require.NoError(t, db.Create(newCompletion(NaturalKey{SiteID: 1, AssigneeID: 1}, CompletionPending, time.Now())).Error)
	require.NoError(t, db.Create(newCompletion(NaturalKey{SiteID: 2, AssigneeID: 1}, CompletionCompleted, time.Now())).Error)
	require.NoError(t, db.Create(newCompletion(NaturalKey{SiteID: 3, AssigneeID: 1}, CompletionPending, time.Now())).Error)

	page, next, err := store.ListCompletionsByStatus(context.Background(), []CompletionStatus{CompletionPending}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Len(t, page, 2)
	for _, c := range page {
		assert.Equal(t, CompletionPending, c.Status)
	}
}
