package visits

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// KeyLocker serializes reconciliation work per natural key, so that two
// concurrent submissions for the same key cannot both synthesize an
// assignment.
type KeyLocker interface {
	// WithLock executes fn while holding the lock for key. It blocks until
	// the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, key NaturalKey, fn func() error) error
}

// NewKeyLocker creates a KeyLocker appropriate for the database dialect.
// PostgreSQL uses advisory locks; other databases use a table-based
// fallback. The lock table is created immediately for the fallback strategy.
func NewKeyLocker(db *gorm.DB) KeyLocker {
	if db == nil {
		return &noopKeyLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryKeyLock{db: db}
	}
	lock := &fallbackKeyLock{db: db}
	// Create the lock table immediately so that concurrent callers never
	// hit "no such table" errors on their first WithLock call.
	_ = db.AutoMigrate(&keyLockRecord{})
	return lock
}

// noopKeyLock is used when no database is configured.
type noopKeyLock struct{}

func (n *noopKeyLock) WithLock(_ context.Context, _ NaturalKey, fn func() error) error {
	return fn()
}

// pgAdvisoryKeyLock uses PostgreSQL advisory locks keyed on a hash of the
// natural key. The lock is held on a single pinned connection so acquire
// and release see the same session.
type pgAdvisoryKeyLock struct {
	db *gorm.DB
}

func (l *pgAdvisoryKeyLock) WithLock(ctx context.Context, key NaturalKey, fn func() error) error {
	lockID := int64(crc32.ChecksumIEEE([]byte("visit-key:" + key.String())))
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", lockID).Error; err != nil {
			return fmt.Errorf("failed to acquire key advisory lock: %w", err)
		}
		defer func() {
			_ = conn.Exec("SELECT pg_advisory_unlock(?)", lockID).Error
		}()
		return fn()
	})
}

// keyLockRecord is the table-based lock row for non-PostgreSQL databases.
type keyLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (keyLockRecord) TableName() string { return "visit_key_locks" }

// fallbackKeyLock uses a database table for locking on non-PostgreSQL
// databases (SQLite, MySQL). It uses INSERT-or-fail semantics to ensure only
// one holder per key at a time, with stale lock cleanup for crash recovery.
type fallbackKeyLock struct {
	db *gorm.DB
}

func (l *fallbackKeyLock) WithLock(ctx context.Context, key NaturalKey, fn func() error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	lockRow := keyLockRecord{
		ID:       key.String(),
		LockedBy: hostname,
	}

	const maxRetries = 200
	const retryInterval = 25 * time.Millisecond
	const staleLockAge = 1 * time.Minute

	acquired := false
	for i := 0; i < maxRetries; i++ {
		// Delete stale locks (older than staleLockAge) to handle crash recovery.
		l.db.WithContext(ctx).Where("id = ? AND locked_at < ?", lockRow.ID, time.Now().Add(-staleLockAge)).Delete(&keyLockRecord{})

		lockRow.LockedAt = time.Now()

		// Try to insert (fails if the row already exists).
		result := l.db.WithContext(ctx).Create(&lockRow)
		if result.Error == nil {
			acquired = true
			break
		}

		if i == maxRetries-1 {
			return fmt.Errorf("failed to acquire key lock after %d retries: %w", maxRetries, result.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	if !acquired {
		return fmt.Errorf("failed to acquire key lock")
	}

	defer func() {
		l.db.Where("id = ?", lockRow.ID).Delete(&keyLockRecord{})
	}()

	return fn()
}
