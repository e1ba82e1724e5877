package visits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyLockerNilDBIsNoop(t *testing.T) {
	locker := NewKeyLocker(nil)

	ran := false
	err := locker.WithLock(context.Background(), NaturalKey{SiteID: 1, AssigneeID: 2}, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockRunsFunction(t *testing.T) {
	locker := NewKeyLocker(setupTestDB(t))

	ran := false
	err := locker.WithLock(context.Background(), NaturalKey{SiteID: 1, AssigneeID: 2, Contract: "C1"}, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockPropagatesError(t *testing.T) {
	locker := NewKeyLocker(setupTestDB(t))
	key := NaturalKey{SiteID: 1, AssigneeID: 2}

	boom := errors.New("boom")
	err := locker.WithLock(context.Background(), key, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	// The lock must be released even when fn failed.
	err = locker.WithLock(context.Background(), key, func() error { return nil })
	require.NoError(t, err)
}

func TestWithLockSerializesSameKey(t *testing.T) {
	locker := NewKeyLocker(setupTestDB(t))
	key := NaturalKey{SiteID: 5, AssigneeID: 9, Contract: "C1"}

	var inCritical atomic.Int32
	var overlaps atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), key, func() error {
				if inCritical.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(10 * time.Millisecond)
				inCritical.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), overlaps.Load())
}

func TestWithLockSequentialReacquire(t *testing.T) {
	locker := NewKeyLocker(setupTestDB(t))
	key := NaturalKey{SiteID: 5, AssigneeID: 9}

	for i := 0; i < 3; i++ {
		err := locker.WithLock(context.Background(), key, func() error { return nil })
		require.NoError(t, err)
	}
}
