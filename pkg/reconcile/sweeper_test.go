package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sifpae/visit-registry/pkg/visits"
)

func TestSweeperDisabledReturnsImmediately(t *testing.T) {
	f := setupEngine(t, nil)
	cfg := DefaultConfig()
	cfg.Enabled = false
	sweeper := NewSweeper(f.engine, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		sweeper.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disabled sweeper did not return")
	}
}

func TestSweeperRepairsDriftOnStart(t *testing.T) {
	f := setupEngine(t, nil)
	key := visits.NaturalKey{SiteID: 5, AssigneeID: 9, Contract: "C1"}
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	a := f.seedAssignment(t, key, visits.AssignmentPending, t0)
	f.seedCompletion(t, key, visits.CompletionCompleted, t0.Add(time.Hour))

	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour // only the startup sweep should run
	sweeper := NewSweeper(f.engine, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		got, err := f.store.GetAssignment(context.Background(), a.ID)
		return err == nil && got != nil && got.Status == visits.AssignmentCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}

	got, err := f.store.GetAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}
