package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs ReconcileAll on a fixed interval. It has no scheduling
// smarts of its own; whoever owns the process lifecycle starts it and
// cancels the context to stop it. Because the sweep is idempotent, an
// interrupted run is harmless and the next tick picks up where it left off.
type Sweeper struct {
	engine *Engine
	cfg    *Config
	logger *slog.Logger
}

// NewSweeper creates a sweeper for the given engine.
func NewSweeper(engine *Engine, cfg *Config, logger *slog.Logger) *Sweeper {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, cfg: cfg, logger: logger}
}

// Run blocks, sweeping every cfg.SweepInterval until the context is
// cancelled. A run happens immediately on start so drift is repaired
// without waiting a full interval.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("reconcile sweeper disabled")
		return
	}

	s.logger.Info("reconcile sweeper starting",
		"interval", s.cfg.SweepInterval.String(),
		"batchSize", s.cfg.SweepBatchSize)

	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	summary, err := s.engine.ReconcileAll(ctx)
	if err != nil {
		s.logger.Error("reconcile sweep failed", "error", err)
		return
	}
	if len(summary.Errors) > 0 {
		s.logger.Warn("reconcile sweep finished with row errors",
			"rowErrors", len(summary.Errors))
	}
}
