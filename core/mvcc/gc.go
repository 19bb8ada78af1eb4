package mvcc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SweepFunc performs one garbage collection pass, pruning versions no
// snapshot at or above horizon can see. It returns the number of
// versions removed.
type SweepFunc func(ctx context.Context, horizon uint64) (int, error)

// Sweeper periodically reclaims dead versions. Passes are paced by a
// rate limiter so collection never monopolizes the tree latches.
type Sweeper struct {
	horizon  func() uint64
	sweep    SweepFunc
	interval time.Duration
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewSweeper builds a sweeper with the given horizon source and sweep
// pass. interval is the idle time between passes; maxPassesPerSec
// additionally caps the pass rate under a backlog.
func NewSweeper(horizon func() uint64, sweep SweepFunc, interval time.Duration, maxPassesPerSec float64, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		horizon:  horizon,
		sweep:    sweep,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(maxPassesPerSec), 1),
		log:      logger.Named("gc"),
	}
}

// Run loops until ctx is cancelled. It is normally launched on the
// engine's background error group.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			s.pass(ctx)
		}
	}
}

// Pass runs a single collection pass immediately. Tests and the engine's
// Close path use it to drain garbage deterministically.
func (s *Sweeper) Pass(ctx context.Context) (int, error) {
	return s.sweep(ctx, s.horizon())
}

func (s *Sweeper) pass(ctx context.Context) {
	h := s.horizon()
	start := time.Now()
	pruned, err := s.sweep(ctx, h)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("garbage collection pass failed", zap.Error(err))
		}
		return
	}
	if pruned > 0 {
		s.log.Debug("garbage collection pass",
			zap.Uint64("horizon", h),
			zap.Int("pruned_versions", pruned),
			zap.Duration("took", time.Since(start)))
	}
}
