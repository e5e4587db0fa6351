package claims

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// retryBatchSize caps how many queue entries one scheduler pass attempts.
const retryBatchSize = 50

// RetryRunner is the retry-pass surface the scheduler drives. The server
// wraps Service so each pass runs with a tenant-pinned connection.
type RetryRunner interface {
	ProcessDue(ctx context.Context, limit int) (attempted, succeeded int, err error)
}

// RetryRunnerFunc adapts a plain function to RetryRunner.
type RetryRunnerFunc func(ctx context.Context, limit int) (int, int, error)

func (f RetryRunnerFunc) ProcessDue(ctx context.Context, limit int) (int, int, error) {
	return f(ctx, limit)
}

// Scheduler periodically drains the retry queue. One pass at a time: if a
// pass is still running when the ticker fires again, the tick is skipped
// rather than stacking overlapping passes.
type Scheduler struct {
	svc      RetryRunner
	interval time.Duration
	enabled  bool
	logger   zerolog.Logger
	running  atomic.Bool
	now      func() time.Time
}

func NewScheduler(svc RetryRunner, interval time.Duration, enabled bool, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		svc:      svc,
		interval: interval,
		enabled:  enabled,
		logger:   logger,
		now:      time.Now,
	}
}

// Start blocks until ctx is cancelled, running one pass per interval.
// When automatic retry is disabled the loop never starts; queued claims
// wait for manual resubmission.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.enabled {
		s.logger.Info().Msg("automatic retry disabled, scheduler not started")
		return
	}
	s.logger.Info().Dur("interval", s.interval).Msg("retry scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("retry scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single pass if none is in flight. Each pass gets a
// deadline of one interval so a hung payer call cannot wedge the loop.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("retry pass already running, skipping tick")
		return
	}
	defer s.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	started := s.now()
	attempted, succeeded, err := s.svc.ProcessDue(runCtx, retryBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("retry pass failed")
		return
	}
	if attempted > 0 {
		s.logger.Info().
			Int("attempted", attempted).
			Int("succeeded", succeeded).
			Dur("elapsed", s.now().Sub(started)).
			Msg("retry pass complete")
	}
}
