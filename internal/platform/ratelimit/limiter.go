// Package ratelimit enforces the per-tenant submission throughput limits the
// payer imposes. Counters slide over two windows (per-minute and per-hour);
// exceeding either rejects the call immediately with a computed retry-after
// instead of blocking the caller.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config holds the sliding-window thresholds for one tenant.
type Config struct {
	PerMinute int
	PerHour   int
}

// RateLimitedError reports a rejected acquisition and when to try again.
type RateLimitedError struct {
	TenantID   string
	Window     string // "minute" or "hour"
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %s (%s window), retry after %s",
		e.TenantID, e.Window, e.RetryAfter)
}

// CounterStore is the atomic permit ledger behind the limiter. TryAcquire
// counts permits inside both windows ending at now and records a new permit
// only when both are under their thresholds. When denied it reports which
// window was full and the timestamp of the oldest permit still inside it.
type CounterStore interface {
	TryAcquire(ctx context.Context, tenantID string, now time.Time, cfg Config) (ok bool, window string, oldest time.Time, err error)
}

// Limiter grants submission permits per tenant.
type Limiter struct {
	store CounterStore
	cfg   Config
	now   func() time.Time
}

func NewLimiter(store CounterStore, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg, now: time.Now}
}

// SetClock overrides the limiter's clock for deterministic tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Acquire takes one permit for the tenant or returns *RateLimitedError with a
// non-negative RetryAfter. It never blocks.
func (l *Limiter) Acquire(ctx context.Context, tenantID string) error {
	now := l.now()
	ok, window, oldest, err := l.store.TryAcquire(ctx, tenantID, now, l.cfg)
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	if ok {
		return nil
	}

	span := time.Minute
	if window == "hour" {
		span = time.Hour
	}
	retryAfter := oldest.Add(span).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &RateLimitedError{TenantID: tenantID, Window: window, RetryAfter: retryAfter}
}
