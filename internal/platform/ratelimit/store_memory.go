package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps permit timestamps per tenant in process memory. It is the
// default store when no Redis URL is configured; counters are then local to
// one process.
type MemoryStore struct {
	mu      sync.Mutex
	permits map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{permits: make(map[string][]time.Time)}
}

func (s *MemoryStore) TryAcquire(_ context.Context, tenantID string, now time.Time, cfg Config) (bool, string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hourCutoff := now.Add(-time.Hour)
	minuteCutoff := now.Add(-time.Minute)

	// Drop permits older than the hour window; it subsumes the minute window.
	kept := s.permits[tenantID][:0]
	for _, ts := range s.permits[tenantID] {
		if ts.After(hourCutoff) {
			kept = append(kept, ts)
		}
	}
	s.permits[tenantID] = kept

	var minuteCount int
	var minuteOldest time.Time
	for _, ts := range kept {
		if ts.After(minuteCutoff) {
			minuteCount++
			if minuteOldest.IsZero() || ts.Before(minuteOldest) {
				minuteOldest = ts
			}
		}
	}

	if minuteCount >= cfg.PerMinute {
		return false, "minute", minuteOldest, nil
	}
	if len(kept) >= cfg.PerHour {
		return false, "hour", kept[0], nil
	}

	s.permits[tenantID] = append(kept, now)
	return true, "", time.Time{}, nil
}
