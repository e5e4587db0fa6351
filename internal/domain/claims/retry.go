package claims

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// retryBackoff returns the delay before the next attempt after the given
// number of failed attempts. The schedule is fixed: 1h, 4h, 24h.
func retryBackoff(attempts int) time.Duration {
	switch attempts {
	case 1:
		return time.Hour
	case 2:
		return 4 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// RetryManager owns the durable retry queue. All methods expect to run
// inside the caller's transaction so a claim's state and its queue entry
// move together.
type RetryManager struct {
	entries     RetryQueueRepository
	claims      ClaimRepository
	maxAttempts int
	now         func() time.Time
}

func NewRetryManager(entries RetryQueueRepository, claims ClaimRepository, maxAttempts int) *RetryManager {
	return &RetryManager{
		entries:     entries,
		claims:      claims,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (m *RetryManager) SetClock(now func() time.Time) { m.now = now }

// RecordFailure registers a transient submission failure for the claim.
// The first failure creates the queue entry; later failures bump the
// attempt count and push next_attempt_at out along the backoff schedule.
// Once the cap is reached the entry is kept as exhausted and the claim is
// marked failed for manual follow-up.
func (m *RetryManager) RecordFailure(ctx context.Context, claim *Claim, cause string) (*RetryQueueEntry, error) {
	now := m.now()

	entry, err := m.entries.GetByClaimID(ctx, claim.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		entry = &RetryQueueEntry{
			ClaimID:       claim.ID,
			TenantID:      claim.TenantID,
			Status:        RetryPending,
			AttemptCount:  1,
			LastError:     &cause,
			NextAttemptAt: now.Add(retryBackoff(1)),
		}
		if err := m.entries.Create(ctx, entry); err != nil {
			return nil, fmt.Errorf("enqueue retry for claim %s: %w", claim.ClaimNumber, err)
		}
	case err != nil:
		return nil, err
	default:
		entry.AttemptCount++
		entry.LastError = &cause
		if entry.AttemptCount >= m.maxAttempts {
			entry.Status = RetryExhausted
		} else {
			entry.Status = RetryPending
			entry.NextAttemptAt = now.Add(retryBackoff(entry.AttemptCount))
		}
		if err := m.entries.Update(ctx, entry); err != nil {
			return nil, fmt.Errorf("update retry for claim %s: %w", claim.ClaimNumber, err)
		}
	}

	if entry.Status == RetryExhausted {
		claim.State = StateFailed
	} else {
		claim.State = StateRetryPending
	}
	if err := m.claims.Update(ctx, claim); err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordSuccess removes the claim's queue entry after a submission finally
// went through. No-op when the claim was never queued.
func (m *RetryManager) RecordSuccess(ctx context.Context, claim *Claim) error {
	entry, err := m.entries.GetByClaimID(ctx, claim.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.entries.Delete(ctx, entry.ID)
}

// Due returns queue entries ready for another attempt, oldest first.
func (m *RetryManager) Due(ctx context.Context, now time.Time, limit int) ([]*RetryQueueEntry, error) {
	return m.entries.ListDue(ctx, now, limit)
}

// Claim marks an entry in_progress so overlapping scheduler runs skip it.
func (m *RetryManager) Claim(ctx context.Context, entry *RetryQueueEntry) error {
	entry.Status = RetryInProgress
	return m.entries.Update(ctx, entry)
}

// Release returns an in_progress entry to pending without counting an
// attempt, for runs cut short before the entry was actually tried. No-op
// when the attempt already settled the entry by updating or deleting it.
func (m *RetryManager) Release(ctx context.Context, entry *RetryQueueEntry) error {
	cur, err := m.entries.GetByID(ctx, entry.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status != RetryInProgress {
		return nil
	}
	cur.Status = RetryPending
	return m.entries.Update(ctx, cur)
}
