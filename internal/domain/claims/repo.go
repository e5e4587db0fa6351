package claims

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimRepository persists claims.
type ClaimRepository interface {
	Create(ctx context.Context, claim *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	GetByClaimNumber(ctx context.Context, claimNumber string) (*Claim, error)
	GetByRemoteRef(ctx context.Context, remoteRef string) (*Claim, error)
	// Update applies an optimistic write: it matches the claim's current
	// version_id and returns ErrVersionConflict when the row moved on.
	Update(ctx context.Context, claim *Claim) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter ClaimListFilter) ([]*Claim, int, error)
	// NextClaimNumber allocates the next per-tenant, per-day sequence value
	// and returns the formatted claim number.
	NextClaimNumber(ctx context.Context, tenantID string, date time.Time) (string, error)
}

// ClaimListFilter narrows List results.
type ClaimListFilter struct {
	TenantID string
	State    ClaimState
	Limit    int
	Offset   int
}

// RetryQueueRepository persists retry queue entries.
type RetryQueueRepository interface {
	Create(ctx context.Context, entry *RetryQueueEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*RetryQueueEntry, error)
	GetByClaimID(ctx context.Context, claimID uuid.UUID) (*RetryQueueEntry, error)
	Update(ctx context.Context, entry *RetryQueueEntry) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ListDue returns pending entries whose next_attempt_at is at or before
	// now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*RetryQueueEntry, error)
	List(ctx context.Context, status RetryStatus, limit, offset int) ([]*RetryQueueEntry, int, error)
}

// WebhookEventRepository persists payer webhook events. Append-only apart
// from the processed flag and delivery counter.
type WebhookEventRepository interface {
	Create(ctx context.Context, event *WebhookEvent) error
	GetByEventID(ctx context.Context, eventID string) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	IncrementDelivery(ctx context.Context, id uuid.UUID) error
	ListByClaimNumber(ctx context.Context, claimNumber string, limit, offset int) ([]*WebhookEvent, int, error)
}
