package claims

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors returned by the claims repositories and services.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("claim was modified concurrently")
	ErrClaimImmutable  = errors.New("claim payload is frozen after validation")
)

// ClaimState is the lifecycle state of a claim.
type ClaimState string

const (
	StateDraft        ClaimState = "draft"
	StateSubmitted    ClaimState = "submitted"
	StateRetryPending ClaimState = "retry_pending"
	StateAccepted     ClaimState = "accepted"
	StateRejected     ClaimState = "rejected"
	StateQueried      ClaimState = "queried"
	StatePaid         ClaimState = "paid"
	StateFailed       ClaimState = "failed"
)

// Terminal reports whether no further automatic transition leaves the state.
// A rejected claim may only be resubmitted as a brand-new claim.
func (s ClaimState) Terminal() bool {
	return s == StatePaid || s == StateFailed || s == StateRejected
}

// allowedTransitions is the full transition table. Submission drives the
// draft/submitted/retry_pending edges; webhooks drive everything downstream
// of submitted.
var allowedTransitions = map[ClaimState][]ClaimState{
	StateDraft:        {StateSubmitted, StateRejected, StateFailed},
	StateSubmitted:    {StateRetryPending, StateAccepted, StateRejected, StateQueried},
	StateRetryPending: {StateSubmitted, StateRejected, StateFailed},
	StateAccepted:     {StatePaid, StateRejected, StateQueried},
	StateQueried:      {StateAccepted, StateRejected, StatePaid},
}

// CanTransition reports whether the state machine permits moving from one
// state to another. Anything not in the table is a protocol violation.
func CanTransition(from, to ClaimState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// webhookStates maps payer-declared webhook statuses onto claim states.
var webhookStates = map[string]ClaimState{
	"accepted": StateAccepted,
	"rejected": StateRejected,
	"queried":  StateQueried,
	"paid":     StatePaid,
}

// Claim maps to the claim table. The payload fields are a frozen snapshot
// once the claim has been validated for submission; corrections require a
// new claim.
type Claim struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	ClaimNumber string     `db:"claim_number" json:"claim_number"`
	State       ClaimState `db:"state" json:"state"`
	RemoteRef   *string    `db:"remote_ref" json:"remote_ref,omitempty"`

	// Payload snapshot
	SubjectID      string    `db:"subject_id" json:"subject_id"`
	ProviderNumber string    `db:"provider_number" json:"provider_number"`
	CategoryCode   string    `db:"category_code" json:"category_code"`
	ServiceDate    time.Time `db:"service_date" json:"service_date"`
	AmountCents    int64     `db:"amount_cents" json:"amount_cents"`
	Currency       string    `db:"currency" json:"currency"`
	EvidenceRefs   []string  `db:"evidence_refs" json:"evidence_refs,omitempty"`

	// Submission bookkeeping
	FlaggedForReview bool    `db:"flagged_for_review" json:"flagged_for_review"`
	SentPayload      []byte  `db:"sent_payload" json:"-"`
	SentFormat       *string `db:"sent_format" json:"sent_format,omitempty"`
	RejectionReason  *string `db:"rejection_reason" json:"rejection_reason,omitempty"`
	PaidAmountCents  *int64  `db:"paid_amount_cents" json:"paid_amount_cents,omitempty"`

	VersionID int        `db:"version_id" json:"version_id"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// GetVersionID returns the current version.
func (c *Claim) GetVersionID() int { return c.VersionID }

// SetVersionID sets the current version.
func (c *Claim) SetVersionID(v int) { c.VersionID = v }

// FormatClaimNumber renders the canonical {TENANT}-{DATE}-{SEQ} claim number.
func FormatClaimNumber(tenantID string, date time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", strings.ToUpper(tenantID), date.Format("20060102"), seq)
}

// RetryStatus is the state of a retry queue entry.
type RetryStatus string

const (
	RetryPending    RetryStatus = "pending"
	RetryInProgress RetryStatus = "in_progress"
	RetryExhausted  RetryStatus = "exhausted"
)

// RetryQueueEntry maps to the retry_queue table. One entry per claim while a
// resubmission is outstanding; deleted on success, kept as exhausted when the
// attempt cap is reached so operators can intervene.
type RetryQueueEntry struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	ClaimID       uuid.UUID   `db:"claim_id" json:"claim_id"`
	TenantID      string      `db:"tenant_id" json:"tenant_id"`
	Status        RetryStatus `db:"status" json:"status"`
	AttemptCount  int         `db:"attempt_count" json:"attempt_count"`
	LastError     *string     `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt time.Time   `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// WebhookEvent maps to the webhook_event table. Append-only: rows are never
// mutated after processed is set, and never deleted (audit retention).
type WebhookEvent struct {
	ID             uuid.UUID `db:"id" json:"id"`
	EventID        string    `db:"event_id" json:"event_id"`
	ClaimNumber    string    `db:"claim_number" json:"claim_number"`
	EventType      string    `db:"event_type" json:"event_type"`
	RawPayload     []byte    `db:"raw_payload" json:"-"`
	SignatureValid bool      `db:"signature_valid" json:"signature_valid"`
	Processed      bool      `db:"processed" json:"processed"`
	DeliveryCount  int       `db:"delivery_count" json:"delivery_count"`
	ReceivedAt     time.Time `db:"received_at" json:"received_at"`
}

// ClaimEvent is the domain event emitted on every applied state transition.
// The email/SMS collaborator consumes these; this subsystem only publishes.
type ClaimEvent struct {
	ClaimID     uuid.UUID         `json:"claim_id"`
	ClaimNumber string            `json:"claim_number"`
	TenantID    string            `json:"tenant_id"`
	OldState    ClaimState        `json:"old_state"`
	NewState    ClaimState        `json:"new_state"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}
