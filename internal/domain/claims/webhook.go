package claims

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Errors surfaced to the webhook endpoint. Signature failures happen before
// any parsing, so nothing about the request is trusted or recorded.
var (
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrMalformedEvent   = errors.New("webhook payload malformed")
)

// IngestOutcome classifies what happened to a delivered webhook event.
type IngestOutcome string

const (
	// OutcomeApplied: the transition was valid and the claim moved.
	OutcomeApplied IngestOutcome = "applied"
	// OutcomeDuplicate: the event id was seen before; recorded, not re-applied.
	OutcomeDuplicate IngestOutcome = "duplicate"
	// OutcomeUnknownClaim: no claim matches; recorded for reconciliation.
	OutcomeUnknownClaim IngestOutcome = "unknown_claim"
	// OutcomeProtocolViolation: the transition is not in the table; the
	// claim is left untouched and the event recorded unprocessed.
	OutcomeProtocolViolation IngestOutcome = "protocol_violation"
)

// IngestResult reports the outcome of a single delivery.
type IngestResult struct {
	Outcome IngestOutcome
	Event   *WebhookEvent
	Claim   *Claim
}

// webhookPayload is the payer's event body.
type webhookPayload struct {
	EventID         string `json:"event_id"`
	ClaimNumber     string `json:"claim_number"`
	RemoteRef       string `json:"remote_ref"`
	Status          string `json:"status"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	PaidAmountCents int64  `json:"paid_amount_cents,omitempty"`
}

// WebhookProcessor ingests claim status events delivered by the payer.
// Every non-duplicate delivery leaves a webhook_event row; claim updates
// and the processed flag commit in one transaction so a crash mid-ingest
// lets the payer's redelivery pick up cleanly.
type WebhookProcessor struct {
	claims     ClaimRepository
	events     WebhookEventRepository
	retries    *RetryManager
	dispatcher Dispatcher
	secret     []byte
	runTx      TxRunner
	logger     zerolog.Logger
	now        func() time.Time
}

func NewWebhookProcessor(
	claims ClaimRepository,
	events WebhookEventRepository,
	retries *RetryManager,
	dispatcher Dispatcher,
	secret []byte,
	runTx TxRunner,
	logger zerolog.Logger,
) *WebhookProcessor {
	return &WebhookProcessor{
		claims:     claims,
		events:     events,
		retries:    retries,
		dispatcher: dispatcher,
		secret:     secret,
		runTx:      runTx,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (p *WebhookProcessor) SetClock(now func() time.Time) { p.now = now }

// VerifySignature checks the hex HMAC-SHA256 of the raw body in constant
// time. A "sha256=" prefix on the header value is accepted.
func (p *WebhookProcessor) VerifySignature(body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// Ingest processes one delivery: signature, parse, dedup, claim lookup,
// transition check, then atomic apply. Replaying the same delivery stream
// in any order converges on the same final claim state.
func (p *WebhookProcessor) Ingest(ctx context.Context, body []byte, signature string) (*IngestResult, error) {
	if !p.VerifySignature(body, signature) {
		return nil, ErrSignatureInvalid
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if payload.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}
	targetState, ok := webhookStates[payload.Status]
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, payload.Status)
	}

	// Dedup on the payer's event id. Redeliveries bump the counter so the
	// audit trail shows them, but the claim is never touched again.
	if existing, err := p.events.GetByEventID(ctx, payload.EventID); err == nil {
		if err := p.events.IncrementDelivery(ctx, existing.ID); err != nil {
			p.logger.Error().Err(err).Str("event_id", payload.EventID).Msg("count duplicate delivery")
		}
		existing.DeliveryCount++
		return &IngestResult{Outcome: OutcomeDuplicate, Event: existing}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	event := &WebhookEvent{
		EventID:        payload.EventID,
		ClaimNumber:    payload.ClaimNumber,
		EventType:      payload.Status,
		RawPayload:     body,
		SignatureValid: true,
	}

	claim, err := p.resolveClaim(ctx, &payload)
	if errors.Is(err, ErrNotFound) {
		if cerr := p.events.Create(ctx, event); cerr != nil {
			return nil, cerr
		}
		p.logger.Warn().
			Str("event_id", payload.EventID).
			Str("claim_number", payload.ClaimNumber).
			Msg("webhook event for unknown claim")
		return &IngestResult{Outcome: OutcomeUnknownClaim, Event: event}, nil
	}
	if err != nil {
		return nil, err
	}

	if !CanTransition(claim.State, targetState) {
		if cerr := p.events.Create(ctx, event); cerr != nil {
			return nil, cerr
		}
		p.logger.Error().
			Str("event_id", payload.EventID).
			Str("claim_number", claim.ClaimNumber).
			Str("claim_state", string(claim.State)).
			Str("event_status", payload.Status).
			Msg("webhook transition violates claim state machine")
		return &IngestResult{Outcome: OutcomeProtocolViolation, Event: event, Claim: claim}, nil
	}

	oldState := claim.State
	err = p.runTx(ctx, func(ctx context.Context) error {
		claim.State = targetState
		if payload.RemoteRef != "" && claim.RemoteRef == nil {
			claim.RemoteRef = &payload.RemoteRef
		}
		switch targetState {
		case StateRejected:
			if payload.RejectionReason != "" {
				claim.RejectionReason = &payload.RejectionReason
			}
		case StatePaid:
			if payload.PaidAmountCents > 0 {
				claim.PaidAmountCents = &payload.PaidAmountCents
			}
		}
		if err := p.claims.Update(ctx, claim); err != nil {
			return err
		}
		if err := p.retries.RecordSuccess(ctx, claim); err != nil {
			return err
		}
		event.Processed = true
		return p.events.Create(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	if p.dispatcher != nil {
		evt := ClaimEvent{
			ClaimID:     claim.ID,
			ClaimNumber: claim.ClaimNumber,
			TenantID:    claim.TenantID,
			OldState:    oldState,
			NewState:    claim.State,
			Metadata:    map[string]string{"event_id": payload.EventID},
			OccurredAt:  p.now(),
		}
		if derr := p.dispatcher.Dispatch(ctx, evt); derr != nil {
			p.logger.Error().Err(derr).Str("claim_number", claim.ClaimNumber).Msg("dispatch claim event")
		}
	}

	return &IngestResult{Outcome: OutcomeApplied, Event: event, Claim: claim}, nil
}

// resolveClaim finds the claim by number, falling back to the payer's
// remote reference when the number is absent.
func (p *WebhookProcessor) resolveClaim(ctx context.Context, payload *webhookPayload) (*Claim, error) {
	if payload.ClaimNumber != "" {
		return p.claims.GetByClaimNumber(ctx, payload.ClaimNumber)
	}
	if payload.RemoteRef != "" {
		return p.claims.GetByRemoteRef(ctx, payload.RemoteRef)
	}
	return nil, ErrNotFound
}

// ListEvents pages the audit trail for one claim number.
func (p *WebhookProcessor) ListEvents(ctx context.Context, claimNumber string, limit, offset int) ([]*WebhookEvent, int, error) {
	return p.events.ListByClaimNumber(ctx, claimNumber, limit, offset)
}
