package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/newvantageco/ILS2.0-sub011/internal/platform/payer"
	"github.com/newvantageco/ILS2.0-sub011/internal/platform/ratelimit"
)

// PayerClient is the outbound payer gateway surface the service needs.
type PayerClient interface {
	Submit(ctx context.Context, req payer.Request) (*payer.Acknowledgment, error)
	Degraded() bool
}

// TxRunner executes fn atomically. Production wires db.WithTx over the
// pgx pool; tests use a passthrough.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// ErrNotSubmittable is returned when a claim's state does not allow the
// requested operation.
var ErrNotSubmittable = errors.New("claim state does not allow submission")

// ErrNotDeletable is returned when deleting a claim that already left draft.
var ErrNotDeletable = errors.New("only draft claims can be deleted")

// Service orchestrates the claim lifecycle: create, submit, retry, delete.
type Service struct {
	claims     ClaimRepository
	retries    *RetryManager
	validator  *Validator
	limiter    *ratelimit.Limiter
	payer      PayerClient
	dispatcher Dispatcher
	runTx      TxRunner
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(
	claims ClaimRepository,
	retries *RetryManager,
	validator *Validator,
	limiter *ratelimit.Limiter,
	payerClient PayerClient,
	dispatcher Dispatcher,
	runTx TxRunner,
	logger zerolog.Logger,
) *Service {
	return &Service{
		claims:     claims,
		retries:    retries,
		validator:  validator,
		limiter:    limiter,
		payer:      payerClient,
		dispatcher: dispatcher,
		runTx:      runTx,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create validates the input and stores a draft claim with a freshly
// allocated claim number.
func (s *Service) Create(ctx context.Context, tenantID string, in *ClaimInput) (*Claim, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if err := s.validator.ValidateInput(ctx, in); err != nil {
		return nil, err
	}

	claim := &Claim{
		TenantID:       tenantID,
		State:          StateDraft,
		SubjectID:      in.SubjectID,
		ProviderNumber: in.ProviderNumber,
		CategoryCode:   in.CategoryCode,
		ServiceDate:    in.ServiceDate,
		AmountCents:    in.AmountCents,
		Currency:       in.Currency,
		EvidenceRefs:   in.EvidenceRefs,
	}

	err := s.runTx(ctx, func(ctx context.Context) error {
		number, err := s.claims.NextClaimNumber(ctx, tenantID, s.now())
		if err != nil {
			return fmt.Errorf("allocate claim number: %w", err)
		}
		claim.ClaimNumber = number
		return s.claims.Create(ctx, claim)
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.claims.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ClaimListFilter) ([]*Claim, int, error) {
	return s.claims.List(ctx, filter)
}

// Delete soft-deletes a draft. Claims that reached the payer are audit
// records and cannot be removed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	claim, err := s.claims.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if claim.State != StateDraft {
		return ErrNotDeletable
	}
	return s.claims.SoftDelete(ctx, id)
}

// Submit pushes a draft or retry-pending claim to the payer. Validation
// runs first and never lets an invalid claim leave the system; the rate
// limiter gates the network call; the outcome decides the state transition,
// which commits atomically with any retry queue change.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*Claim, error) {
	claim, err := s.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.State != StateDraft && claim.State != StateRetryPending {
		return nil, fmt.Errorf("%w: claim %s is %s", ErrNotSubmittable, claim.ClaimNumber, claim.State)
	}
	oldState := claim.State

	if verr := s.validator.ValidateForSubmission(ctx, claim); verr != nil {
		// A queued claim that drifted out of the submission window or lost
		// its provider registration can never succeed; stop retrying it.
		// Transient registry outages fall through and the entry is
		// released for the next pass.
		if oldState == StateRetryPending {
			if reason, permanent := permanentReason(verr); permanent {
				if err := s.failPermanently(ctx, claim, oldState, reason); err != nil {
					return nil, err
				}
			}
		}
		return nil, verr
	}

	format, channel, contentType := FormatJSON, payer.ChannelStructured, "application/json"
	if s.payer.Degraded() {
		format, channel, contentType = FormatFlat, payer.ChannelFileDrop, "text/plain"
	}
	body, err := Encode(PayloadFromClaim(claim), format)
	if err != nil {
		return nil, fmt.Errorf("encode claim %s: %w", claim.ClaimNumber, err)
	}

	if err := s.limiter.Acquire(ctx, claim.TenantID); err != nil {
		return nil, err
	}

	ack, submitErr := s.payer.Submit(ctx, payer.Request{
		TenantID:    claim.TenantID,
		ClaimNumber: claim.ClaimNumber,
		Channel:     channel,
		ContentType: contentType,
		Body:        body,
	})

	fmtStr := string(format)
	claim.SentPayload = body
	claim.SentFormat = &fmtStr

	var event *ClaimEvent
	err = s.runTx(ctx, func(ctx context.Context) error {
		var tErr *payer.TransientError
		var pErr *payer.PermanentError
		switch {
		case submitErr == nil:
			claim.State = StateSubmitted
			if ack.RemoteRef != "" {
				claim.RemoteRef = &ack.RemoteRef
			}
			claim.FlaggedForReview = ack.FlaggedForReview
			if err := s.claims.Update(ctx, claim); err != nil {
				return err
			}
			if err := s.retries.RecordSuccess(ctx, claim); err != nil {
				return err
			}
			event = s.event(claim, oldState, nil)
		case errors.As(submitErr, &tErr):
			entry, err := s.retries.RecordFailure(ctx, claim, tErr.Error())
			if err != nil {
				return err
			}
			meta := map[string]string{"attempt": fmt.Sprintf("%d", entry.AttemptCount)}
			event = s.event(claim, oldState, meta)
		case errors.As(submitErr, &pErr):
			claim.State = StateRejected
			claim.RejectionReason = &pErr.Reason
			if err := s.claims.Update(ctx, claim); err != nil {
				return err
			}
			if err := s.retries.RecordSuccess(ctx, claim); err != nil {
				return err
			}
			event = s.event(claim, oldState, map[string]string{"reason": pErr.Reason})
		default:
			return fmt.Errorf("submit claim %s: %w", claim.ClaimNumber, submitErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if event != nil {
		s.dispatch(ctx, *event)
	}
	if submitErr != nil {
		return claim, submitErr
	}
	return claim, nil
}

// ProcessDue runs one pass over the retry queue. Returns how many entries
// were attempted and how many went through.
func (s *Service) ProcessDue(ctx context.Context, limit int) (attempted, succeeded int, err error) {
	due, err := s.retries.Due(ctx, s.now(), limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list due retries: %w", err)
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			return attempted, succeeded, ctx.Err()
		}
		if err := s.retries.Claim(ctx, entry); err != nil {
			s.logger.Error().Err(err).Str("claim_id", entry.ClaimID.String()).Msg("claim retry entry")
			continue
		}
		attempted++

		_, serr := s.Submit(ctx, entry.ClaimID)
		switch {
		case serr == nil:
			succeeded++
		case isRateLimited(serr):
			// Slot denied before any network call; put the entry back
			// without burning an attempt and stop the pass.
			if rerr := s.retries.Release(ctx, entry); rerr != nil {
				s.logger.Error().Err(rerr).Str("claim_id", entry.ClaimID.String()).Msg("release retry entry")
			}
			attempted--
			return attempted, succeeded, nil
		default:
			s.logger.Warn().Err(serr).Str("claim_id", entry.ClaimID.String()).Msg("retry attempt failed")
			// Payer and validation outcomes settle the entry themselves;
			// anything cut short earlier left it in_progress, so put it
			// back. Release is a no-op on settled entries.
			if rerr := s.retries.Release(ctx, entry); rerr != nil {
				s.logger.Error().Err(rerr).Str("claim_id", entry.ClaimID.String()).Msg("release retry entry")
			}
		}
	}
	return attempted, succeeded, nil
}

// permanentReason reports whether a revalidation error can never resolve on
// its own: a failed domain rule, a provider the payer registry no longer
// knows, or a registry rejection.
func permanentReason(err error) (string, bool) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Reason, true
	}
	if errors.Is(err, payer.ErrProviderUnknown) {
		return payer.ErrProviderUnknown.Error(), true
	}
	var pErr *payer.PermanentError
	if errors.As(err, &pErr) {
		return pErr.Reason, true
	}
	return "", false
}

func (s *Service) failPermanently(ctx context.Context, claim *Claim, oldState ClaimState, reason string) error {
	err := s.runTx(ctx, func(ctx context.Context) error {
		claim.State = StateFailed
		claim.RejectionReason = &reason
		if err := s.claims.Update(ctx, claim); err != nil {
			return err
		}
		return s.retries.RecordSuccess(ctx, claim)
	})
	if err != nil {
		return err
	}
	s.dispatch(ctx, *s.event(claim, oldState, map[string]string{"reason": reason}))
	return nil
}

func (s *Service) event(claim *Claim, oldState ClaimState, meta map[string]string) *ClaimEvent {
	return &ClaimEvent{
		ClaimID:     claim.ID,
		ClaimNumber: claim.ClaimNumber,
		TenantID:    claim.TenantID,
		OldState:    oldState,
		NewState:    claim.State,
		Metadata:    meta,
		OccurredAt:  s.now(),
	}
}

// dispatch publishes a state-change event. Delivery problems are logged
// and never fail the claim operation that produced the event.
func (s *Service) dispatch(ctx context.Context, event ClaimEvent) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("claim_number", event.ClaimNumber).Msg("dispatch claim event")
	}
}

func isRateLimited(err error) bool {
	var rlErr *ratelimit.RateLimitedError
	return errors.As(err, &rlErr)
}
