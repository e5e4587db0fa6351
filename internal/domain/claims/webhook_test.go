package claims

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var webhookSecret = []byte("test-webhook-secret")

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, webhookSecret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type webhookFixture struct {
	*fixture
	proc *WebhookProcessor
}

func newWebhookFixture() *webhookFixture {
	f := newFixture()
	proc := NewWebhookProcessor(f.claims, f.events, f.retryMgr, f.dispatcher,
		webhookSecret, passthroughTx, zerolog.Nop())
	proc.SetClock(func() time.Time { return f.clock })
	return &webhookFixture{fixture: f, proc: proc}
}

// submittedClaim creates a claim and walks it to submitted.
func (wf *webhookFixture) submittedClaim(t *testing.T) *Claim {
	t.Helper()
	claim, err := wf.svc.Create(context.Background(), testTenant, validInput())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wf.svc.Submit(context.Background(), claim.ID); err != nil {
		t.Fatal(err)
	}
	wf.dispatcher.events = nil
	return claim
}

func eventBody(eventID, claimNumber, status string, extra string) []byte {
	body := fmt.Sprintf(`{"event_id":%q,"claim_number":%q,"status":%q`, eventID, claimNumber, status)
	if extra != "" {
		body += "," + extra
	}
	return []byte(body + "}")
}

func TestIngest_AcceptedApplied(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	body := eventBody("evt-1", claim.ClaimNumber, "accepted", "")
	result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	if claim.State != StateAccepted {
		t.Errorf("expected accepted, got %s", claim.State)
	}
	if !result.Event.Processed {
		t.Error("expected event marked processed")
	}
	if len(wf.dispatcher.events) != 1 {
		t.Fatalf("expected one dispatched event, got %d", len(wf.dispatcher.events))
	}
	if evt := wf.dispatcher.events[0]; evt.OldState != StateSubmitted || evt.NewState != StateAccepted {
		t.Errorf("expected submitted->accepted, got %s->%s", evt.OldState, evt.NewState)
	}
}

func TestIngest_RejectedWithReason(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	body := eventBody("evt-1", claim.ClaimNumber, "rejected", `"rejection_reason":"item not covered"`)
	result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	if claim.State != StateRejected {
		t.Errorf("expected rejected, got %s", claim.State)
	}
	if claim.RejectionReason == nil || *claim.RejectionReason != "item not covered" {
		t.Errorf("expected rejection reason, got %v", claim.RejectionReason)
	}
}

func TestIngest_PaidRecordsAmount(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	body := eventBody("evt-1", claim.ClaimNumber, "accepted", "")
	if _, err := wf.proc.Ingest(context.Background(), body, signBody(body)); err != nil {
		t.Fatal(err)
	}

	body = eventBody("evt-2", claim.ClaimNumber, "paid", `"paid_amount_cents":11000`)
	result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	if claim.State != StatePaid {
		t.Errorf("expected paid, got %s", claim.State)
	}
	if claim.PaidAmountCents == nil || *claim.PaidAmountCents != 11000 {
		t.Errorf("expected paid amount recorded, got %v", claim.PaidAmountCents)
	}
}

func TestIngest_BadSignature(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	body := eventBody("evt-1", claim.ClaimNumber, "accepted", "")
	_, err := wf.proc.Ingest(context.Background(), body, "deadbeef")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if claim.State != StateSubmitted {
		t.Errorf("claim must be untouched, got %s", claim.State)
	}
	if len(wf.events.items) != 0 {
		t.Error("forged delivery must not be recorded")
	}
}

func TestIngest_TamperedBody(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	body := eventBody("evt-1", claim.ClaimNumber, "accepted", "")
	sig := signBody(body)
	tampered := eventBody("evt-1", claim.ClaimNumber, "paid", "")
	if _, err := wf.proc.Ingest(context.Background(), tampered, sig); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestIngest_SignaturePrefixAccepted(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	body := eventBody("evt-1", claim.ClaimNumber, "accepted", "")
	if _, err := wf.proc.Ingest(context.Background(), body, "sha256="+signBody(body)); err != nil {
		t.Fatalf("expected prefixed signature accepted, got %v", err)
	}
}

func TestIngest_MalformedPayload(t *testing.T) {
	wf := newWebhookFixture()

	cases := [][]byte{
		[]byte(`{not json`),
		[]byte(`{"claim_number":"X","status":"accepted"}`),
		eventBody("evt-1", "X", "exploded", ""),
	}
	for _, body := range cases {
		_, err := wf.proc.Ingest(context.Background(), body, signBody(body))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("body %s: expected ErrMalformedEvent, got %v", body, err)
		}
	}
}

func TestIngest_DuplicateNotReapplied(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	body := eventBody("evt-1", claim.ClaimNumber, "accepted", "")
	if _, err := wf.proc.Ingest(context.Background(), body, signBody(body)); err != nil {
		t.Fatal(err)
	}
	wf.dispatcher.events = nil

	result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", result.Outcome)
	}
	if result.Event.DeliveryCount != 2 {
		t.Errorf("expected delivery count 2, got %d", result.Event.DeliveryCount)
	}
	if claim.State != StateAccepted {
		t.Errorf("claim must be unchanged, got %s", claim.State)
	}
	if len(wf.dispatcher.events) != 0 {
		t.Error("duplicate must not dispatch again")
	}
	if len(wf.events.items) != 1 {
		t.Errorf("expected a single stored event, got %d", len(wf.events.items))
	}
}

func TestIngest_UnknownClaimRecorded(t *testing.T) {
	wf := newWebhookFixture()

	body := eventBody("evt-1", "NOWHERE-20260310-0001", "accepted", "")
	result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeUnknownClaim {
		t.Fatalf("expected unknown_claim, got %s", result.Outcome)
	}
	if result.Event.Processed {
		t.Error("unreconciled event must not be marked processed")
	}
	if len(wf.events.items) != 1 {
		t.Error("expected event stored for reconciliation")
	}
}

func TestIngest_ProtocolViolationLeavesClaim(t *testing.T) {
	wf := newWebhookFixture()
	claim, err := wf.svc.Create(context.Background(), testTenant, validInput())
	if err != nil {
		t.Fatal(err)
	}

	// paid for a claim that was never submitted
	body := eventBody("evt-1", claim.ClaimNumber, "paid", "")
	result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeProtocolViolation {
		t.Fatalf("expected protocol_violation, got %s", result.Outcome)
	}
	if claim.State != StateDraft {
		t.Errorf("claim must be untouched, got %s", claim.State)
	}
	if result.Event.Processed {
		t.Error("violating event must stay unprocessed")
	}
	if len(wf.events.items) != 1 {
		t.Error("violating event must still be recorded")
	}
}

func TestIngest_ResolvesByRemoteRef(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	body := []byte(fmt.Sprintf(`{"event_id":"evt-1","remote_ref":%q,"status":"accepted"}`, *claim.RemoteRef))
	result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	if claim.State != StateAccepted {
		t.Errorf("expected accepted, got %s", claim.State)
	}
}

func TestIngest_ClearsRetryEntryOnRejection(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)
	if _, err := wf.retryMgr.RecordFailure(context.Background(), claim, "timeout"); err != nil {
		t.Fatal(err)
	}

	body := eventBody("evt-1", claim.ClaimNumber, "rejected", "")
	result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", result.Outcome)
	}
	if _, err := wf.retries.GetByClaimID(context.Background(), claim.ID); err != ErrNotFound {
		t.Error("settled claim must leave the retry queue")
	}
}

func TestIngest_ReplayConverges(t *testing.T) {
	wf := newWebhookFixture()
	claim := wf.submittedClaim(t)

	accepted := eventBody("evt-1", claim.ClaimNumber, "accepted", "")
	paid := eventBody("evt-2", claim.ClaimNumber, "paid", "")

	deliver := func(body []byte) IngestOutcome {
		result, err := wf.proc.Ingest(context.Background(), body, signBody(body))
		if err != nil {
			t.Fatal(err)
		}
		return result.Outcome
	}

	if got := deliver(accepted); got != OutcomeApplied {
		t.Fatalf("accepted: expected applied, got %s", got)
	}
	if got := deliver(paid); got != OutcomeApplied {
		t.Fatalf("paid: expected applied, got %s", got)
	}

	// Replaying the whole stream changes nothing.
	for _, body := range [][]byte{paid, accepted, paid} {
		if got := deliver(body); got != OutcomeDuplicate {
			t.Errorf("replay: expected duplicate, got %s", got)
		}
	}
	if claim.State != StatePaid {
		t.Errorf("expected final state paid, got %s", claim.State)
	}
}
