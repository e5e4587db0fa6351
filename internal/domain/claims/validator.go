package claims

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ClaimInput is the client-supplied payload for a new claim. Structural
// rules live in the tags; domain rules (checksum, credential expiry,
// submission window, evidence) are applied by Validator.
type ClaimInput struct {
	SubjectID      string    `json:"subject_id" validate:"required,numeric,min=8,max=12"`
	ProviderNumber string    `json:"provider_number" validate:"required,alphanum,min=5,max=16"`
	CategoryCode   string    `json:"category_code" validate:"required,min=2,max=32"`
	ServiceDate    time.Time `json:"service_date" validate:"required"`
	AmountCents    int64     `json:"amount_cents" validate:"required,gt=0"`
	Currency       string    `json:"currency" validate:"required,iso4217"`
	EvidenceRefs   []string  `json:"evidence_refs" validate:"omitempty,dive,min=1,max=128"`
}

// ValidationError names the field that failed and why. Handlers render it
// as a 422 so callers can correct the claim before resubmitting.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("claim validation failed: %s: %s", e.Field, e.Reason)
}

// CredentialChecker answers whether a provider credential is current.
// Backed by the provider registry in production; stubbed in tests.
type CredentialChecker interface {
	CredentialExpiry(ctx context.Context, providerNumber string) (time.Time, error)
}

// evidenceRequired lists service categories that may not be claimed without
// at least one supporting document reference.
var evidenceRequired = map[string]bool{
	"optical-appliance":   true,
	"specialist-referral": true,
	"major-dental":        true,
}

// Validator applies the full pre-submission rule set. A claim that passes
// is safe to freeze and encode; nothing may mutate the payload afterwards.
type Validator struct {
	validate     *validator.Validate
	creds        CredentialChecker
	windowMonths int
	now          func() time.Time
}

func NewValidator(creds CredentialChecker, windowMonths int) *Validator {
	return &Validator{
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		creds:        creds,
		windowMonths: windowMonths,
		now:          time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// ValidateInput checks a new claim payload: structural tags first, then the
// domain rules in a fixed order so callers get a deterministic first error.
func (v *Validator) ValidateInput(ctx context.Context, in *ClaimInput) error {
	if err := v.validate.Struct(in); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q rule", fe.Tag())}
		}
		return err
	}

	if !luhnValid(in.SubjectID) {
		return &ValidationError{Field: "subject_id", Reason: "checksum mismatch"}
	}

	if err := v.checkWindow(in.ServiceDate); err != nil {
		return err
	}

	if evidenceRequired[in.CategoryCode] && len(in.EvidenceRefs) == 0 {
		return &ValidationError{Field: "evidence_refs", Reason: fmt.Sprintf("category %q requires supporting evidence", in.CategoryCode)}
	}

	expiry, err := v.creds.CredentialExpiry(ctx, in.ProviderNumber)
	if err != nil {
		return fmt.Errorf("credential lookup for provider %s: %w", in.ProviderNumber, err)
	}
	if !expiry.After(in.ServiceDate) {
		return &ValidationError{Field: "provider_number", Reason: "provider credential expired before service date"}
	}

	return nil
}

// ValidateForSubmission re-checks the rules that depend on the clock. A
// draft created inside the window can drift out of it before submission.
func (v *Validator) ValidateForSubmission(ctx context.Context, c *Claim) error {
	if err := v.checkWindow(c.ServiceDate); err != nil {
		return err
	}
	expiry, err := v.creds.CredentialExpiry(ctx, c.ProviderNumber)
	if err != nil {
		return fmt.Errorf("credential lookup for provider %s: %w", c.ProviderNumber, err)
	}
	if !expiry.After(c.ServiceDate) {
		return &ValidationError{Field: "provider_number", Reason: "provider credential expired before service date"}
	}
	return nil
}

func (v *Validator) checkWindow(serviceDate time.Time) error {
	now := v.now()
	if serviceDate.After(now) {
		return &ValidationError{Field: "service_date", Reason: "service date is in the future"}
	}
	deadline := serviceDate.AddDate(0, v.windowMonths, 0)
	if now.After(deadline) {
		return &ValidationError{
			Field:  "service_date",
			Reason: fmt.Sprintf("claim is outside the %d-month submission window", v.windowMonths),
		}
	}
	return nil
}

// luhnValid runs the standard mod-10 check over a digit string.
func luhnValid(s string) bool {
	if len(s) < 2 {
		return false
	}
	sum := 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		d := int(s[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
