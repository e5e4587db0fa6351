package payer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// credentialCacheTTL bounds how stale a cached expiry may be. Provider
// registrations change rarely, so a short cache keeps validation off the
// payer's registry for bursts of submissions from the same provider.
const credentialCacheTTL = 5 * time.Minute

// ErrProviderUnknown is returned when the payer registry has no record of
// the provider number.
var ErrProviderUnknown = fmt.Errorf("provider not registered with payer")

type cachedCredential struct {
	expiresAt time.Time
	fetchedAt time.Time
}

// CredentialRegistry looks up provider credential expiry from the payer's
// registry endpoint. Results are cached briefly per provider number.
type CredentialRegistry struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedCredential
	now   func() time.Time
}

func NewCredentialRegistry(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *CredentialRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CredentialRegistry{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		cache:   make(map[string]cachedCredential),
		now:     time.Now,
	}
}

// SetClock overrides the registry's clock for tests.
func (r *CredentialRegistry) SetClock(now func() time.Time) { r.now = now }

type credentialResponse struct {
	ProviderNumber string    `json:"provider_number"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CredentialExpiry returns when the provider's payer registration lapses.
// Registry outages surface as TransientError so the caller's claim is
// queued for retry instead of rejected.
func (r *CredentialRegistry) CredentialExpiry(ctx context.Context, providerNumber string) (time.Time, error) {
	r.mu.Lock()
	if c, ok := r.cache[providerNumber]; ok && r.now().Sub(c.fetchedAt) < credentialCacheTTL {
		r.mu.Unlock()
		return c.expiresAt, nil
	}
	r.mu.Unlock()

	url := r.baseURL + "/api/v1/providers/" + providerNumber + "/credential"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("build credential request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return time.Time{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var cred credentialResponse
		if err := json.Unmarshal(body, &cred); err != nil || cred.ExpiresAt.IsZero() {
			return time.Time{}, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("unparseable credential response")}
		}
		r.mu.Lock()
		r.cache[providerNumber] = cachedCredential{expiresAt: cred.ExpiresAt, fetchedAt: r.now()}
		r.mu.Unlock()
		return cred.ExpiresAt, nil

	case resp.StatusCode == http.StatusNotFound:
		return time.Time{}, ErrProviderUnknown

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return time.Time{}, &TransientError{Status: resp.StatusCode}

	default:
		return time.Time{}, &PermanentError{Status: resp.StatusCode, Reason: string(body)}
	}
}
