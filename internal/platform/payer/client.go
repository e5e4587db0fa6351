// Package payer implements the outbound HTTP client for the third-party
// claims adjudication API. It classifies every response into accepted,
// permanently rejected, or transient so the submission service can decide
// between completing, failing, and queueing a retry.
package payer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Channel selects the payer ingestion endpoint.
type Channel string

const (
	// ChannelStructured is the primary JSON claims endpoint.
	ChannelStructured Channel = "structured"
	// ChannelFileDrop accepts flat-file encoded claims when the structured
	// endpoint is degraded.
	ChannelFileDrop Channel = "filedrop"
)

// Acknowledgment is a 2xx response from the payer. The claim is accepted for
// processing; adjudication itself arrives later by webhook.
type Acknowledgment struct {
	RemoteRef        string
	FlaggedForReview bool // acknowledged but the response body was malformed
}

// TransientError covers timeouts, connection failures, 5xx responses, and
// payer-side throttling. These are retryable.
type TransientError struct {
	Status int // 0 when no response was received
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient payer failure: %v", e.Err)
	}
	return fmt.Sprintf("transient payer failure: status %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError covers 4xx rejections. These must never be retried.
type PermanentError struct {
	Status int
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("payer rejected claim: status %d: %s", e.Status, e.Reason)
}

// Request carries one encoded claim submission.
type Request struct {
	TenantID    string
	ClaimNumber string
	Channel     Channel
	ContentType string
	Body        []byte
}

// Client submits claims to the payer API. It tracks whether the structured
// endpoint is degraded (last attempt failed transiently) so callers can fall
// back to the file-drop channel.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	logger   zerolog.Logger
	degraded atomic.Bool
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Degraded reports whether the last structured-channel attempt failed
// transiently. The submission service uses this to choose the fallback
// encoding for the next attempt.
func (c *Client) Degraded() bool { return c.degraded.Load() }

type ackResponse struct {
	ReferenceID string `json:"reference_id"`
}

type rejectResponse struct {
	Error string `json:"error"`
}

// Submit posts one encoded claim. The context deadline bounds the call in
// addition to the client's own timeout; an expired deadline is a transient
// failure, never an indefinite wait.
func (c *Client) Submit(ctx context.Context, req Request) (*Acknowledgment, error) {
	url := c.baseURL + "/api/v1/claims"
	if req.Channel == ChannelFileDrop {
		url = c.baseURL + "/api/v1/claims/file"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build payer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", req.ContentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Tenant-ID", req.TenantID)
	httpReq.Header.Set("X-Claim-Number", req.ClaimNumber)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if req.Channel == ChannelStructured {
			c.degraded.Store(true)
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if req.Channel == ChannelStructured {
			c.degraded.Store(false)
		}
		var ack ackResponse
		if err := json.Unmarshal(body, &ack); err != nil || ack.ReferenceID == "" {
			// Acknowledged but unreadable: the claim is with the payer, so it
			// must be marked submitted and flagged, never dropped.
			c.logger.Warn().
				Str("claim_number", req.ClaimNumber).
				Int("status", resp.StatusCode).
				Msg("payer acknowledgment unparseable, flagging claim for review")
			return &Acknowledgment{FlaggedForReview: true}, nil
		}
		return &Acknowledgment{RemoteRef: ack.ReferenceID}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		if req.Channel == ChannelStructured {
			c.degraded.Store(true)
		}
		return nil, &TransientError{Status: resp.StatusCode}

	default:
		// 4xx: the payer understood the request and refused it.
		var rej rejectResponse
		reason := string(body)
		if err := json.Unmarshal(body, &rej); err == nil && rej.Error != "" {
			reason = rej.Error
		}
		return nil, &PermanentError{Status: resp.StatusCode, Reason: reason}
	}
}
