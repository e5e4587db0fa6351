package payer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func testRequest() Request {
	return Request{
		TenantID:    "clinic1",
		ClaimNumber: "CLINIC1-20260301-0001",
		Channel:     ChannelStructured,
		ContentType: "application/json",
		Body:        []byte(`{"claim_number":"CLINIC1-20260301-0001"}`),
	}
}

func TestSubmit_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/claims" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key123" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"reference_id":"REF-42"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key123", 2*time.Second, testLogger())
	ack, err := c.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.RemoteRef != "REF-42" {
		t.Errorf("expected REF-42, got %s", ack.RemoteRef)
	}
	if ack.FlaggedForReview {
		t.Error("expected clean acknowledgment")
	}
	if c.Degraded() {
		t.Error("expected client not degraded after success")
	}
}

func TestSubmit_MalformedAckFlagsForReview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<html>gateway response</html>`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key123", 2*time.Second, testLogger())
	ack, err := c.Submit(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ack.FlaggedForReview {
		t.Error("expected claim flagged for review")
	}
}

func TestSubmit_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key123", 2*time.Second, testLogger())
	_, err := c.Submit(context.Background(), testRequest())

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if te.Status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", te.Status)
	}
	if !c.Degraded() {
		t.Error("expected structured channel marked degraded")
	}
}

func TestSubmit_ThrottledIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key123", 2*time.Second, testLogger())
	_, err := c.Submit(context.Background(), testRequest())

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestSubmit_RejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"unknown provider number"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key123", 2*time.Second, testLogger())
	_, err := c.Submit(context.Background(), testRequest())

	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
	if pe.Reason != "unknown provider number" {
		t.Errorf("unexpected reason %q", pe.Reason)
	}
	if c.Degraded() {
		t.Error("4xx must not mark the channel degraded")
	}
}

func TestSubmit_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused

	c := NewClient(srv.URL, "key123", 2*time.Second, testLogger())
	_, err := c.Submit(context.Background(), testRequest())

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if !c.Degraded() {
		t.Error("expected structured channel marked degraded")
	}
}

func TestSubmit_TimeoutIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() { close(block); srv.Close() }()

	c := NewClient(srv.URL, "key123", 50*time.Millisecond, testLogger())
	_, err := c.Submit(context.Background(), testRequest())

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestSubmit_FileDropChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/claims/file" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"reference_id":"REF-99"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key123", 2*time.Second, testLogger())
	req := testRequest()
	req.Channel = ChannelFileDrop
	req.ContentType = "text/plain"

	ack, err := c.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.RemoteRef != "REF-99" {
		t.Errorf("expected REF-99, got %s", ack.RemoteRef)
	}
}
