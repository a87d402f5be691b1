package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"try again"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client(), BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxRetries: 2})
	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.JSON(context.Background(), "test", http.MethodPost, server.URL, nil, map[string]string{"a": "b"}, &out); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if !out.OK || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry and decoded body, got calls=%d out=%+v", atomic.LoadInt32(&calls), out)
	}
}

func TestClientReturnsStatusErrorOnPermanentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer server.Close()

	client := New(Options{HTTPClient: server.Client()})
	err := client.JSON(context.Background(), "anthropic", http.MethodPost, server.URL, nil, map[string]int{"n": 1}, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected status error, got %v", err)
	}
	if statusErr.Status != http.StatusBadRequest || statusErr.Code != "invalid_request_error" || statusErr.Message != "max_tokens too large" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
	if statusErr.Retryable() {
		t.Fatalf("expected 400 to be permanent")
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := New(Options{
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		MaxRetries: 2,
		Limiter:    rate.NewLimiter(rate.Inf, 1),
	})
	_, err := client.Do(context.Background(), "mailgun", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", atomic.LoadInt32(&calls))
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := New(Options{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second})
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected retry-after delay, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential delay, got %s", got)
	}
}
