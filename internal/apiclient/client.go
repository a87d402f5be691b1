package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RequestFunc builds a fresh request for every attempt, since a request
// body can only be read once.
type RequestFunc func(ctx context.Context) (*http.Request, error)

type Options struct {
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Limiter paces outgoing requests. Nil means no pacing.
	Limiter *rate.Limiter
}

// Client sends requests with retries on transport errors, 429 and 5xx.
type Client struct {
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// StatusError is returned for a non-2xx response once retries are spent.
type StatusError struct {
	Service string
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s request failed: status=%d code=%s message=%s", e.Service, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s request failed: status=%d message=%s", e.Service, e.Status, e.Message)
}

// Retryable reports whether the status is one the client retries.
func (e *StatusError) Retryable() bool {
	return retryableStatus(e.Status)
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Client{
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		limiter:    opts.Limiter,
	}
}

func (c *Client) Do(ctx context.Context, service string, build RequestFunc) (Response, error) {
	if c == nil {
		return Response{}, errors.New("api client is nil")
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Response{}, err
			}
		}
		req, err := build(ctx)
		if err != nil {
			return Response{}, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return Response{}, waitErr
				}
				continue
			}
			return Response{}, err
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Response{}, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
		}
		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return Response{}, waitErr
			}
			continue
		}
		return Response{}, statusError(service, resp.StatusCode, body)
	}
}

// JSON posts payload as JSON and decodes the response into out when out is
// not nil.
func (c *Client) JSON(ctx context.Context, service, method, url string, header http.Header, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	resp, err := c.Do(ctx, service, func(ctx context.Context) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		for k, values := range header {
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", service, err)
	}
	return nil
}

func statusError(service string, status int, body []byte) error {
	errCode := ""
	errMessage := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
		if nested, ok := parsed["error"].(map[string]any); ok {
			if code, ok := nested["type"].(string); ok && errCode == "" {
				errCode = code
			}
			if message, ok := nested["message"].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
			}
		}
	}
	return &StatusError{Service: service, Status: status, Code: errCode, Message: errMessage}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
