package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/meetingnotes/internal/metrics"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

type stubFeed struct {
	pages map[string]notes.ChangePage
}

func (f *stubFeed) StartPageToken(context.Context, string) (string, error) {
	return "START", nil
}

func (f *stubFeed) ListChanges(_ context.Context, _ string, pageToken string) (notes.ChangePage, error) {
	return f.pages[pageToken], nil
}

type stubProcessor struct {
	mu     sync.Mutex
	events []notes.TranscriptEvent
}

func (p *stubProcessor) Process(_ context.Context, event notes.TranscriptEvent) (notes.ProcessResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return notes.ProcessResult{DocumentID: event.DocumentID, OwnerEmail: event.OwnerEmail}, nil
}

type testEnv struct {
	server    *Server
	queue     notes.TaskQueue
	cache     *notes.Cache
	hub       *notes.ActivityHub
	processor *stubProcessor
	metrics   *metrics.Collector
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := notes.NewCache(notes.NewInMemoryBlobStore(), "")
	queue := notes.NewInMemoryTaskQueue(8)
	hub := notes.NewActivityHub()
	feed := &stubFeed{pages: map[string]notes.ChangePage{
		"T1": {
			Changes: []notes.Change{{
				Type:   notes.ChangeTypeFile,
				FileID: "doc1",
				File: &notes.DriveFile{
					ID:       "doc1",
					Name:     "Standup Transcript",
					Kind:     notes.DriveFileKind,
					MimeType: notes.GoogleDocMimeType,
				},
			}},
			NewStartPageToken: "T2",
		},
	}}
	normalizer := notes.NewNormalizer("", logger)
	cursors := notes.NewCursorManager(cache, feed, normalizer, notes.CursorOptions{Logger: logger})
	intake := notes.NewIntake(cache, queue, notes.IntakeOptions{Logger: logger})
	processor := &stubProcessor{}
	dispatcher := notes.NewDispatcher(nil, cursors, normalizer, intake, processor, notes.DispatcherOptions{Logger: logger, SiteVerification: "verify-me"})
	collector := metrics.NewCollector()
	server := NewServer(Deps{
		Dispatcher: dispatcher,
		Cache:      cache,
		Queue:      queue,
		Hub:        hub,
		Metrics:    collector,
		Logger:     logger,
	}, cfg)
	return &testEnv{server: server, queue: queue, cache: cache, hub: hub, processor: processor, metrics: collector}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func signedHeaders(secret string, body []byte, now time.Time) map[string]string {
	timestamp := now.UTC().Format(time.RFC3339)
	return map[string]string{
		"X-Meetingnotes-Timestamp": timestamp,
		"X-Meetingnotes-Signature": signInternal(secret, timestamp, body),
		"Content-Type":             "application/json",
	}
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    tokenAudience,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("expected healthy response, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDriveWebhookEnqueuesTranscript(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/webhooks/drive",
		headers: map[string]string{
			"X-Goog-Resource-Uri":   "https://www.googleapis.com/drive/v3/changes?alt=json&pageToken=T1",
			"X-Goog-Channel-Token":  "owner%40example.com",
			"X-Goog-Resource-State": "change",
			"X-Goog-Channel-Id":     "meeting-transcripts-owner-1",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if env.queue.Depth() != 1 {
		t.Fatalf("expected one queued task, got %d", env.queue.Depth())
	}
	if _, ok, _ := env.cache.Get(context.Background(), "doc1", notes.ArtifactEvent); !ok {
		t.Fatalf("expected event artifact for doc1")
	}
}

func TestUnroutedRequestsAreClassified(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `content="verify-me"`) {
		t.Fatalf("expected landing page, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/",
		headers: map[string]string{
			"X-Goog-Resource-Uri":   "https://www.googleapis.com/drive/v3/changes?pageToken=T1",
			"X-Goog-Channel-Token":  "owner%40example.com",
			"X-Goog-Resource-State": "sync",
		},
	})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sync acknowledged") {
		t.Fatalf("expected sync ack at root, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPublicSurfaceRefusesEnvelopes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	for _, body := range []string{
		`{"is_scheduled": true}`,
		`{"id": "doc9", "title": "Weekly Transcript", "owner_email": "o@example.com"}`,
		`{"Records": [{"messageId": "m1", "body": {"id": "d", "title": "A Transcript", "owner_email": "o@example.com"}}]}`,
	} {
		rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/webhooks/drive", body: []byte(body)})
		if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
			t.Fatalf("expected landing page for %s, got %d %s", body, rec.Code, rec.Body.String())
		}
	}
	if env.queue.Depth() != 0 || len(env.processor.events) != 0 {
		t.Fatalf("expected no work from unauthenticated envelopes")
	}
}

func TestTranscriptRouteRequiresSignature(t *testing.T) {
	env := newTestEnv(t, ServerConfig{InternalHMACSecret: "shh"})
	body := []byte(`{"id": "doc9", "title": "Weekly Sync Transcript", "owner_email": "o@example.com"}`)

	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/transcripts", body: body})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}

	headers := signedHeaders("shh", body, time.Now())
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/transcripts", headers: headers, body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if env.queue.Depth() != 1 {
		t.Fatalf("expected queued transcript, got depth %d", env.queue.Depth())
	}

	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/transcripts", headers: headers, body: body})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "replay") {
		t.Fatalf("expected replay rejection, got %d %s", rec.Code, rec.Body.String())
	}

	stale := signedHeaders("shh", body, time.Now().Add(-time.Hour))
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/transcripts", headers: stale, body: body})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected stale signature rejected, got %d", rec.Code)
	}
}

func TestTranscriptRouteValidatesPayload(t *testing.T) {
	env := newTestEnv(t, ServerConfig{InternalHMACSecret: "shh"})
	body := []byte(`{"title": "missing id"}`)
	rec := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/transcripts",
		headers: signedHeaders("shh", body, time.Now()),
		body:    body,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestInternalInvokeProcessesQueueBatch(t *testing.T) {
	env := newTestEnv(t, ServerConfig{InternalHMACSecret: "shh"})
	body := []byte(`{"Records": [{"messageId": "m1", "body": "{\"id\": \"doc7\", \"title\": \"Retro Transcript\", \"owner_email\": \"o@example.com\"}"}]}`)
	rec := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/internal/invoke",
		headers: signedHeaders("shh", body, time.Now()),
		body:    body,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(env.processor.events) != 1 || env.processor.events[0].DocumentID != "doc7" {
		t.Fatalf("unexpected processed events %+v", env.processor.events)
	}
}

func TestInternalInvokeScheduledWithoutRenewer(t *testing.T) {
	env := newTestEnv(t, ServerConfig{InternalHMACSecret: "shh"})
	body := []byte(`{"is_scheduled": true}`)
	rec := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/internal/invoke",
		headers: signedHeaders("shh", body, time.Now()),
		body:    body,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without renewer, got %d", rec.Code)
	}
}

func TestAdminRoutesRequireScopes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{JWTSecret: "jwt"})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/status"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	wrongScope := mustTestJWT(t, "jwt", "ops", []string{"activity:read"}, time.Now().Add(time.Hour))
	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/status", headers: map[string]string{"Authorization": "Bearer " + wrongScope}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	expired := mustTestJWT(t, "jwt", "ops", []string{"admin:read"}, time.Now().Add(-time.Minute))
	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/status", headers: map[string]string{"Authorization": "Bearer " + expired}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}

	token := mustTestJWT(t, "jwt", "ops", []string{"admin:read"}, time.Now().Add(time.Hour))
	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/status", headers: map[string]string{"Authorization": "Bearer " + token}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var status struct {
		Queue struct {
			Depth    int `json:"depth"`
			Capacity int `json:"capacity"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Queue.Capacity != 8 {
		t.Fatalf("expected capacity 8, got %d", status.Queue.Capacity)
	}
}

func TestAdminArtifactLookup(t *testing.T) {
	env := newTestEnv(t, ServerConfig{JWTSecret: "jwt"})
	if err := env.cache.Put(context.Background(), "doc1", notes.ArtifactFinalSummary, "Shipped it."); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + mustTestJWT(t, "jwt", "ops", []string{"admin:read"}, time.Now().Add(time.Hour))}

	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/documents/doc1/artifacts/final_summary", headers: auth})
	if rec.Code != http.StatusOK || rec.Body.String() != "Shipped it." {
		t.Fatalf("expected artifact body, got %d %q", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/admin/documents/doc1/artifacts/super_summary", headers: auth})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminRenewWithoutRenewer(t *testing.T) {
	env := newTestEnv(t, ServerConfig{JWTSecret: "jwt"})
	auth := map[string]string{"Authorization": "Bearer " + mustTestJWT(t, "jwt", "ops", []string{"admin:renew"}, time.Now().Add(time.Hour))}
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/admin/renew", headers: auth})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestPublicRateLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitRPS: 0.001, RateLimitBurst: 1})
	first := doRequest(t, env.server, request{method: http.MethodGet, path: "/"})
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", first.Code)
	}
	second := doRequest(t, env.server, request{method: http.MethodGet, path: "/"})
	if second.Code != http.StatusTooManyRequests || second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", second.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBodyBytes: 8})
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/webhooks/drive", body: []byte(`{"is_scheduled": true}`)})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestMetricsRecordRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	doRequest(t, env.server, request{method: http.MethodGet, path: "/nowhere"})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`meetingnotes_http_requests_total{route="/health",status="200"} 1`,
		`meetingnotes_http_requests_total{route="other",status="200"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
