package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentworkforce/meetingnotes/internal/metrics"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	MaxBodyBytes       int64
	RateLimitRPS       float64
	RateLimitBurst     int
}

type Deps struct {
	Dispatcher *notes.Dispatcher
	Cache      *notes.Cache
	Queue      notes.TaskQueue
	Hub        *notes.ActivityHub
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

type Server struct {
	router  *mux.Router
	deps    Deps
	cfg     ServerConfig
	limiter *limiterPool
	replay  *replayGuard
	now     func() time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew <= 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		limiter: newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst),
		replay:  newReplayGuard(cfg.InternalMaxSkew),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.labelRoute)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/v1/webhooks/drive", s.handlePublicInvocation).Methods(http.MethodPost)
	r.HandleFunc("/v1/transcripts", s.handleTranscript).Methods(http.MethodPost)
	r.HandleFunc("/v1/internal/invoke", s.handleInternalInvoke).Methods(http.MethodPost)
	r.HandleFunc("/v1/activity", s.requireScope("activity:read", s.handleActivityStream)).Methods(http.MethodGet)

	admin := r.PathPrefix("/v1/admin").Subrouter()
	admin.HandleFunc("/renew", s.requireScope("admin:renew", s.handleRenew)).Methods(http.MethodPost)
	admin.HandleFunc("/status", s.requireScope("admin:read", s.handleStatus)).Methods(http.MethodGet)
	admin.HandleFunc("/documents/{documentId}/artifacts/{artifact}", s.requireScope("admin:read", s.handleArtifact)).Methods(http.MethodGet)

	// Drive may be pointed at any URL on this host, so anything unrouted is
	// classified the same way as the webhook route.
	r.NotFoundHandler = http.HandlerFunc(s.handlePublicInvocation)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handlePublicInvocation)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, route: "other"}
	s.router.ServeHTTP(rec, r)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveRequest(rec.route, rec.status)
	}
}

func (s *Server) labelRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec, ok := w.(*statusRecorder); ok {
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					rec.route = tmpl
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePublicInvocation serves the unauthenticated surface. Only change
// notifications are dispatched from here; envelopes that would enqueue or
// renew must come through the signed internal route.
func (s *Server) handlePublicInvocation(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	trigger := notes.Classify(notes.Invocation{Headers: r.Header, Body: body, SourceIP: ip})
	switch trigger.(type) {
	case notes.PlatformWebhookTrigger, notes.UnrecognizedTrigger:
	default:
		trigger = notes.UnrecognizedTrigger{SourceIP: ip, Reason: string(trigger.Kind()) + " requires internal authentication"}
	}
	writeResponse(w, s.deps.Dispatcher.Dispatch(r.Context(), trigger))
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readSignedBody(w, r, correlationID)
	if !ok {
		return
	}
	payload, err := notes.ParseDirectPayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeResponse(w, s.deps.Dispatcher.Dispatch(r.Context(), notes.DirectTrigger{Payload: payload}))
}

func (s *Server) handleInternalInvoke(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readSignedBody(w, r, correlationID)
	if !ok {
		return
	}
	trigger := notes.Classify(notes.Invocation{Body: body, SourceIP: clientIP(r)})
	s.deps.Logger.Info("internal_invocation", "kind", trigger.Kind(), "correlation_id", correlationID)
	writeResponse(w, s.deps.Dispatcher.Dispatch(r.Context(), trigger))
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, s.deps.Dispatcher.Dispatch(r.Context(), notes.ScheduledTrigger{}))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.deps.Queue != nil {
		status["queue"] = map[string]int{
			"depth":    s.deps.Queue.Depth(),
			"capacity": s.deps.Queue.Capacity(),
		}
	}
	if s.deps.Cache != nil {
		status["cacheNamespace"] = s.deps.Cache.Namespace()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "cache not configured", correlationID)
		return
	}
	vars := mux.Vars(r)
	body, found, err := s.deps.Cache.Get(r.Context(), vars["documentId"], vars["artifact"])
	switch {
	case errors.Is(err, notes.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	case !found:
		writeError(w, http.StatusNotFound, "not_found", "artifact not found", correlationID)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	}
}

func (s *Server) requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, s.now()); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next(w, r)
	}
}

func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	now := s.now()
	timestamp := r.Header.Get("X-Meetingnotes-Timestamp")
	signature := r.Header.Get("X-Meetingnotes-Signature")
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if !s.replay.mark(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeResponse(w http.ResponseWriter, resp notes.Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if resp.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	route  string
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
