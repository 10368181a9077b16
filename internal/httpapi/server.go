package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/projectsync/internal/cache"
	"github.com/agentworkforce/projectsync/internal/opqueue"
	"github.com/agentworkforce/projectsync/internal/projectsync"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

const correlationHeader = "X-Correlation-Id"

// Engine is the part of projectsync.Engine the API serves.
type Engine interface {
	Save(ctx context.Context, id string, data map[string]any, opts projectsync.SaveOptions) projectsync.SyncResult
	Load(ctx context.Context, id string) projectsync.SyncResult
	QueueStats() opqueue.Stats
	CacheStats() cache.Stats
	DeadLetters() []opqueue.DeadLetter
	RetryDeadLetter(id string) (opqueue.Operation, error)
	AcknowledgeDeadLetter(id string) error
	ProcessQueue(ctx context.Context) (opqueue.Report, error)
	SubscribeStatus(fn func(projectsync.Status)) func()
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns are the browser origins allowed on the status stream.
	OriginPatterns []string
	Now            func() time.Time
	Logger         zerolog.Logger
}

func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

func newRateLimiter(cfg ServerConfig) *rateLimiter {
	if cfg.RateLimitMax <= 0 {
		return nil
	}
	return &rateLimiter{window: cfg.RateLimitWindow, max: cfg.RateLimitMax, entries: map[string]rateEntry{}}
}

// Server exposes an Engine over HTTP.
type Server struct {
	engine      Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type saveRequest struct {
	Data             map[string]any `json:"data"`
	Priority         string         `json:"priority"`
	Validate         bool           `json:"validate"`
	ExpectedRevision *int64         `json:"expectedRevision"`
}

func NewServer(engine Engine, cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: newRateLimiter(cfg),
		logger:      cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	start := s.cfg.Now()
	correlationID := ensureCorrelationID(w, r)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	var requiredScope, route, target string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "projects" && r.Method == http.MethodPut:
		requiredScope, route, target = ScopeProjectsWrite, "save", parts[2]
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "projects" && r.Method == http.MethodGet:
		requiredScope, route, target = ScopeProjectsRead, "load", parts[2]
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "queue" && r.Method == http.MethodGet:
		requiredScope, route = ScopeSyncRead, "queue"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "cache" && r.Method == http.MethodGet:
		requiredScope, route = ScopeSyncRead, "cache"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "dead-letter" && r.Method == http.MethodGet:
		requiredScope, route = ScopeSyncRead, "dead_letters"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "dead-letter" && parts[4] == "retry" && r.Method == http.MethodPost:
		requiredScope, route, target = ScopeSyncTrigger, "dead_letter_retry", parts[3]
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "dead-letter" && parts[4] == "ack" && r.Method == http.MethodPost:
		requiredScope, route, target = ScopeSyncTrigger, "dead_letter_ack", parts[3]
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "process" && r.Method == http.MethodPost:
		requiredScope, route = ScopeSyncTrigger, "process"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope, route = ScopeSyncRead, "status"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if target != "" {
		unescaped, err := url.PathUnescape(target)
		if err != nil || strings.TrimSpace(unescaped) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid path parameter", correlationID)
			return
		}
		target = unescaped
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "status" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !allowRequest(w, s.rateLimiter, claims.Subject, s.cfg.Now().UTC(), correlationID) {
		return
	}

	ctx := projectsync.WithIdentity(r.Context(), claims.Subject)
	r = r.WithContext(ctx)
	switch route {
	case "save":
		s.handleSave(sw, r, target, correlationID)
	case "load":
		s.handleLoad(sw, r, target)
	case "queue":
		writeJSON(sw, http.StatusOK, s.engine.QueueStats())
	case "cache":
		writeJSON(sw, http.StatusOK, s.engine.CacheStats())
	case "dead_letters":
		items := s.engine.DeadLetters()
		if items == nil {
			items = []opqueue.DeadLetter{}
		}
		writeJSON(sw, http.StatusOK, map[string]any{"items": items})
	case "dead_letter_retry":
		s.handleDeadLetterRetry(sw, target, correlationID)
	case "dead_letter_ack":
		s.handleDeadLetterAck(sw, target, correlationID)
	case "process":
		s.handleProcess(sw, r, correlationID)
	case "status":
		s.handleStatusStream(sw, r)
	}
	s.logger.Info().Str("correlation_id", correlationID).Str("route", route).Str("owner", claims.Subject).
		Int("status", sw.status).Dur("elapsed", s.cfg.Now().Sub(start)).Msg("request served")
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	var req saveRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, correlationID, &req) {
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "data is required", correlationID)
		return
	}
	priority, err := opqueue.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	res := s.engine.Save(r.Context(), projectID, req.Data, projectsync.SaveOptions{
		Priority:         priority,
		Validate:         req.Validate,
		ExpectedRevision: req.ExpectedRevision,
	})
	writeResult(w, res)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request, projectID string) {
	writeResult(w, s.engine.Load(r.Context(), projectID))
}

func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, id, correlationID string) {
	op, err := s.engine.RetryDeadLetter(id)
	switch {
	case errors.Is(err, opqueue.ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, "not_found", "dead letter not found", correlationID)
	case errors.Is(err, opqueue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue_full", "queue is full", correlationID)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	default:
		writeJSON(w, http.StatusAccepted, op)
	}
}

func (s *Server) handleDeadLetterAck(w http.ResponseWriter, id, correlationID string) {
	err := s.engine.AcknowledgeDeadLetter(id)
	switch {
	case errors.Is(err, opqueue.ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, "not_found", "dead letter not found", correlationID)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "acknowledged"})
	}
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.engine.ProcessQueue(r.Context())
	if err != nil {
		ce := syncerr.ClassifyOp("httpapi.process", err)
		writeError(w, ce.Kind.HTTPStatus(), errorCode(ce.Kind), ce.UserMessage, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeResult maps a SyncResult to a status code. Queued saves are accepted
// rather than done.
func writeResult(w http.ResponseWriter, res projectsync.SyncResult) {
	status := http.StatusOK
	switch {
	case res.Queued:
		status = http.StatusAccepted
	case !res.Success && res.Error != nil:
		status = res.Error.Kind.HTTPStatus()
	case !res.Success:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func errorCode(kind syncerr.Kind) string {
	return strings.ToLower(string(kind))
}

func ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(correlationHeader))
	if id == "" {
		id = "corr_" + uuid.NewString()
	}
	w.Header().Set(correlationHeader, id)
	return id
}

func readRequestBody(w http.ResponseWriter, r *http.Request, limit int64, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
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

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, correlationID string, dst any) bool {
	body, ok := readRequestBody(w, r, limit, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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

// allowRequest applies the per-owner limit and writes the 429 itself.
func allowRequest(w http.ResponseWriter, limiter *rateLimiter, key string, now time.Time, correlationID string) bool {
	if limiter == nil {
		return true
	}
	ok, wait := limiter.allow(key, now)
	if ok {
		return true
	}
	retryAfter := int(math.Ceil(wait.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

// allow counts a request against key's fixed window. When the window is
// exhausted it reports how long until it resets.
func (r *rateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true, 0
	}
	if entry.count >= r.max {
		return false, entry.resetAt.Sub(now)
	}
	entry.count++
	r.entries[key] = entry
	return true, 0
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T cannot hijack", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}
