package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/projectsync/internal/docstore"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

const documentsPrefix = "/v1/documents/"

// DocumentServer exposes a docstore.Remote over the protocol HTTPRemote
// speaks, so a memory or Postgres store can act as the cloud document store.
type DocumentServer struct {
	remote      docstore.Remote
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      zerolog.Logger
}

func NewDocumentServer(remote docstore.Remote, cfg ServerConfig) *DocumentServer {
	cfg = cfg.withDefaults()
	return &DocumentServer{
		remote:      remote,
		cfg:         cfg,
		rateLimiter: newRateLimiter(cfg),
		logger:      cfg.Logger,
	}
}

func (s *DocumentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	correlationID := ensureCorrelationID(w, r)
	escaped := r.URL.EscapedPath()

	var requiredScope, route, docPath string
	switch {
	case escaped == "/v1/documents:batch" && r.Method == http.MethodPost:
		requiredScope, route = ScopeDocumentsWrite, "batch"
	case strings.HasPrefix(escaped, documentsPrefix) && (r.Method == http.MethodGet || r.Method == http.MethodPut):
		p, err := url.PathUnescape(strings.TrimPrefix(escaped, documentsPrefix))
		if err != nil || strings.TrimSpace(p) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid document path", correlationID)
			return
		}
		docPath = p
		if r.Method == http.MethodGet {
			requiredScope, route = ScopeDocumentsRead, "get"
		} else {
			requiredScope, route = ScopeDocumentsWrite, "set"
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !allowRequest(w, s.rateLimiter, claims.Subject, s.cfg.Now().UTC(), correlationID) {
		return
	}

	switch route {
	case "get":
		s.handleGet(w, r, docPath, correlationID)
	case "set":
		s.handleSet(w, r, docPath, correlationID)
	case "batch":
		s.handleBatch(w, r, correlationID)
	}
}

func (s *DocumentServer) handleGet(w http.ResponseWriter, r *http.Request, docPath, correlationID string) {
	doc, err := s.remote.Get(r.Context(), docPath)
	if err != nil {
		s.writeRemoteError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(doc.Revision, 10)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

func (s *DocumentServer) handleSet(w http.ResponseWriter, r *http.Request, docPath, correlationID string) {
	ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	if ifMatch == "" {
		writeError(w, http.StatusPreconditionRequired, "precondition_required", "If-Match header is required", correlationID)
		return
	}
	expected, err := strconv.ParseInt(ifMatch, 10, 64)
	if err != nil || expected < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid If-Match revision", correlationID)
		return
	}
	revision, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(docstore.RevisionHeader)), 10, 64)
	if err != nil || revision <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+docstore.RevisionHeader+" header", correlationID)
		return
	}
	body, ok := readRequestBody(w, r, s.cfg.MaxBodyBytes, correlationID)
	if !ok {
		return
	}
	err = s.remote.Set(r.Context(), docPath, docstore.Document{Revision: revision, Body: body},
		docstore.Precondition{ExpectedRevision: expected})
	if err != nil {
		s.writeRemoteError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(revision, 10)))
	writeJSON(w, http.StatusOK, map[string]any{"path": docPath, "revision": revision})
}

func (s *DocumentServer) handleBatch(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req docstore.BatchRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, correlationID, &req) {
		return
	}
	if len(req.Mutations) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "mutations are required", correlationID)
		return
	}
	mutations := make([]docstore.Mutation, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		if strings.TrimSpace(m.Path) == "" || m.Revision <= 0 || m.ExpectedRevision < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid mutation", correlationID)
			return
		}
		mutations = append(mutations, docstore.Mutation{
			Path:         m.Path,
			Document:     docstore.Document{Revision: m.Revision, Body: m.Body},
			Precondition: docstore.Precondition{ExpectedRevision: m.ExpectedRevision},
		})
	}
	if err := s.remote.Batch(r.Context(), mutations); err != nil {
		s.writeRemoteError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": len(mutations)})
}

func (s *DocumentServer) writeRemoteError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
	case errors.Is(err, docstore.ErrPreconditionFailed):
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", "revision precondition failed", correlationID)
	default:
		ce := syncerr.ClassifyOp("httpapi.documents", err)
		s.logger.Warn().Err(err).Str("correlation_id", correlationID).Str("kind", string(ce.Kind)).Msg("document store failure")
		writeError(w, ce.Kind.HTTPStatus(), errorCode(ce.Kind), ce.UserMessage, correlationID)
	}
}
