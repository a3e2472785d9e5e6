package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/filetree/internal/filetree"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	Logger             *zerolog.Logger
}

type Server struct {
	store              *filetree.Store
	cfg                ServerConfig
	logger             zerolog.Logger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
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

func NewServer(store *filetree.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *filetree.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:              store,
		cfg:                cfg,
		logger:             logger,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	if r.URL.Path == "/v1/internal/entity-events" && r.Method == http.MethodPost {
		s.handleInternalEntityEvent(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "teams" || parts[3] != "files" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	teamID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		requiredScope = "files:read"
		route = "list"
	case len(parts) == 4 && r.Method == http.MethodPost:
		requiredScope = "files:write"
		route = "create"
	case len(parts) == 5 && parts[4] == "unfiled" && r.Method == http.MethodPost:
		requiredScope = "files:write"
		route = "unfiled"
	case len(parts) == 5 && r.Method == http.MethodGet:
		requiredScope = "files:read"
		route = "get"
	case len(parts) == 5 && r.Method == http.MethodPatch:
		requiredScope = "files:write"
		route = "update"
	case len(parts) == 5 && r.Method == http.MethodDelete:
		requiredScope = "files:write"
		route = "delete"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, teamID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := teamID + "|" + claims.AgentName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list":
		s.handleList(w, r, teamID, correlationID)
	case "create":
		s.handleCreate(w, r, teamID, claims.AgentName, correlationID)
	case "unfiled":
		s.handleUnfiled(w, r, teamID, correlationID)
	case "get":
		s.handleGet(w, r, teamID, parts[4], correlationID)
	case "update":
		s.handleUpdate(w, r, teamID, parts[4], correlationID)
	case "delete":
		s.handleDelete(w, r, teamID, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleInternalEntityEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Filetree-Timestamp"),
		r.Header.Get("X-Filetree-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	replayKey := internalReplayKey(r.Header.Get("X-Filetree-Timestamp"), r.Header.Get("X-Filetree-Signature"))
	if s.isInternalReplay(replayKey, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	if err := validateEntityEvent(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var event filetree.EntityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.store.ApplyEntityEvent(r.Context(), event); err != nil {
		if errors.Is(err, filetree.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	// Recorded only after acceptance so a producer whose payload was
	// rejected can retry the identical signed request.
	s.recordInternalReplay(replayKey, now)
	s.logger.Info().
		Str("correlationId", correlationID).
		Str("teamId", event.TeamID).
		Str("event", event.Event).
		Str("type", event.Type).
		Msg("entity event applied")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, teamID, correlationID string) {
	query := filetree.ListQuery{
		TeamID: teamID,
		Parent: r.URL.Query().Get("parent"),
		Search: r.URL.Query().Get("search"),
		Limit:  parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000),
		Offset: parseBoundedInt(r.URL.Query().Get("offset"), 0, 0, math.MaxInt32),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("depth")); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil || depth < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid depth", correlationID)
			return
		}
		query.Depth = &depth
	}
	entries, total, err := s.store.ListEntries(r.Context(), query)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if entries == nil {
		entries = []filetree.Entry{}
	}
	writeJSON(w, http.StatusOK, struct {
		Count   int              `json:"count"`
		Limit   int              `json:"limit"`
		Offset  int              `json:"offset"`
		Results []filetree.Entry `json:"results"`
	}{
		Count:   total,
		Limit:   query.Limit,
		Offset:  query.Offset,
		Results: entries,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, teamID, agentName, correlationID string) {
	var body struct {
		Path string         `json:"path"`
		Type string         `json:"type"`
		Meta map[string]any `json:"meta"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	entry, err := s.store.CreateEntry(r.Context(), filetree.CreateRequest{
		TeamID:    teamID,
		Path:      body.Path,
		Type:      body.Type,
		Meta:      body.Meta,
		CreatedBy: agentName,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info().
		Str("correlationId", correlationID).
		Str("teamId", teamID).
		Str("path", entry.Path).
		Msg("entry created")
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleUnfiled(w http.ResponseWriter, r *http.Request, teamID, correlationID string) {
	created, err := s.store.ReconcileUnfiled(r.Context(), teamID, r.URL.Query().Get("type"))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if created == nil {
		created = []filetree.Entry{}
	}
	s.logger.Info().
		Str("correlationId", correlationID).
		Str("teamId", teamID).
		Int("created", len(created)).
		Msg("unfiled reconciled")
	writeJSON(w, http.StatusOK, struct {
		Count   int              `json:"count"`
		Results []filetree.Entry `json:"results"`
	}{
		Count:   len(created),
		Results: created,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, teamID, id, correlationID string) {
	entry, err := s.store.GetEntry(r.Context(), teamID, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, teamID, id, correlationID string) {
	var body struct {
		Path *string        `json:"path"`
		Type *string        `json:"type"`
		Meta map[string]any `json:"meta"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	entry, err := s.store.UpdateEntry(r.Context(), teamID, id, filetree.EntryUpdate{
		Path: body.Path,
		Type: body.Type,
		Meta: body.Meta,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, teamID, id, correlationID string) {
	if err := s.store.DeleteEntry(r.Context(), teamID, id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, filetree.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, filetree.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, filetree.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func internalReplayKey(timestamp, signature string) string {
	return strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
}

func (s *Server) isInternalReplay(key string, now time.Time) bool {
	if key == "|" {
		return true
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	expiresAt, exists := s.internalReplaySeen[key]
	return exists && now.Before(expiresAt)
}

func (s *Server) recordInternalReplay(key string, now time.Time) {
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	s.internalReplaySeen[key] = now.Add(window)
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
