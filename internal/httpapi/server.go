package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/invoicerelay/internal/invoicerelay"
)

const headerCorrelationID = "X-Correlation-Id"

type ServerConfig struct {
	JWTSecret     string
	WebhookSecret string
	// MaxSkew bounds the age of a signed webhook timestamp.
	MaxSkew         time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration
}

// Dependencies are the pipeline components the API exposes. Ingestor,
// Orchestrator and Records are required.
type Dependencies struct {
	Ingestor     *invoicerelay.Ingestor
	Orchestrator *invoicerelay.Orchestrator
	Reconciler   *invoicerelay.Reconciler
	Records      invoicerelay.TrackingStore
	Feed         *invoicerelay.ChangeFeed
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
	Now          func() time.Time
}

type Server struct {
	deps        Dependencies
	cfg         ServerConfig
	metrics     http.Handler
	rateLimiter *rateLimiter

	replayMu   sync.Mutex
	replaySeen map[string]time.Time
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

func NewServer(deps Dependencies, cfg ServerConfig) (*Server, error) {
	if deps.Ingestor == nil || deps.Orchestrator == nil || deps.Records == nil {
		return nil, invoicerelay.ErrInvalidInput
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" || strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("jwt and webhook secrets are required")
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		deps:       deps,
		cfg:        cfg,
		metrics:    promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}),
		replaySeen: map[string]time.Time{},
	}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{window: cfg.RateLimitWindow, max: cfg.RateLimitMax, entries: map[string]rateEntry{}}
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/events/object" && r.Method == http.MethodPost:
		s.handleObjectEvent(w, r, correlationID)
		return
	case r.URL.Path == "/v1/events/change" && r.Method == http.MethodPost:
		s.handleChangeEvent(w, r, correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/scan" && r.Method == http.MethodPost:
		requiredScope, route = ScopeScan, "scan"
	case r.URL.Path == "/v1/records" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRecordsRead, "get_record"
	case r.URL.Path == "/v1/records" && r.Method == http.MethodDelete:
		requiredScope, route = ScopeRecordsWrite, "delete_record"
	case r.URL.Path == "/v1/records/reschedule" && r.Method == http.MethodPost:
		requiredScope, route = ScopeRecordsWrite, "reschedule"
	case r.URL.Path == "/v1/records/move" && r.Method == http.MethodPost:
		requiredScope, route = ScopeRecordsWrite, "move"
	case r.URL.Path == "/v1/records/due" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRecordsRead, "due"
	case r.URL.Path == "/v1/changes" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRecordsRead, "changes"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.deps.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.deps.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "scan":
		s.handleScan(w, r, correlationID)
	case "get_record":
		s.handleGetRecord(w, r, correlationID)
	case "delete_record":
		s.handleDeleteRecord(w, r, correlationID)
	case "reschedule":
		s.handleReschedule(w, r, correlationID)
	case "move":
		s.handleMove(w, r, correlationID)
	case "due":
		s.handleDue(w, r, correlationID)
	case "changes":
		s.handleChanges(w, r, claims, correlationID)
	}
}

// readSignedBody reads the request body and checks its webhook signature.
func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	now := s.deps.Now().UTC()
	timestamp := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	if authErr := verifyWebhook(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.MaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if !s.markReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "webhook replay detected", correlationID)
		return nil, false
	}
	return body, true
}

type objectEventResponse struct {
	Results []invoicerelay.IngestResult `json:"results"`
}

func (s *Server) handleObjectEvent(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readSignedBody(w, r, correlationID)
	if !ok {
		return
	}
	var notification invoicerelay.ObjectNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	results, err := s.deps.Ingestor.HandleNotification(r.Context(), &notification)
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, objectEventResponse{Results: results})
}

func (s *Server) handleChangeEvent(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readSignedBody(w, r, correlationID)
	if !ok {
		return
	}
	var evt invoicerelay.ChangeEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	result, err := s.deps.Orchestrator.HandleChange(r.Context(), evt)
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type scanResponse struct {
	invoicerelay.CatchUpReport
	Error string `json:"error,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "catch-up scan is not configured", correlationID)
		return
	}
	report, err := s.deps.Reconciler.CatchUp(r.Context())
	if err != nil && report.Scanned == 0 {
		s.writePipelineError(w, err, correlationID)
		return
	}
	resp := scanResponse{CatchUpReport: report}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func keyFromQuery(r *http.Request) invoicerelay.Key {
	q := r.URL.Query()
	return invoicerelay.Key{
		FileName: strings.TrimSpace(q.Get("fileName")),
		Date:     strings.TrimSpace(q.Get("date")),
	}
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, correlationID string) {
	key := keyFromQuery(r)
	if err := key.Validate(); err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	record, err := s.deps.Records.Get(r.Context(), key)
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request, correlationID string) {
	key := keyFromQuery(r)
	if err := key.Validate(); err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	if err := s.deps.Records.Delete(r.Context(), key); err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rescheduleRequest struct {
	FileName   string `json:"fileName"`
	Date       string `json:"date"`
	MovingTime string `json:"movingTime"`
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req rescheduleRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	key := invoicerelay.Key{FileName: strings.TrimSpace(req.FileName), Date: strings.TrimSpace(req.Date)}
	if err := key.Validate(); err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	record, err := s.deps.Records.Reschedule(r.Context(), key, strings.TrimSpace(req.MovingTime))
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, correlationID string) {
	var key invoicerelay.Key
	if !s.decodeJSONBody(w, r, correlationID, &key) {
		return
	}
	result, err := s.deps.Orchestrator.AttemptMove(r.Context(), key)
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type dueResponse struct {
	Records []invoicerelay.Record `json:"records"`
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "catch-up scan is not configured", correlationID)
		return
	}
	records, err := s.deps.Reconciler.Due(r.Context())
	if err != nil {
		s.writePipelineError(w, err, correlationID)
		return
	}
	if records == nil {
		records = []invoicerelay.Record{}
	}
	writeJSON(w, http.StatusOK, dueResponse{Records: records})
}

// handleChanges streams change feed events as JSON text frames until the
// client disconnects. Events published while the client is slow are dropped
// by the feed.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if s.deps.Feed == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "change feed is not configured", correlationID)
		return
	}
	// Subscribe before the handshake completes so a client sees every event
	// published after its dial returns.
	events, cancel := s.deps.Feed.Subscribe()
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("websocket accept failed", zap.String("correlation_id", correlationID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	logger := s.deps.Logger.With(zap.String("subject", claims.Subject), zap.String("correlation_id", correlationID))
	logger.Info("change stream opened")
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			logger.Info("change stream closed")
			return
		case evt, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				logger.Debug("change stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt invoicerelay.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}

// writePipelineError maps an error kind onto an HTTP status.
func (s *Server) writePipelineError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *invoicerelay.StatusConflictError
	switch {
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "status_conflict", err.Error(), correlationID)
		return
	case errors.Is(err, invoicerelay.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error(), correlationID)
		return
	}
	switch invoicerelay.KindOf(err) {
	case invoicerelay.KindValidation:
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case invoicerelay.KindNotFound:
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case invoicerelay.KindInconsistency:
		s.deps.Logger.Error("inconsistent state", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusConflict, "inconsistency", err.Error(), correlationID)
	default:
		s.deps.Logger.Warn("request failed", zap.String("correlation_id", correlationID), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	}
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
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// markReplaySeen records a signed request and reports false for a repeat
// within the skew window.
func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(timestamp) + "|" + strings.ToLower(strings.TrimSpace(signature))
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for seen, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, seen)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.MaxSkew)
	return true
}
