// Package httpserver exposes the tenant-facing REST surface: session
// lifecycle, manual sends, conversation reads and quota administration,
// plus the usual health and metrics endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm-wa/internal/classify"
	"crm-wa/internal/metrics"
	"crm-wa/internal/notify"
	"crm-wa/internal/quota"
	"crm-wa/internal/repo"
	"crm-wa/internal/session"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies exposes core dependencies to the handlers.
type Dependencies struct {
	Manager *session.Manager
	Store   repo.Store
	Ledger  *quota.Ledger
	Hub     *notify.Hub
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
}

// New creates an HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies) *Server {
	server := &Server{
		logger:  logger.With("component", "http"),
		metrics: metricRegistry,
		deps:    deps,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", server.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/tenants/{id}/session/connect", server.withTenant(server.handleConnect))
	mux.HandleFunc("GET /api/tenants/{id}/session/status", server.withTenant(server.handleStatus))
	mux.HandleFunc("GET /api/tenants/{id}/session/qr", server.withTenant(server.handleQR))
	mux.HandleFunc("POST /api/tenants/{id}/session/disconnect", server.withTenant(server.handleDisconnect))
	mux.HandleFunc("POST /api/tenants/{id}/session/cleanup", server.withTenant(server.handleCleanup))

	mux.HandleFunc("POST /api/tenants/{id}/messages/send", server.withTenant(server.handleSend))
	mux.HandleFunc("GET /api/tenants/{id}/conversations/{jid}/messages", server.withTenant(server.handleListMessages))
	mux.HandleFunc("POST /api/tenants/{id}/conversations/{jid}/read", server.withTenant(server.handleMarkRead))
	mux.HandleFunc("POST /api/tenants/{id}/conversations/{jid}/bot", server.withTenant(server.handleSetBot))

	mux.HandleFunc("GET /api/tenants/{id}/quota", server.withTenant(server.handleQuota))
	mux.HandleFunc("POST /api/tenants/{id}/quota/consume", server.withTenant(server.handleQuotaConsume))
	mux.HandleFunc("POST /api/tenants/{id}/quota/reset", server.withTenant(server.handleQuotaReset))

	mux.HandleFunc("GET /api/events", server.handleEvents)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// logRequests tags every request with an id and logs its outcome.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request handled",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the SSE endpoint working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID int64)

// withTenant parses and validates the tenant path segment. Unknown tenants
// are rejected before any session or quota work happens.
func (s *Server) withTenant(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid tenant id")
			return
		}
		if _, err := s.deps.Store.GetTenant(r.Context(), id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				writeError(w, http.StatusNotFound, "tenant not found")
				return
			}
			s.logger.Error("tenant lookup failed", "tenant_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "tenant lookup failed")
			return
		}
		next(w, r, id)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, tenantID int64) {
	res, err := s.deps.Manager.Connect(r.Context(), tenantID)
	if err != nil {
		s.sessionError(w, tenantID, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, tenantID int64) {
	res, err := s.deps.Manager.Status(r.Context(), tenantID)
	if err != nil {
		s.sessionError(w, tenantID, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQR(w http.ResponseWriter, _ *http.Request, tenantID int64) {
	qr, err := s.deps.Manager.QR(tenantID)
	if err != nil {
		s.sessionError(w, tenantID, "qr", err)
		return
	}
	writeJSON(w, http.StatusOK, qr)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, tenantID int64) {
	if err := s.deps.Manager.Disconnect(r.Context(), tenantID); err != nil {
		s.sessionError(w, tenantID, "disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, tenantID int64) {
	if err := s.deps.Manager.ForceCleanup(r.Context(), tenantID); err != nil {
		s.sessionError(w, tenantID, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// handleSend delivers an operator-authored message through the tenant's
// session. The reply takes the thread over, so the bot is switched off for
// that conversation, same as an operator typing on the paired phone.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, tenantID int64) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "to and content are required")
		return
	}

	id, err := s.deps.Manager.Send(r.Context(), tenantID, req.To, req.Content, false)
	if err != nil {
		s.sessionError(w, tenantID, "send", err)
		return
	}

	now := time.Now()
	stored, _, err := s.deps.Store.InsertMessage(r.Context(), repo.Message{
		TenantID:     tenantID,
		ExternalID:   id,
		Counterparty: req.To,
		SenderClass:  string(classify.TenantOperator),
		FromMe:       true,
		Content:      req.Content,
		Kind:         repo.KindText,
		Timestamp:    now,
		Read:         true,
	})
	if err != nil {
		s.logger.Warn("persist manual send failed", "tenant_id", tenantID, "message_id", id, "error", err)
	} else {
		if _, err := s.deps.Store.UpsertConversation(r.Context(), repo.ConversationUpdate{
			TenantID:      tenantID,
			Counterparty:  req.To,
			LastMessage:   req.Content,
			LastMessageAt: now,
		}); err != nil {
			s.logger.Warn("update conversation failed", "tenant_id", tenantID, "error", err)
		}
		if err := s.deps.Store.SetBotEnabled(r.Context(), tenantID, req.To, false); err != nil {
			s.logger.Warn("disable bot failed", "tenant_id", tenantID, "error", err)
		}
		if s.deps.Hub != nil {
			s.deps.Hub.Publish(notify.Event{
				Kind:     notify.KindMessage,
				TenantID: tenantID,
				Payload:  stored,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, tenantID int64) {
	jid := r.PathValue("jid")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	messages, err := s.deps.Store.ListRecentMessages(r.Context(), tenantID, jid, limit)
	if err != nil {
		s.logger.Error("list messages failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "list messages failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, tenantID int64) {
	jid := r.PathValue("jid")
	if err := s.deps.Store.MarkConversationRead(r.Context(), tenantID, jid); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("mark read failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setBotRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetBot(w http.ResponseWriter, r *http.Request, tenantID int64) {
	jid := r.PathValue("jid")
	var req setBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.deps.Store.SetBotEnabled(r.Context(), tenantID, jid, req.Enabled); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("set bot failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "set bot failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": req.Enabled})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, tenantID int64) {
	status, err := s.deps.Ledger.CheckAvailable(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("quota check failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type quotaConsumeRequest struct {
	Messages int64 `json:"messages"`
	Tokens   int64 `json:"tokens"`
}

func (s *Server) handleQuotaConsume(w http.ResponseWriter, r *http.Request, tenantID int64) {
	var req quotaConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Messages < 0 || req.Tokens < 0 {
		writeError(w, http.StatusBadRequest, "amounts must not be negative")
		return
	}

	status, err := s.deps.Ledger.CheckAndConsume(r.Context(), tenantID, req.Messages, req.Tokens)
	if err != nil {
		s.logger.Error("quota consume failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "quota consume failed")
		return
	}
	code := http.StatusOK
	if !status.Consumed {
		code = http.StatusConflict
	}
	writeJSON(w, code, status)
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request, tenantID int64) {
	if err := s.deps.Ledger.ResetTenant(r.Context(), tenantID); err != nil {
		s.logger.Error("quota reset failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "quota reset failed")
		return
	}
	status, err := s.deps.Ledger.CheckAvailable(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleEvents streams hub notifications as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "events unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.deps.Hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("encode event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload)
			flusher.Flush()
		}
	}
}

// sessionError maps session sentinel errors onto HTTP status codes.
func (s *Server) sessionError(w http.ResponseWriter, tenantID int64, op string, err error) {
	switch {
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusConflict, "a connect is already in progress")
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, "no session or QR available")
	case errors.Is(err, session.ErrNotConnected):
		writeError(w, http.StatusConflict, "session is not connected")
	case errors.Is(err, session.ErrAuthFailed):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, session.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "operation timed out")
	case errors.Is(err, session.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "recipient rate limited")
	case errors.Is(err, session.ErrBlocked), errors.Is(err, session.ErrInvalidAddress):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("session operation failed", "tenant_id", tenantID, "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "session operation failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
