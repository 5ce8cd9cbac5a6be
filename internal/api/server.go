// Package api implements the operator HTTP surface and mounts the
// device WebSocket transport.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/frinny-ai/frinny/internal/buildinfo"
	"github.com/frinny-ai/frinny/internal/checkpoint"
	"github.com/frinny-ai/frinny/internal/connwatch"
	"github.com/frinny-ai/frinny/internal/contexts"
	"github.com/frinny-ai/frinny/internal/router"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	router     *router.Router
	registry   *contexts.Registry
	transport  http.Handler
	checkpoint *checkpoint.Opened
	watchers   *connwatch.Manager
	logger     *slog.Logger
	server     *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, rtr *router.Router, reg *contexts.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		router:   rtr,
		registry: reg,
		logger:   logger,
	}
}

// SetTransport mounts the device WebSocket handler at /ws.
func (s *Server) SetTransport(h http.Handler) {
	s.transport = h
}

// SetCheckpoint reports the selected checkpoint backend in health output.
func (s *Server) SetCheckpoint(o *checkpoint.Opened) {
	s.checkpoint = o
}

// SetConnWatch reports watched service status in health output.
func (s *Server) SetConnWatch(m *connwatch.Manager) {
	s.watchers = m
}

// Handler builds the request multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// HTTP fallback for devices without a socket
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)

	// Context inspection
	mux.HandleFunc("GET /v1/users/{userId}/contexts", s.handleContextList)
	mux.HandleFunc("GET /v1/users/{userId}/contexts/{id}", s.handleContextGet)
	mux.HandleFunc("GET /v1/contexts/selections", s.handleSelections)
	mux.HandleFunc("GET /v1/contexts/stats", s.handleContextStats)

	// Router introspection
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", s.handleRouterExplain)

	if s.transport != nil {
		mux.Handle("GET /ws", s.transport)
	}
	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logging. It
// forwards Hijack so the WebSocket upgrade still works behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Frinny",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Runtime(), s.logger)
}

// availableEndpoints lists the socket URLs a device may connect to,
// derived from the request host.
func availableEndpoints(r *http.Request) []string {
	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	return []string{scheme + "://" + r.Host + "/ws"}
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status             string                             `json:"status"`
	Version            string                             `json:"version"`
	Checkpoint         *CheckpointHealth                  `json:"checkpoint,omitempty"`
	Services           map[string]connwatch.ServiceStatus `json:"services,omitempty"`
	Rooms              int                                `json:"rooms"`
	Connections        int                                `json:"connections"`
	AvailableEndpoints []string                           `json:"available_endpoints"`
}

// CheckpointHealth describes the active checkpoint backend.
type CheckpointHealth struct {
	Backend  string               `json:"backend"`
	Degraded bool                 `json:"degraded"`
	Attempts []checkpoint.Attempt `json:"attempts,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:             "healthy",
		Version:            buildinfo.Version,
		AvailableEndpoints: availableEndpoints(r),
	}
	if s.checkpoint != nil {
		resp.Checkpoint = &CheckpointHealth{
			Backend:  s.checkpoint.Backend,
			Degraded: s.checkpoint.Degraded,
			Attempts: s.checkpoint.Attempts,
		}
		if s.checkpoint.Degraded {
			resp.Status = "degraded"
		}
	}
	if s.watchers != nil {
		resp.Services = s.watchers.Status()
		for _, st := range resp.Services {
			if !st.Ready {
				resp.Status = "degraded"
			}
		}
	}
	if s.router != nil {
		resp.Rooms, resp.Connections = s.router.Rooms().Counts()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// FeedbackRequest is the HTTP fallback for the feedback event.
type FeedbackRequest struct {
	UserID    string `json:"userId"`
	ContextID string `json:"context_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Rating    any    `json:"rating,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.statusResponse(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.statusResponse(w, r, http.StatusBadRequest, "userId is required")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.logger.Info("feedback received over HTTP",
		"user_id", req.UserID,
		"request_id", req.RequestID,
		"context_id", req.ContextID,
	)
	if req.ContextID != "" && s.registry != nil {
		meta := router.FeedbackMetadata(req.RequestID, map[string]any{
			"rating":  req.Rating,
			"comment": req.Comment,
		})
		if _, err := s.registry.Annotate(r.Context(), req.UserID, req.ContextID, meta); err != nil {
			s.logger.Warn("feedback not recorded", "request_id", req.RequestID, "context_id", req.ContextID, "error", err)
		}
	}
	s.statusResponse(w, r, http.StatusOK, "Feedback received")
}

// statusResponse writes the {status, message, fallback_endpoints} body
// the device clients expect from fallback routes.
func (s *Server) statusResponse(w http.ResponseWriter, r *http.Request, code int, message string) {
	status := "success"
	if code >= http.StatusBadRequest {
		status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":             status,
		"message":            message,
		"fallback_endpoints": availableEndpoints(r),
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// Context handlers

func (s *Server) handleContextList(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "context registry not configured")
		return
	}
	userID := r.PathValue("userId")
	list := s.registry.List(r.Context(), userID)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"user_id":  userID,
		"count":    len(list),
		"contexts": list,
	}, s.logger)
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "context registry not configured")
		return
	}
	c, err := s.registry.Get(r.Context(), r.PathValue("userId"), r.PathValue("id"))
	if errors.Is(err, contexts.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "context not found")
		return
	}
	if err != nil {
		s.logger.Error("context lookup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "context lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, c, s.logger)
}

func (s *Server) handleSelections(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "context registry not configured")
		return
	}
	if id := r.URL.Query().Get("context_id"); id != "" {
		sel, ok := s.registry.Explain(id)
		if !ok {
			s.errorResponse(w, http.StatusNotFound, "selection not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, sel, s.logger)
		return
	}
	selections := s.registry.Recent(parseIntParam(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":      len(selections),
		"selections": selections,
	}, s.logger)
}

func (s *Server) handleContextStats(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "context registry not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.registry.Stats(), s.logger)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.router.Stats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	outcomes := s.router.Recent(parseIntParam(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":    len(outcomes),
		"outcomes": outcomes,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	out, ok := s.router.Explain(r.PathValue("requestId"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "outcome not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
