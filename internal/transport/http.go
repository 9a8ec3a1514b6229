// Package transport provides the HTTP API of the serve mode.
package transport

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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/poolreplay/internal/runner"
	"github.com/gateway-fm/poolreplay/internal/storage"
)

// Input validation constants
const (
	maxNullSwapsPerBlock = 100000
	maxBlocksToMine      = 10000
	maxNameLength        = 200
)

// validateStartRequest validates the start request parameters
func validateStartRequest(req *runner.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.NullSwapsPerBlock > maxNullSwapsPerBlock {
		return fmt.Errorf("nullSwapsPerBlock exceeds maximum of %d", maxNullSwapsPerBlock)
	}
	if req.BlocksToMine > maxBlocksToMine {
		return fmt.Errorf("blocksToMine exceeds maximum of %d", maxBlocksToMine)
	}
	if len(req.Name) > maxNameLength {
		return fmt.Errorf("name exceeds maximum length of %d", maxNameLength)
	}
	return nil
}

// RunAPI defines the run service the handlers need. runner.Service
// implements it.
type RunAPI interface {
	Start(req runner.Request) (string, error)
	Stop() error
	Status() runner.Status
	History(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	RunDetail(ctx context.Context, id string) (*storage.RunDetail, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRun(ctx context.Context, id string, update *storage.RunMetadataUpdate) error
}

var _ RunAPI = (*runner.Service)(nil)

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckNode(ctx context.Context) error
}

// Server handles HTTP requests for the run service.
type Server struct {
	api       RunAPI
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool // True if "*" or empty
}

// NewServer creates a new HTTP server and starts its status broadcaster.
func NewServer(api RunAPI, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the status broadcaster and disconnects WebSocket clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, prefix := range []string{"/v1", ""} {
		mux.HandleFunc(prefix+"/status", s.corsMiddleware(s.handleStatus))
		mux.HandleFunc(prefix+"/start", s.corsMiddleware(s.handleStart))
		mux.HandleFunc(prefix+"/stop", s.corsMiddleware(s.handleStop))
		mux.HandleFunc(prefix+"/history", s.corsMiddleware(s.handleHistory))
		mux.HandleFunc(prefix+"/history/", s.corsMiddleware(s.handleHistoryDetail))
		mux.HandleFunc(prefix+"/ws", s.wsServer.Handler())
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, runner.ErrBusy), errors.Is(err, runner.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrNoStorage):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// handleStatus returns the service status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// handleStart starts a new run.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runner.Request
	if r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.api.Start(req)
	if err != nil {
		s.logger.Error("failed to start run", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to start run: "+err.Error(), errorStatus(err))
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "runId": id})
}

// handleStop cancels the active run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.api.Stop(); err != nil {
		s.writeJSONError(w, err.Error(), errorStatus(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleHistory returns run history with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.api.History(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), errorStatus(err))
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles GET, PATCH and DELETE on /history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1")
	id := strings.Trim(strings.TrimPrefix(path, "/history/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeJSONError(w, "Missing or invalid run ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), id); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), errorStatus(err))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.RunMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if update.Name != nil && len(*update.Name) > maxNameLength {
			s.writeJSONError(w, fmt.Sprintf("name exceeds maximum length of %d", maxNameLength), http.StatusBadRequest)
			return
		}
		if err := s.api.UpdateRun(r.Context(), id, &update); err != nil {
			s.writeJSONError(w, "Failed to update run: "+err.Error(), errorStatus(err))
			return
		}
		detail, err := s.api.RunDetail(r.Context(), id)
		if err != nil {
			s.writeJSONError(w, "Failed to get updated run: "+err.Error(), errorStatus(err))
			return
		}
		s.writeJSON(w, http.StatusOK, detail.Run)

	case http.MethodGet:
		detail, err := s.api.RunDetail(r.Context(), id)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), errorStatus(err))
			return
		}
		s.writeJSON(w, http.StatusOK, detail)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	ready := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		start := time.Now()
		err := s.health.CheckNode(ctx)
		cancel()

		check := ReadinessCheck{Name: "node-rpc", Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			ready = false
		}
		checks = append(checks, check)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}
