// Package webui exposes the HTTP surface: submission, queue inspection,
// admin mutations, logs, usage, health, and Prometheus metrics.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imageforge/pkg/admission"
	"imageforge/pkg/config"
	"imageforge/pkg/dispatch"
	"imageforge/pkg/health"
	"imageforge/pkg/inspect"
	"imageforge/pkg/logx"
	"imageforge/pkg/metrics"
	"imageforge/pkg/queue"
)

// opsUsername is the fixed Basic Auth username for admin endpoints.
const opsUsername = "imageforge"

// Server serves the generation API and the operator surface.
type Server struct {
	admission  *admission.Controller
	inspector  *inspect.Inspector
	queue      *queue.RequestQueue
	dispatcher *dispatch.Dispatcher
	usage      *metrics.QueryService // nil when no Prometheus URL configured
	queueCfg   config.QueueConfig
	logger     *logx.Logger
}

// NewServer creates the HTTP server over the queue subsystem.
func NewServer(ctrl *admission.Controller, inspector *inspect.Inspector, q *queue.RequestQueue, d *dispatch.Dispatcher, usage *metrics.QueryService, queueCfg config.QueueConfig) *Server {
	return &Server{
		admission:  ctrl,
		inspector:  inspector,
		queue:      q,
		dispatcher: d,
		usage:      usage,
		queueCfg:   queueCfg,
		logger:     logx.NewLogger("webui"),
	}
}

// requireAuth wraps admin handlers with Basic Auth against the ops password.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := config.GetOpsPassword()
		if expected == "" {
			s.logger.Error("ops password not set, denying access")
			w.Header().Set("WWW-Authenticate", `Basic realm="ImageForge Ops"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="ImageForge Ops"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userOK := username == opsUsername
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1
		if !userOK || !passOK {
			s.logger.Warn("failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			w.Header().Set("WWW-Authenticate", `Basic realm="ImageForge Ops"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Submission surface.
	mux.HandleFunc("/api/generations", s.handleGenerations)
	mux.HandleFunc("/api/generations/", s.handleGeneration)

	// Operator surface, protected by basic auth.
	mux.HandleFunc("/api/queue", s.requireAuth(s.handleQueueSnapshot))
	mux.HandleFunc("/api/queue/clear", s.requireAuth(s.handleQueueClear))
	mux.HandleFunc("/api/queue/requests/", s.requireAuth(s.handleQueueRequest))
	mux.HandleFunc("/api/logs", s.requireAuth(s.handleLogs))
	mux.HandleFunc("/api/usage", s.requireAuth(s.handleUsage))

	// Unauthenticated probes.
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleGenerations implements POST /api/generations: submit a prompt for
// generation. The response carries the admission verdict; accepted requests
// proceed asynchronously.
func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.dispatcher != nil && !s.dispatcher.Running() {
		http.Error(w, "Service shutting down", http.StatusServiceUnavailable)
		return
	}

	var sub admission.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	verdict, err := s.admission.Accept(r.Context(), sub)
	if err != nil {
		s.logger.Error("admission failed: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if !verdict.Accepted {
		status = rejectionStatus(verdict.Reason)
	}
	s.writeJSON(w, status, verdict)
}

func rejectionStatus(reason string) int {
	switch reason {
	case admission.ReasonQueueFull:
		return http.StatusTooManyRequests
	case admission.ReasonDuplicateRequest:
		return http.StatusConflict
	case admission.ReasonInsufficientCredit:
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}

// handleGeneration implements GET /api/generations/{id}: poll one request's
// status. Submitters learn terminal outcomes here, never synchronously.
func (s *Server) handleGeneration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/generations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}

	req, exists := s.queue.Get(id)
	if !exists {
		http.Error(w, "Request not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

// handleQueueSnapshot implements GET /api/queue.
func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.inspector.Snapshot())
}

// handleQueueClear implements POST /api/queue/clear.
func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cleared := s.inspector.Clear()
	s.writeJSON(w, http.StatusOK, map[string]int{"clearedCount": cleared})
}

// handleQueueRequest implements DELETE /api/queue/requests/{id}.
func (s *Server) handleQueueRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/queue/requests/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Invalid request id", http.StatusBadRequest)
		return
	}

	if err := s.inspector.Remove(id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "Request not found", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusConflict)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

// handleLogs implements GET /api/logs?component=dispatch&since=RFC3339.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	component := r.URL.Query().Get("component")
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	entries := logx.RecentEntries(component, since)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

// handleUsage implements GET /api/usage[?provider=x]: dispatch usage
// aggregated from Prometheus.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.usage == nil {
		http.Error(w, "Usage reporting not configured", http.StatusNotImplemented)
		return
	}

	if provider := r.URL.Query().Get("provider"); provider != "" {
		usage, err := s.usage.GetProviderUsage(r.Context(), provider)
		if err != nil {
			s.logger.Error("usage query failed: %v", err)
			http.Error(w, "Usage query failed", http.StatusBadGateway)
			return
		}
		s.writeJSON(w, http.StatusOK, usage)
		return
	}

	all, err := s.usage.GetAllProviderUsage(r.Context())
	if err != nil {
		s.logger.Error("usage query failed: %v", err)
		http.Error(w, "Usage query failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

// handleHealth implements GET /healthz. The HTTP status mirrors the verdict
// so load balancers can act on it directly.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := health.Check(s.queue, s.queueCfg)
	status := http.StatusOK
	if report.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}

// StartServer starts the HTTP server and shuts it down gracefully when the
// context is cancelled. Non-blocking.
func (s *Server) StartServer(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", host, port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting API server on %s", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		// Parent context is already cancelled; shutdown needs a fresh one.
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // fresh context required after parent cancellation
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return nil
}
