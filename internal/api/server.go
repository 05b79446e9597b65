package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/epoch"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/sgerhart/aegisflux/backend/exposure/internal/store"
)

// DefaultListLimit is used when /iterations is called without a limit
const DefaultListLimit = 20

// MaxListLimit caps the limit query parameter
const MaxListLimit = 500

// Trigger runs one epoch on demand
type Trigger interface {
	RunOnce(ctx context.Context) (model.Iteration, error)
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Server exposes the episodic record over HTTP
type Server struct {
	store    store.Store
	trigger  Trigger
	checks   map[string]ReadinessCheck
	gatherer prometheus.Gatherer
	router   *mux.Router
	logger   *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithTrigger enables POST /epochs
func WithTrigger(t Trigger) Option {
	return func(s *Server) { s.trigger = t }
}

// WithReadinessCheck adds a named dependency check to /readyz
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithGatherer serves /metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates the API server
func NewServer(st store.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		store:    st,
		checks:   make(map[string]ReadinessCheck),
		gatherer: prometheus.DefaultGatherer,
		router:   mux.NewRouter(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	s.router.HandleFunc("/iterations", s.handleListIterations).Methods("GET")
	s.router.HandleFunc("/iterations/latest", s.handleLatestIteration).Methods("GET")
	s.router.HandleFunc("/iterations/{iteration_id}", s.handleGetIteration).Methods("GET")

	s.router.HandleFunc("/graph", s.handleGraph).Methods("GET")
	s.router.HandleFunc("/exploitation", s.handleExploitation).Methods("GET")
	s.router.HandleFunc("/registry", s.handleRegistry).Methods("GET")

	s.router.HandleFunc("/epochs", s.handleRunEpoch).Methods("POST")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "exposure",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := map[string]string{}

	if _, err := s.store.Count(ctx); err != nil {
		results["store"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		results["store"] = "ok"
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	ready := "ready"
	if status != http.StatusOK {
		ready = "not ready"
	}
	s.writeJSONResponse(w, status, map[string]interface{}{
		"status": ready,
		"checks": results,
	})
}

func (s *Server) handleListIterations(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxListLimit)
	}

	iterations, err := s.store.RecentIterations(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list iterations", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list iterations")
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"iterations": iterations,
		"count":      len(iterations),
	})
}

func (s *Server) handleLatestIteration(w http.ResponseWriter, r *http.Request) {
	it, ok := s.latest(w, r)
	if !ok {
		return
	}
	s.writeJSONResponse(w, http.StatusOK, it)
}

func (s *Server) handleGetIteration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["iteration_id"]

	it, err := s.store.Iteration(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, "Iteration not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to get iteration", "iteration_id", id, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to get iteration")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, it)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	it, ok := s.latest(w, r)
	if !ok {
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"epoch": it.Epoch,
		"graph": it.InferredAttackGraph,
	})
}

func (s *Server) handleExploitation(w http.ResponseWriter, r *http.Request) {
	it, ok := s.latest(w, r)
	if !ok {
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"epoch":           it.Epoch,
		"lockdown":        it.LockdownStatus,
		"containers":      it.ContainersExploitation,
		"selected":        it.SelectedContainer,
		"security_events": it.SecurityEvents,
	})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	it, ok := s.latest(w, r)
	if !ok {
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"epoch":    it.Epoch,
		"registry": it.ExposureRegistry,
	})
}

func (s *Server) handleRunEpoch(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "Manual epochs are disabled")
		return
	}

	it, err := s.trigger.RunOnce(r.Context())
	if errors.Is(err, epoch.ErrBusy) {
		s.writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Manual epoch failed", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Epoch failed: "+err.Error())
		return
	}

	s.logger.Info("Manual epoch completed", "epoch", it.Epoch, "iteration_id", it.ID)
	s.writeJSONResponse(w, http.StatusCreated, it)
}

// latest writes a 404 and returns false when nothing is stored yet
func (s *Server) latest(w http.ResponseWriter, r *http.Request) (model.Iteration, bool) {
	recent, err := s.store.RecentIterations(r.Context(), 1)
	if err != nil {
		s.logger.Error("Failed to read latest iteration", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read latest iteration")
		return model.Iteration{}, false
	}
	if len(recent) == 0 {
		s.writeErrorResponse(w, http.StatusNotFound, "No iterations recorded")
		return model.Iteration{}, false
	}
	return recent[0], true
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
