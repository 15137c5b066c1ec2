package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rickgao/sitestream/internal/connection"
	"github.com/rickgao/sitestream/internal/version"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pool is the supervisor surface the server exposes.
type Pool interface {
	Stats() connection.Stats
	Statuses() []connection.Status
	Subscriptions() []int64
	AddSubscriptions(ids []int64, start bool) (int, error)
	Consolidate(ctx context.Context) error
}

// Pinger checks a dependency, e.g. the archive database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server settings.
type Config struct {
	Port            int
	MetricsPath     string // Default: /metrics
	ShutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves h at the metrics path.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithTap serves h at /tap.
func WithTap(h http.Handler) Option {
	return func(s *Server) { s.tap = h }
}

// WithDatabase adds a database check to /health.
func WithDatabase(p Pinger) Option {
	return func(s *Server) { s.db = p }
}

// WithComponent adds a named stats snapshot to /health.
func WithComponent(name string, stats func() any) Option {
	return func(s *Server) { s.components[name] = stats }
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	pool   Pool
	logger *slog.Logger

	metrics    http.Handler
	tap        http.Handler
	db         Pinger
	components map[string]func() any

	router *mux.Router

	// Consolidations started over HTTP outlive the request.
	baseCtx context.Context
}

// New creates a Server for pool.
func New(cfg Config, pool Pool, opts ...Option) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:        cfg,
		pool:       pool,
		components: make(map[string]func() any),
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/debug/runners", s.handleRunners).Methods(http.MethodGet)
	r.HandleFunc("/debug/subscriptions", s.handleSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/subscriptions", s.handleAddSubscriptions).Methods(http.MethodPost)
	r.HandleFunc("/consolidate", s.handleConsolidate).Methods(http.MethodPost)
	if s.metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.metrics).Methods(http.MethodGet)
	}
	if s.tap != nil {
		r.Handle("/tap", s.tap)
	}
	return r
}

// Handler returns the route handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on cfg.Port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}

// healthResponse is the /health document.
type healthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Components map[string]any `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := s.pool.Stats()
	health := healthResponse{
		Status:     poolStatus(stats),
		Version:    version.Version,
		Components: map[string]any{"pool": stats},
	}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			health.Status = StatusUnhealthy
			health.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["database"] = "connected"
		}
	}

	for name, fn := range s.components {
		health.Components[name] = fn()
	}

	code := http.StatusOK
	if health.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// poolStatus grades the runner set: unhealthy when runners exist and none is
// healthy, degraded when some are unhealthy or the supervisor is not running.
func poolStatus(st connection.Stats) string {
	switch {
	case st.Runners > 0 && st.Healthy == 0:
		return StatusUnhealthy
	case st.Unhealthy > 0 || !st.Running:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	statuses := s.pool.Statuses()

	if v := r.URL.Query().Get("healthy"); v != "" {
		want, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "healthy must be a boolean")
			return
		}
		filtered := statuses[:0]
		for _, st := range statuses {
			if st.Healthy == want {
				filtered = append(filtered, st)
			}
		}
		statuses = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(statuses),
		"runners": statuses,
	})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	ids := s.pool.Subscriptions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(ids),
		"ids":   ids,
	})
}

// AddSubscriptionsRequest is the POST /subscriptions body.
type AddSubscriptionsRequest struct {
	IDs   []int64 `json:"ids"`
	Start *bool   `json:"start,omitempty"` // Default true
}

// AddSubscriptionsResponse is the POST /subscriptions reply.
type AddSubscriptionsResponse struct {
	Added int `json:"added"`
}

func (s *Server) handleAddSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req AddSubscriptionsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	start := req.Start == nil || *req.Start

	added, err := s.pool.AddSubscriptions(req.IDs, start)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, connection.ErrStopped) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err.Error())
		return
	}

	s.logger.Info("subscriptions added over http", "requested", len(req.IDs), "added", added)
	writeJSON(w, http.StatusOK, AddSubscriptionsResponse{Added: added})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, _ *http.Request) {
	ctx := s.baseCtx
	go func() {
		if err := s.pool.Consolidate(ctx); err != nil {
			s.logger.Warn("requested consolidation failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
