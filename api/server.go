// Package api serves the read-only query surface over HTTP: the hive
// query endpoints, the process status endpoint, the Prometheus scrape
// endpoint, and the live WebSocket upgrade path.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/jyjeanne/arduibeescale/config"
	"github.com/jyjeanne/arduibeescale/errors"
	"github.com/jyjeanne/arduibeescale/store"
)

// Queries is the read-side store surface the API needs
type Queries interface {
	ListHives(ctx context.Context) ([]store.Hive, error)
	LatestReading(ctx context.Context, hiveID string) (*store.Reading, error)
	History(ctx context.Context, hiveID string, hours int) ([]store.Reading, error)
	HiveStats(ctx context.Context, hiveID string, hours int) (*store.Stats, error)
	TotalCounts(ctx context.Context) (*store.Counts, error)
}

// LiveChannel is the hub surface the API mounts and reports on
type LiveChannel interface {
	http.Handler
	SessionCount() int
}

// ServerDeps holds runtime dependencies for the API server
type ServerDeps struct {
	Config config.HTTPConfig
	WSPath string
	Store  Queries
	Hub    LiveChannel
	// BrokerStatus reports the connector state for /api/status.
	BrokerStatus func() string
	// BrokerReconnects reports how often the connector re-entered its
	// connect phase after losing an established connection.
	BrokerReconnects func() int64
	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// Server is the HTTP query API server
type Server struct {
	cfg              config.HTTPConfig
	wsPath           string
	store            Queries
	hub              LiveChannel
	brokerStatus     func() string
	brokerReconnects func() int64
	metricsHandler   http.Handler
	logger           *slog.Logger

	handler http.Handler
	server  *http.Server
}

// envelope is the uniform response shape for all API endpoints
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewServer creates an API server from its dependencies
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}

	return &Server{
		cfg:              deps.Config,
		wsPath:           deps.WSPath,
		store:            deps.Store,
		hub:              deps.Hub,
		brokerStatus:     deps.BrokerStatus,
		brokerReconnects: deps.BrokerReconnects,
		metricsHandler:   deps.MetricsHandler,
		logger:           logger,
	}
}

// Initialize builds the router and middleware chain
func (s *Server) Initialize() error {
	if s.store == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize", "store validation")
	}
	if s.cfg.Port <= 0 || s.cfg.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: invalid port %d", errors.ErrInvalidConfig, s.cfg.Port),
			"Server", "Initialize", "port validation")
	}

	router := mux.NewRouter()

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/hives", s.handleListHives).Methods(http.MethodGet)
	apiRouter.HandleFunc("/hives/{hive_id}/latest", s.handleLatest).Methods(http.MethodGet)
	apiRouter.HandleFunc("/hives/{hive_id}/history", s.handleHistory).Methods(http.MethodGet)
	apiRouter.HandleFunc("/hives/{hive_id}/stats", s.handleStats).Methods(http.MethodGet)
	apiRouter.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	if s.hub != nil {
		wsPath := s.wsPath
		if wsPath == "" {
			wsPath = "/ws"
		}
		router.Handle(wsPath, s.hub)
	}
	if s.metricsHandler != nil {
		router.Handle("/metrics", s.metricsHandler)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})

	s.handler = s.recoverMiddleware(corsMiddleware.Handler(router))
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

// Handler exposes the full middleware chain, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the HTTP server until the context is cancelled or Stop is
// called. It blocks; callers run it in its own goroutine or errgroup.
func (s *Server) Start(ctx context.Context) error {
	if s.server == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Start", "server not initialized")
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapTransient(err, "Server", "Start", "serve")
		}
		return nil
	}
}

// Stop shuts the HTTP server down gracefully
func (s *Server) Stop(timeout time.Duration) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown")
	}
	return nil
}

// recoverMiddleware keeps a handler panic from taking the serving
// context down with it.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Handler panic recovered",
					"path", r.URL.Path, "panic", rec)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListHives(w http.ResponseWriter, r *http.Request) {
	hives, err := s.store.ListHives(r.Context())
	if err != nil {
		s.logger.Error("Hive list query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query hives")
		return
	}
	if hives == nil {
		hives = []store.Hive{}
	}

	s.writeSuccess(w, map[string]any{
		"hives": hives,
		"count": len(hives),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	hiveID := mux.Vars(r)["hive_id"]

	reading, err := s.store.LatestReading(r.Context(), hiveID)
	if err != nil {
		if errors.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "no readings found for hive")
			return
		}
		s.logger.Error("Latest reading query failed", "hive_id", hiveID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query latest reading")
		return
	}

	s.writeSuccess(w, map[string]any{
		"hive_id": hiveID,
		"reading": reading,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hiveID := mux.Vars(r)["hive_id"]
	hours := parseHours(r)

	readings, err := s.store.History(r.Context(), hiveID, hours)
	if err != nil {
		s.logger.Error("History query failed", "hive_id", hiveID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if readings == nil {
		readings = []store.Reading{}
	}

	s.writeSuccess(w, map[string]any{
		"hive_id":  hiveID,
		"hours":    store.ClampHours(hours),
		"readings": readings,
		"count":    len(readings),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hiveID := mux.Vars(r)["hive_id"]
	hours := parseHours(r)

	stats, err := s.store.HiveStats(r.Context(), hiveID, hours)
	if err != nil {
		if errors.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "no readings found for hive in window")
			return
		}
		s.logger.Error("Stats query failed", "hive_id", hiveID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query stats")
		return
	}

	s.writeSuccess(w, map[string]any{
		"hive_id": hiveID,
		"hours":   store.ClampHours(hours),
		"stats":   stats,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.TotalCounts(r.Context())
	if err != nil {
		s.logger.Error("Status query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query status")
		return
	}

	sessions := 0
	if s.hub != nil {
		sessions = s.hub.SessionCount()
	}
	broker := "unknown"
	if s.brokerStatus != nil {
		broker = s.brokerStatus()
	}
	var reconnects int64
	if s.brokerReconnects != nil {
		reconnects = s.brokerReconnects()
	}

	s.writeSuccess(w, map[string]any{
		"hives":             counts.Hives,
		"readings":          counts.Readings,
		"live_sessions":     sessions,
		"broker_status":     broker,
		"broker_reconnects": reconnects,
	})
}

// parseHours reads the hours query parameter, defaulting to the standard
// window on absence or garbage. Range clamping happens in the store.
func parseHours(r *http.Request) int {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return store.DefaultWindowHours
	}
	hours, err := strconv.Atoi(raw)
	if err != nil {
		return store.DefaultWindowHours
	}
	return hours
}

func (s *Server) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, envelope{Success: false, Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
