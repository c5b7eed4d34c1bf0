// Package api serves the machine state over HTTP and the gRPC health
// protocol.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Laixer/Glonax/internal/models"
	"github.com/Laixer/Glonax/internal/transport"
)

// StateSource assembles the current machine state.
type StateSource interface {
	Snapshot() models.Snapshot
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Port     int
	GRPCPort int
	Instance models.Instance

	// StatsConn and StatsTable enable the recorded statistics endpoints.
	StatsConn  driver.Conn
	StatsTable string
}

// Server represents the HTTP API server
type Server struct {
	server     *http.Server
	grpcServer *GRPCServer
	statsAPI   *StatsAPI
	state      StateSource
	hub        *transport.Hub
	instance   models.Instance
	logger     *slog.Logger
}

// NewServer creates a new API server instance. hub may be nil, in which
// case no WebSocket stream is served.
func NewServer(config ServerConfig, state StateSource, hub *transport.Hub, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "api")

	server := &Server{
		state:    state,
		hub:      hub,
		instance: config.Instance,
		logger:   logger,
	}

	if config.StatsConn != nil {
		server.statsAPI = NewStatsAPI(config.StatsConn, config.StatsTable)
	}

	if config.GRPCPort > 0 {
		var err error
		server.grpcServer, err = NewGRPCServer(config.GRPCPort, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC server: %w", err)
		}
	}

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return loggingMiddleware(s.logger, corsMiddleware(mux))
}

// GRPC returns the gRPC health server, if configured.
func (s *Server) GRPC() *GRPCServer { return s.grpcServer }

// setupRoutes configures all API routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/instance", s.handleInstance)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/state/{signal}", s.handleSignal)
	mux.HandleFunc("GET /api/drivers", s.handleDrivers)
	mux.HandleFunc("GET /api/networks", s.handleNetworks)

	if s.hub != nil {
		mux.Handle("GET /ws/state", transport.WebSocketHandler(s.hub, s.logger))
	}

	if s.statsAPI != nil {
		mux.HandleFunc("GET /api/stats/latest", s.statsAPI.GetLatestStats)
		mux.HandleFunc("GET /api/stats/history", s.statsAPI.GetStatsHistory)
	}
}

// handleRoot returns API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]any{
		"health":   "/health",
		"instance": "/api/instance",
		"state":    "/api/state",
		"signal":   "/api/state/{signal}",
		"drivers":  "/api/drivers",
		"networks": "/api/networks",
	}
	if s.hub != nil {
		endpoints["stream"] = "/ws/state"
	}
	if s.statsAPI != nil {
		endpoints["bus_stats"] = map[string]string{
			"latest":  "/api/stats/latest?interface=can0",
			"history": "/api/stats/history?interface=can0&start_time=2024-01-01T00:00:00Z&end_time=2024-01-02T00:00:00Z&limit=100",
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"name":      "glonaxd",
		"version":   s.instance.Version,
		"endpoints": endpoints,
	})
}

// handleHealth reports healthy while every network is connected.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()

	status, code := "healthy", http.StatusOK
	networks := make(map[string]string, len(snap.Networks))
	for _, n := range snap.Networks {
		networks[n.Interface] = n.State
		if n.State != "connected" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	respondWithJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": snap.Timestamp,
		"mode":      snap.Mode,
		"networks":  networks,
	})
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.instance)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("signal")
	v, ok := s.state.Snapshot().Signal(name)
	if !ok {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("no value for signal %q", name))
		return
	}
	respondWithJSON(w, http.StatusOK, v)
}

func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.state.Snapshot().Drivers)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.state.Snapshot().Networks)
}

// Start starts the API server
func (s *Server) Start() error {
	if s.grpcServer != nil {
		go func() {
			if err := s.grpcServer.Start(); err != nil {
				s.logger.Error("gRPC server error", "error", err)
			}
		}()
	}

	s.logger.Info("starting HTTP API server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}

	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
