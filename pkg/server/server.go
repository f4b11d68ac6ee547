// Package server provides the operational HTTP surface of a mapper
// deployment: health and readiness probes plus the Prometheus metrics
// endpoint for the engine's instruments.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds configuration for the ops server.
type Config struct {
	// HTTPPort is the listen address, e.g. ":8080". ":0" picks a free port.
	HTTPPort string
}

// OpsServer serves /healthz, /readyz and /metrics. Readiness starts false
// and is flipped by the owner once the mapper service is running.
type OpsServer struct {
	logger     zerolog.Logger
	httpPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	ready      atomic.Bool

	mu         sync.RWMutex
	actualAddr string
}

// New creates an OpsServer exposing the given Prometheus registry. The
// registry may be nil, in which case no metrics endpoint is mounted.
func New(cfg Config, registry *prometheus.Registry, logger zerolog.Logger) *OpsServer {
	s := &OpsServer{
		logger:   logger.With().Str("component", "OpsServer").Logger(),
		httpPort: cfg.HTTPPort,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", healthzHandler)
	s.mux.HandleFunc("/readyz", s.readyzHandler)
	if registry != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	s.httpServer = &http.Server{Addr: cfg.HTTPPort, Handler: s.mux}
	return s
}

// Start begins listening in a background goroutine.
func (s *OpsServer) Start() error {
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.httpPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("Ops server listening.")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ops server failed.")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server, respecting the context's deadline.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down ops server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("Ops server stopped.")
	return nil
}

// SetReady flips the readiness probe; call it once the mapper service has
// built its caches and connected its transports.
func (s *OpsServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Addr returns the actual listen address once started.
func (s *OpsServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualAddr
}

// Mux returns the underlying ServeMux so owners can mount extra handlers.
func (s *OpsServer) Mux() *http.ServeMux {
	return s.mux
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *OpsServer) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
