// Package http exposes the exporter's HTTP surface: the Prometheus
// exposition endpoint and the service-discovery target endpoints.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsmill/infrahub-exporter/config"
	"github.com/opsmill/infrahub-exporter/discovery"
	"github.com/opsmill/infrahub-exporter/errors"
	"github.com/opsmill/infrahub-exporter/metric"
)

// Server serves the exporter's HTTP endpoints.
type Server struct {
	settings  *config.Settings
	registry  *metric.Registry
	discovery *discovery.Manager

	server *http.Server
	mu     sync.Mutex
}

// NewServer creates a server for the configured endpoints. The discovery
// manager may be nil when service discovery is disabled.
func NewServer(settings *config.Settings, registry *metric.Registry, manager *discovery.Manager) *Server {
	return &Server{
		settings:  settings,
		registry:  registry,
		discovery: manager,
	}
}

// Start binds the listen address and begins serving in the background.
// Bind failures are reported synchronously.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}

	addr := net.JoinHostPort(s.settings.ListenAddress, strconv.Itoa(s.settings.ListenPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("failed to bind %s", addr))
	}

	s.server = &http.Server{
		Handler:           s.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server terminated", "error", err)
		}
	}()

	slog.Info("Started HTTP server", "address", addr)
	return nil
}

// Stop shuts the server down, waiting up to the timeout for in-flight
// requests to drain.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	slog.Info("Stopped HTTP server")
	return nil
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if s.settings.Exporters.Prometheus.Enabled {
		mux.Handle(s.settings.Exporters.Prometheus.MetricsPath, promhttp.HandlerFor(
			s.registry.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
	}

	if s.settings.ServiceDiscovery.Enabled && s.discovery != nil {
		for i := range s.settings.ServiceDiscovery.Queries {
			query := &s.settings.ServiceDiscovery.Queries[i]
			mux.HandleFunc("/sd/"+query.Name, s.discoveryHandler(query))
			slog.Info("Registered service discovery endpoint",
				"path", "/sd/"+query.Name, "refresh_interval_seconds", query.RefreshIntervalSeconds)
		}
	}

	return mux
}

// discoveryHandler serves one query's target list. Responses always carry
// the refresh-interval header so Prometheus paces its re-fetches.
func (s *Server) discoveryHandler(query *config.ServiceDiscoveryQuery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets := s.discovery.GetTargets(r.Context(), query)
		if targets == nil {
			targets = []discovery.TargetGroup{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Prometheus-Refresh-Interval-Seconds",
			strconv.Itoa(query.RefreshIntervalSeconds))
		if err := json.NewEncoder(w).Encode(targets); err != nil {
			slog.Error("Failed to encode service discovery response",
				"query", query.Name, "error", err)
		}
	}
}
