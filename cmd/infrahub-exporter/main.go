// Package main implements the entry point for the Infrahub exporter, a
// bridge that exports Infrahub infrastructure data as Prometheus metrics,
// OpenTelemetry metrics, and Prometheus HTTP service-discovery targets.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/opsmill/infrahub-exporter/config"
	"github.com/opsmill/infrahub-exporter/discovery"
	"github.com/opsmill/infrahub-exporter/exporter"
	gatewayhttp "github.com/opsmill/infrahub-exporter/gateway/http"
	"github.com/opsmill/infrahub-exporter/infrahub"
	"github.com/opsmill/infrahub-exporter/metric"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "infrahub-exporter"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	settings, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The CLI flag overrides the settings file's log level
	level := settings.LogLevel
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	slog.SetDefault(setupLogger(level, cliCfg.LogFormat))

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting Infrahub exporter",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"infrahub_address", settings.Infrahub.Address,
		"branch", settings.Infrahub.Branch)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	return runExporter(signalCtx, settings, cliCfg.ShutdownTimeout)
}

// runExporter wires the components together, starts them, and blocks until
// shutdown is requested.
func runExporter(ctx context.Context, settings *config.Settings, shutdownTimeout time.Duration) error {
	client := infrahub.NewHTTPClient(infrahub.Options{
		Address: settings.Infrahub.Address,
		Token:   settings.Infrahub.Token,
		Branch:  settings.Infrahub.Branch,
	})

	registry := metric.NewRegistry()
	store := exporter.NewStore()
	kinds := settings.Metrics.Kind

	collector := exporter.NewCollector(store, kinds)
	if err := registry.Register("infrahub-kinds", collector); err != nil {
		return fmt.Errorf("register kind collector: %w", err)
	}

	poller := exporter.NewPoller(client, store, kinds, settings.Infrahub.Branch,
		time.Duration(settings.PollIntervalSeconds)*time.Second, registry.Metrics)
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer func() {
		if err := poller.Stop(shutdownTimeout); err != nil {
			slog.Error("Error stopping poller", "error", err)
		}
	}()

	var publisher *exporter.OTLPPublisher
	if settings.Exporters.OTLP.Enabled {
		var err error
		publisher, err = exporter.NewOTLPPublisher(ctx, settings.Exporters.OTLP, store, kinds)
		if err != nil {
			return fmt.Errorf("start OTLP publisher: %w", err)
		}
		slog.Info("Started OTLP metric publisher", "endpoint", settings.Exporters.OTLP.Endpoint)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := publisher.Shutdown(shutdownCtx); err != nil {
				slog.Error("Error stopping OTLP publisher", "error", err)
			}
		}()
	}

	var manager *discovery.Manager
	if settings.ServiceDiscovery.Enabled {
		manager = discovery.NewManager(client, registry.Metrics)
	}

	server := gatewayhttp.NewServer(settings, registry, manager)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	defer func() {
		if err := server.Stop(shutdownTimeout); err != nil {
			slog.Error("Error stopping HTTP server", "error", err)
		}
	}()

	slog.Info("Infrahub exporter started",
		"prometheus_enabled", settings.Exporters.Prometheus.Enabled,
		"otlp_enabled", settings.Exporters.OTLP.Enabled,
		"service_discovery_enabled", settings.ServiceDiscovery.Enabled,
		"kinds", len(kinds))

	<-ctx.Done()
	slog.Info("Received shutdown signal")
	return nil
}
