// Package main implements the entry point for the BeezScale telemetry
// pipeline. The process ingests beehive sensor telemetry from a NATS
// broker, persists it to SQLite, and serves a query API plus a live
// WebSocket channel for connected dashboards.
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

	"golang.org/x/sync/errgroup"

	"github.com/jyjeanne/arduibeescale/api"
	"github.com/jyjeanne/arduibeescale/config"
	"github.com/jyjeanne/arduibeescale/ingest"
	"github.com/jyjeanne/arduibeescale/live"
	"github.com/jyjeanne/arduibeescale/metric"
	"github.com/jyjeanne/arduibeescale/store"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "beezscale"
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

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	logger.Info("Starting BeezScale telemetry pipeline",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"db_path", cfg.Database.Path,
		"subject", cfg.NATS.Subject)

	// A broken schema is unrecoverable, surface it as a startup failure.
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open entity store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Entity store close failed", "error", err)
		}
	}()

	registry := metric.NewRegistry()

	hub := live.NewHub(live.HubDeps{
		Store:   db,
		Metrics: registry.Metrics,
		Logger:  logger.With("component", "live-hub"),
	})
	if err := hub.Initialize(); err != nil {
		return fmt.Errorf("initialize hub: %w", err)
	}

	connector := ingest.NewConnector(ingest.ConnectorDeps{
		Config:  cfg.NATS,
		Store:   db,
		Hub:     hub,
		Metrics: registry.Metrics,
		Logger:  logger.With("component", "connector"),
	})
	if err := connector.Initialize(); err != nil {
		return fmt.Errorf("initialize connector: %w", err)
	}

	server := api.NewServer(api.ServerDeps{
		Config:           cfg.HTTP,
		WSPath:           cfg.WebSocket.Path,
		Store:            db,
		Hub:              hub,
		BrokerStatus:     func() string { return connector.Status().String() },
		BrokerReconnects: connector.Reconnects,
		MetricsHandler:   registry.Handler(),
		Logger:           logger.With("component", "api"),
	})
	if err := server.Initialize(); err != nil {
		return fmt.Errorf("initialize api server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	if err := connector.Start(ctx); err != nil {
		return fmt.Errorf("start connector: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return shutdown(server, connector, hub, cliCfg.ShutdownTimeout, logger)
	})

	err = group.Wait()
	logger.Info("BeezScale stopped")
	return err
}

// shutdown stops the components in reverse startup order
func shutdown(server *api.Server, connector *ingest.Connector, hub *live.Hub,
	timeout time.Duration, logger *slog.Logger) error {
	logger.Info("Shutting down", "timeout", timeout)

	var firstErr error
	if err := server.Stop(timeout); err != nil {
		logger.Warn("API server stop failed", "error", err)
		firstErr = err
	}
	if err := connector.Stop(timeout); err != nil {
		logger.Warn("Connector stop failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := hub.Stop(timeout); err != nil {
		logger.Warn("Hub stop failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
