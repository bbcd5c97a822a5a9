// Praxis agent server: serves the session REST API and event streams,
// and runs the agent execution core behind them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/praxis-works/praxis/pkg/api"
	"github.com/praxis-works/praxis/pkg/cleanup"
	"github.com/praxis-works/praxis/pkg/config"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/masking"
	"github.com/praxis-works/praxis/pkg/mcp"
	"github.com/praxis-works/praxis/pkg/notify"
	"github.com/praxis-works/praxis/pkg/orchestrator"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/session"
	"github.com/praxis-works/praxis/pkg/tools"
	"github.com/praxis-works/praxis/pkg/trace"
	"github.com/praxis-works/praxis/pkg/version"
)

// shutdownTimeout bounds the orchestrator drain; active runs past it are
// cancelled rather than awaited.
const shutdownTimeout = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", config.DefaultConfigDir),
		"Path to the configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment (provider keys, {{.VAR}} config references).
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	logger := setupLogger(cfg.Log)

	logger.Info("Starting praxis",
		"version", version.Full(),
		"addr", cfg.Server.Addr(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 2. Core state: session store, event bus, trace recorder
	store := session.NewStore()
	bus := events.NewBus(logger, 0)

	var traces *trace.Recorder
	if cfg.Trace.IsEnabled() {
		traces = trace.NewRecorder(cfg.Trace.Limit)
	}
	var traceDropper services.TraceDropper
	if traces != nil {
		traceDropper = traces
	}

	sessionService := services.NewSessionService(store, bus, traceDropper, logger)
	warningsService := services.NewSystemWarningsService()

	// 3. Tool control plane
	registry := tools.NewRegistry()
	timeouts := tools.NewTimeoutManager(cfg.Tools.DefaultTimeout.Std())
	for key, d := range cfg.Tools.Timeouts {
		timeouts.SetTimeout(key, d.Std())
	}
	slots := tools.NewConcurrencyManager(
		cfg.Tools.Concurrency.DefaultLimit,
		cfg.Tools.Concurrency.AcquireTimeout.Std(),
		logger)
	for name, limit := range cfg.Tools.Concurrency.Limits {
		slots.SetLimit(name, limit)
	}
	executor := tools.NewExecutor(
		registry,
		timeouts,
		tools.NewRetryManager(cfg.Tools.Retry.Policy()),
		slots,
		tools.NewRecoveryManager(),
		tools.NewMetricsCollector(0, 0),
		logger)
	executor.SetMasker(masking.NewService(cfg.Masking, logger))
	logger.Info("Tool control plane initialized")

	// 4. MCP manager and health monitor
	mcpManager := mcp.NewManager(registry, logger)
	healthMonitor := mcp.NewHealthMonitor(mcpManager, warningsService, logger)

	// 5. Orchestrator: rules, environments, runs, background tasks
	orch, err := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Store:     store,
		Sessions:  sessionService,
		Bus:       bus,
		Registry:  registry,
		Executor:  executor,
		MCP:       mcpManager,
		Logger:    logger,
		Warnings:  warningsService,
		Traces:    traces,
		Health:    healthMonitor,
		Forwarder: notify.NewForwarder(cfg.Notify.ForwarderConfig(), logger),
	})
	if err != nil {
		logger.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}
	if err := orch.Start(ctx); err != nil {
		logger.Error("Failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	logger.Info("Orchestrator started", "environment", orch.EnvironmentName())

	// 6. Retention sweeper for finished background-task sessions
	sweeper := cleanup.NewService(cleanup.Config{
		TaskSessionTTL: cfg.Cleanup.TaskSessionTTL.Std(),
		Interval:       cfg.Cleanup.Interval.Std(),
	}, sessionService, orch.Busy, logger)
	sweeper.Start(ctx)

	// 7. HTTP server
	httpServer := api.NewServer(cfg.Server, sessionService, orch, bus, logger)
	httpServer.SetWarningsService(warningsService)
	httpServer.SetMCPManager(mcpManager)
	if traces != nil {
		httpServer.SetTraceRecorder(traces)
	}

	// 8. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain runs first so terminal events still
	// reach connected streams, then stop the HTTP server.
	sweeper.Stop()

	drainCtx, drainCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer drainCancel()
	if err := orch.Shutdown(drainCtx); err != nil {
		logger.Warn("Orchestrator shutdown incomplete", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
