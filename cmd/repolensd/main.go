package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/repolens-dev/repolens/internal/api"
	"github.com/repolens-dev/repolens/internal/config"
	"github.com/repolens-dev/repolens/internal/dispatcher"
	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/orchestrator"
	"github.com/repolens-dev/repolens/internal/pipeline"
	"github.com/repolens-dev/repolens/internal/statusbus"
	"github.com/repolens-dev/repolens/internal/store"
	"github.com/repolens-dev/repolens/internal/tools"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "repolens.toml", "path to config file")
	once := flag.Bool("once", false, "drain the queue once then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	// Secrets commonly live in a local .env during development.
	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var cfg *config.Config
	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) {
		logger.Info("no config file, using defaults", "path", *configPath)
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)
	logger.Info("repolens starting", "config", *configPath)

	dbPath := config.ExpandHome(cfg.General.StateDB)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Error("failed to create state directory", "path", dbPath, "error", err)
		os.Exit(1)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.EnsureDefaultPrompts(pipeline.DefaultTierPrompts()); err != nil {
		logger.Error("failed to seed tier prompts", "error", err)
		os.Exit(1)
	}

	bus := statusbus.New()
	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout.Duration)
	github := tools.NewGitHubClient(cfg.GitHub.BaseURL, cfg.GitHub.Timeout.Duration)

	registry := tools.NewRegistry()
	registry.RegisterMany(tools.GitHubTools(github))
	registry.RegisterMany(tools.DatabaseTools())
	registry.RegisterMany(tools.AnalyticsTools())

	loop := orchestrator.New(registry, llmClient, st, logger.With("component", "orchestrator"))
	pl := pipeline.New(st, llmClient, github, bus,
		logger.With("component", "pipeline"), cfg.GitHub.Token, cfg.Pipeline.WorkerConcurrency)
	disp := dispatcher.New(st, pl, bus, logger.With("component", "dispatcher"), dispatcher.Options{
		Interval:    cfg.Dispatch.Interval.Duration,
		Lease:       cfg.Dispatch.Lease.Duration,
		BatchSize:   cfg.Dispatch.BatchSize,
		Concurrency: cfg.Dispatch.Concurrency,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		logger.Info("draining queue (-once mode)", "worker_id", disp.WorkerID())
		if err := disp.RunOnce(ctx); err != nil {
			logger.Error("drain failed", "error", err)
			os.Exit(1)
		}
		logger.Info("queue drained, exiting")
		return
	}

	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher error", "error", err)
		}
	}()

	apiSrv := api.NewServer(cfg, st, bus, loop, llmClient, logger.With("component", "api"))
	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("repolens running",
		"bind", cfg.API.Bind,
		"worker_id", disp.WorkerID(),
		"dispatch_interval", cfg.Dispatch.Interval.Duration.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	shutdownStart := time.Now()
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	time.Sleep(200 * time.Millisecond)
	logger.Info("repolens stopped", "shutdown_duration", time.Since(shutdownStart).String())
}
