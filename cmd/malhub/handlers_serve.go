package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/config"
	"github.com/haasonsaas/malhub/internal/cron"
	"github.com/haasonsaas/malhub/internal/gateway"
	"github.com/haasonsaas/malhub/internal/mcp"
	"github.com/haasonsaas/malhub/internal/observability"
	"github.com/haasonsaas/malhub/internal/sessions"
)

const configReloadDebounce = 500 * time.Millisecond

// runServe wires every component and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, level := newLogger(cfg.Logging, os.Stderr)
	if debug {
		level.Set(slog.LevelDebug)
	}
	slog.SetDefault(logger)

	logger.Info("starting malhub",
		"version", version,
		"commit", commit,
		"config", configPath,
		"addr", cfg.Addr(),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" && !debug {
		go func() {
			err := config.Watch(ctx, configPath, configReloadDebounce, logger, func(next *config.Config) {
				level.Set(observability.LogLevelFromString(next.Logging.Level))
				logger.Info("log level reloaded", "level", next.Logging.Level)
			})
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	metrics := observability.NewMetrics()
	tracing := cfg.Observability.Tracing
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    tracing.ServiceName,
		ServiceVersion: firstNonEmpty(tracing.ServiceVersion, version),
		Environment:    tracing.Environment,
		Endpoint:       tracing.Endpoint,
		SamplingRate:   tracing.SamplingRate,
		Attributes:     tracing.Attributes,
		EnableInsecure: tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open thread store: %w", err)
	}
	defer store.Close()

	client := mcp.NewClient(cfg.MCP.ServerConfig(), logger)
	if err := client.Connect(ctx); err != nil {
		logger.Warn("tool catalog unavailable; agents will report unavailable",
			"url", cfg.MCP.URL,
			"error", err,
		)
	}
	defer client.Close()

	var provider agent.LLMProvider
	p, model, err := newProvider(cfg.LLM)
	if err != nil {
		logger.Warn("llm provider not configured; agents will report unavailable",
			"provider", cfg.LLM.DefaultProvider,
			"error", err,
		)
	} else {
		provider = p
	}

	registry, err := agent.NewRegistry(mcp.Catalog(client, logger), cfg.Variants(), agent.BuildOptions{
		Provider:       provider,
		Model:          model,
		MaxTokens:      cfg.Agent.MaxTokens,
		MaxIterations:  cfg.Agent.MaxIterations,
		Gate:           agent.NewGate(cfg.Agent.DestructiveTools),
		Executor:       executorConfig(cfg.Agent),
		RetryableTools: cfg.Agent.RetryableTools,
		Metrics:        metrics,
		Tracer:         tracer,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build agents: %w", err)
	}

	runner := agent.NewRunner(registry, agent.RunnerOptions{
		Store:       store,
		Locker:      sessions.NewLocalLocker(cfg.Locks.WaitTimeout),
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
		TurnTimeout: cfg.Agent.TurnTimeout,
	})

	opts := gateway.Options{
		Config:  cfg.Server,
		Runner:  runner,
		Catalog: client,
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	}

	if daily := cfg.Schedule.DailySummary; daily.Cron != "" {
		scheduler, err := startDailySummary(ctx, runner, daily, cfg.Agent.TurnTimeout, logger)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := scheduler.Stop(stopCtx); err != nil {
				logger.Warn("scheduler stop failed", "error", err)
			}
		}()
		opts.Summaries = scheduler
	}

	server, err := gateway.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("malhub started",
		"addr", server.Addr(),
		"agents", registry.Available(),
		"tools", len(client.Tools()),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	logger.Info("malhub stopped gracefully")
	return nil
}

func newLogger(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, *slog.LevelVar) {
	return observability.NewLogger(observability.LogConfig{
		Level:     cfg.Level,
		Format:    cfg.Format,
		Output:    out,
		AddSource: cfg.AddSource,
	})
}

func openStore(cfg config.StoreConfig) (sessions.Store, error) {
	return sessions.Open(sessions.Options{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
}

func executorConfig(cfg config.AgentConfig) *agent.ExecutorConfig {
	return &agent.ExecutorConfig{
		MaxConcurrency: cfg.ToolConcurrency,
		DefaultTimeout: cfg.ToolTimeout,
		DefaultRetries: cfg.ToolRetries,
	}
}

// startDailySummary registers and starts the scheduled daily_summary run.
func startDailySummary(ctx context.Context, runner *agent.Runner, daily config.DailySummaryConfig, timeout time.Duration, logger *slog.Logger) (*cron.Scheduler, error) {
	schedule, err := cron.NewSchedule(daily.Cron, daily.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid daily summary schedule: %w", err)
	}
	opts := []cron.Option{cron.WithLogger(logger)}
	if timeout > 0 {
		opts = append(opts, cron.WithRunTimeout(timeout))
	}
	scheduler := cron.NewScheduler(runner, opts...)
	if err := scheduler.Add(cron.Job{
		ID:       cron.DailySummaryJobID,
		Agent:    agent.DailySummaryAgent,
		Prompt:   daily.Prompt,
		Schedule: schedule,
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule daily summary: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}
	logger.Info("daily summary scheduled", "cron", daily.Cron, "timezone", daily.Timezone)
	return scheduler, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
