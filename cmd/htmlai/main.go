package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/tanujdargan/html.ai/internal/bandit"
	"github.com/tanujdargan/html.ai/internal/config"
	"github.com/tanujdargan/html.ai/internal/guardrail"
	"github.com/tanujdargan/html.ai/internal/identity"
	"github.com/tanujdargan/html.ai/internal/ingest"
	"github.com/tanujdargan/html.ai/internal/orchestrator"
	"github.com/tanujdargan/html.ai/internal/ratelimit"
	"github.com/tanujdargan/html.ai/internal/regenerate"
	"github.com/tanujdargan/html.ai/internal/server"
	"github.com/tanujdargan/html.ai/internal/storage"
	"github.com/tanujdargan/html.ai/internal/telemetry"
	"github.com/tanujdargan/html.ai/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run0(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run0() error {
	_ = godotenv.Load()

	logLevel := parseLogLevel(os.Getenv("HTMLAI_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, logger)
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	limiter, err := newRateLimiter(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	resolver := identity.New(db, logger)
	ingestor := ingest.New(db, ingest.Config{
		BackpressureWatermark: cfg.EventBatchMaxSize,
		EventRatePerSecond:    cfg.EventRatePerSecond,
		EventBurst:            cfg.EventBurst,
	})
	defer ingestor.Close()
	banditEngine := bandit.New(db, bandit.Config{
		Epsilon:       cfg.Epsilon,
		MinTrialsEach: cfg.MinTrialsPerSlot,
		RegenScoreGap: cfg.RegenScoreGap,
		RegenLockTTL:  cfg.RegenLockTTL,
	})

	var llmClient *anthropic.Client
	if cfg.LLMAPIKey == "" {
		logger.Warn("no LLM_API_KEY configured, regeneration engine running in stub mode")
	} else {
		llmClient = regenerate.NewClient(cfg.LLMAPIKey)
	}
	regenEngine := regenerate.New(llmClient, db, regenerate.Config{Model: cfg.LLMModel}, logger)

	policy := guardrail.DefaultPolicy()

	orch := orchestrator.New(resolver, ingestor, banditEngine, regenEngine, db, policy, orchestrator.Config{
		RequestDeadline: cfg.RequestDeadline,
		RewardMapping:   cfg.RewardMapping,
		Version:         version,
	}, logger)

	srv := server.New(server.ServerConfig{
		Orchestrator:        orch,
		Logger:              logger,
		RateLimiter:         limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	if cfg.RegenLockSweepInterval > 0 {
		go regenLockSweepLoop(ctx, db, cfg.RegenLockSweepInterval, logger)
	}
	if err := registerPoolMetrics(db, logger); err != nil {
		logger.Warn("pool metrics disabled", slog.Any("error", err))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := orch.Shutdown(drainCtx); err != nil {
		logger.Warn("in-flight regeneration jobs abandoned at shutdown", slog.Any("error", err))
	}
	return nil
}

// newRateLimiter parses cfg.RedisURL and constructs a Limiter. An empty URL
// yields a nil client, which ratelimit.New treats as noop mode — useful for
// local development without Redis.
func newRateLimiter(cfg config.Config, logger *slog.Logger) (*ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		return ratelimit.New(nil, logger, false), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return ratelimit.New(client, logger, cfg.RateLimitFailClosed), nil
}

// registerPoolMetrics wires observable OTEL gauges for pool saturation so
// operators see connection exhaustion coming before requests start queueing.
func registerPoolMetrics(db *storage.DB, logger *slog.Logger) error {
	meter := telemetry.Meter("htmlai/storage")

	acquired, err := meter.Int64ObservableGauge("htmlai.db.pool.acquired_conns",
		metric.WithDescription("Connections currently leased from the pool"))
	if err != nil {
		return err
	}
	idle, err := meter.Int64ObservableGauge("htmlai.db.pool.idle_conns",
		metric.WithDescription("Connections sitting idle in the pool"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stat := db.Pool().Stat()
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		return nil
	}, acquired, idle)
	if err != nil {
		return err
	}

	logger.Debug("pool metrics registered")
	return nil
}

// regenLockSweepLoop reclaims advisory regeneration locks whose TTL has
// expired but whose owning goroutine crashed before releasing them, so a
// stuck lock doesn't permanently block future regeneration triggers for
// that variant.
func regenLockSweepLoop(ctx context.Context, db *storage.DB, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.SweepExpiredRegenLocks(ctx)
			if err != nil {
				logger.Warn("regen lock sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("swept expired regeneration locks", slog.Int64("count", n))
			}
		}
	}
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
