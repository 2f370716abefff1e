package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JumpiiX/penumbra-indexer/internal/api"
	"github.com/JumpiiX/penumbra-indexer/internal/chain/ratelimit"
	"github.com/JumpiiX/penumbra-indexer/internal/chain/tendermint"
	"github.com/JumpiiX/penumbra-indexer/internal/config"
	"github.com/JumpiiX/penumbra-indexer/internal/metrics"
	"github.com/JumpiiX/penumbra-indexer/internal/store/postgres"
	"github.com/JumpiiX/penumbra-indexer/internal/syncer"
	"github.com/JumpiiX/penumbra-indexer/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const dbPoolStatsInterval = 15 * time.Second

type dbStatsProvider interface {
	Stats() sql.DBStats
}

func collectDBPoolStats(db dbStatsProvider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
	metrics.DBPoolInUse.Set(float64(stats.InUse))
	metrics.DBPoolIdle.Set(float64(stats.Idle))
	metrics.DBPoolWaitCount.Set(float64(stats.WaitCount))
	metrics.DBPoolWaitDuration.Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, logger *slog.Logger) {
	if db == nil {
		return
	}

	ticker := time.NewTicker(dbPoolStatsInterval)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting penumbra-indexer",
		"rpc_url", cfg.Node.RPCURL,
		"start_height", cfg.Sync.StartHeight,
		"poll_interval", cfg.Sync.PollInterval,
		"retention_blocks", cfg.Sync.RetentionBlocks,
		"api_port", cfg.Server.APIPort,
		"health_port", cfg.Server.HealthPort,
	)

	// Initialize OpenTelemetry tracing
	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "penumbra-indexer", tracingEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err, "dir", cfg.DB.MigrationsDir)
		os.Exit(1)
	}

	blocks := postgres.NewBlockRepo(db)

	adapter := tendermint.NewAdapter(cfg.Node.RPCURL, logger)
	adapter.SetRequestTimeout(cfg.Node.RequestTimeout)
	if cfg.Node.RateLimitRPS > 0 {
		adapter.SetRateLimiter(ratelimit.NewLimiter(cfg.Node.RateLimitRPS, cfg.Node.RateLimitBurst))
	}

	engine := syncer.New(adapter, blocks, syncer.Config{
		PollInterval:    cfg.Sync.PollInterval,
		BackoffSeed:     cfg.Sync.BackoffSeed,
		BackoffFactor:   cfg.Sync.BackoffFactor,
		BackoffMax:      cfg.Sync.BackoffMax,
		StartHeight:     cfg.Sync.StartHeight,
		MaxRewindDepth:  cfg.Sync.MaxRewindDepth,
		RetentionBlocks: cfg.Sync.RetentionBlocks,
	}, logger)

	apiServer := api.NewServer(blocks, logger)

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// Health and metrics server
	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, engine, logger)
	})

	// Query API
	g.Go(func() error {
		return apiServer.Run(gCtx, cfg.Server.APIPort)
	})

	// Sync engine
	g.Go(func() error {
		return engine.Run(gCtx)
	})

	startDBPoolStatsPump(gCtx, db.DB, logger)

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("indexer shut down gracefully")
}

func runHealthServer(ctx context.Context, port int, engine *syncer.Engine, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/syncz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"state":  engine.State().String(),
			"cursor": engine.Cursor(),
		}); err != nil {
			logger.Warn("failed to write sync status response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
