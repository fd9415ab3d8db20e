package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/oikake/internal/config"
	"github.com/ashita-ai/oikake/internal/export"
	"github.com/ashita-ai/oikake/internal/export/provider"
	"github.com/ashita-ai/oikake/internal/query"
	"github.com/ashita-ai/oikake/internal/server"
	"github.com/ashita-ai/oikake/internal/store"
	"github.com/ashita-ai/oikake/internal/store/memory"
	"github.com/ashita-ai/oikake/internal/store/postgres"
	"github.com/ashita-ai/oikake/internal/store/sqlite"
	"github.com/ashita-ai/oikake/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("OIKAKE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("oikake starting",
		"version", version,
		"port", cfg.Port,
		"store", cfg.StoreBackend,
		"provider", cfg.ExportProvider)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		Version:        version,
		StoreBackend:   cfg.StoreBackend,
		ExportProvider: cfg.ExportProvider,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()

	exp, err := buildExporter(cfg, logger)
	if err != nil {
		return err
	}

	scheduler := export.NewScheduler(exp, logger, cfg.FlushDelay)
	scheduler.RegisterMetrics()

	srv := server.New(server.ServerConfig{
		Store:               st,
		Engine:              query.New(st, logger),
		Scheduler:           scheduler,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drain the export buffers first so no telemetry is lost, then stop
	// accepting HTTP traffic.
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("export drain incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		st, err := sqlite.New(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildExporter(cfg config.Config, logger *slog.Logger) (provider.Exporter, error) {
	var pc provider.Config
	switch cfg.ExportProvider {
	case "none":
	case "otlp":
		pc.OTLP = &provider.OTLPConfig{
			Endpoint:    cfg.OTLPEndpoint,
			Headers:     cfg.OTLPHeaders,
			RetryMax:    cfg.ExportRetryMax,
			ServiceName: cfg.ServiceName,
		}
	case "dataset":
		pc.Dataset = &provider.DatasetConfig{
			APIKey:   cfg.DatasetAPIKey,
			Dataset:  cfg.DatasetName,
			Region:   cfg.DatasetRegion,
			RetryMax: cfg.ExportRetryMax,
		}
	}
	exp, err := provider.New(pc, logger)
	if err != nil {
		return nil, fmt.Errorf("build exporter: %w", err)
	}
	return exp, nil
}
