package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"insights-engine/internal/cache"
	"insights-engine/internal/config"
	"insights-engine/internal/controller"
	"insights-engine/internal/db"
	httpserver "insights-engine/internal/http"
	"insights-engine/internal/insight"
	"insights-engine/internal/metrics"
	"insights-engine/internal/registry"
	"insights-engine/internal/repository"
	"insights-engine/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var skipSchemaCheck bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&skipSchemaCheck, "skip-schema-check", false, "start without verifying store tables")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chConn, err := db.NewClickHouse(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer chConn.Close()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if !skipSchemaCheck {
		if err := db.VerifySchema(ctx, chConn, insight.TelemetrySchema()); err != nil {
			return fmt.Errorf("verify clickhouse schema: %w", err)
		}
		if err := db.VerifyPostgresSchema(ctx, pool, insight.SurveySchema()); err != nil {
			return fmt.Errorf("verify survey schema: %w", err)
		}
	}

	reg, err := registry.NewFileRegistry(cfg.WarehouseRegistryPath, logger)
	if err != nil {
		return fmt.Errorf("load warehouse registry: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(promRegistry)

	warehouse := repository.NewWarehouseStore(repository.PoolConfig{
		MaxConns:        cfg.DBMaxConns,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		MaxConnIdleTime: cfg.DBMaxConnIdleTime,
	}, logger)
	defer warehouse.Close()

	router := &repository.Router{
		ClickHouse: repository.NewClickHouseStore(chConn),
		Postgres:   repository.NewPostgresStore(pool),
		Warehouse:  warehouse,
	}

	var insightService service.InsightService = service.NewInsightService(router, reg, logger, collector, service.Options{
		QueryTimeout:   cfg.QueryTimeout,
		EventsPageSize: cfg.EventsPageSize,
		MaxBuckets:     cfg.MaxBuckets,
	})
	var invalidator cache.Invalidator
	if cfg.CacheEnabled {
		cached := cache.New(insightService, cfg.CacheSize, cfg.CacheTTL, collector).WithLoadTimeout(cfg.QueryTimeout)
		insightService = cached
		invalidator = cached
	}

	reg.OnReload(collector.RegistryReload)
	reg.OnChange(func(workspaceIDs []string) {
		warehouse.Reset()
		if invalidator == nil {
			return
		}
		for _, id := range workspaceIDs {
			invalidator.Invalidate(id)
		}
	})
	if cfg.WarehouseRegistryWatch && cfg.WarehouseRegistryPath != "" {
		if err := reg.Watch(ctx); err != nil {
			return fmt.Errorf("watch warehouse registry: %w", err)
		}
	}

	insightController := controller.NewInsightController(insightService, reg, invalidator)
	server := httpserver.NewServer(cfg, insightController, promRegistry, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := server.Shutdown(); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("addr", cfg.HTTPPort))
	if err := server.Listen(cfg.HTTPPort); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}
