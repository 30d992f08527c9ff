package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/api"
	"github.com/provisio/provisio/internal/catalog"
	"github.com/provisio/provisio/internal/config"
	"github.com/provisio/provisio/internal/db"
	"github.com/provisio/provisio/internal/metrics"
	"github.com/provisio/provisio/internal/provisioning"
	"github.com/provisio/provisio/internal/queue"
	"github.com/provisio/provisio/internal/registry"
	"github.com/provisio/provisio/internal/storage/redis"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := newLogger(cfg.Server.Mode)
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer logger.Sync()

	// Database
	conn, err := db.NewConnection(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.NewMigrator(conn).Up(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis
	cache := redis.NewClient(cfg.Redis.URL)
	defer cache.Close()

	// Queue
	events := queue.NewRedisQueue(cache.Client)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	repo := db.NewRepository(conn)

	envRegistry := registry.NewService(repo, cache, logger)
	products := catalog.NewService(repo, cache, events, collector, logger)
	tenants := provisioning.NewService(
		repo,
		func(dsn string) (provisioning.TenantStore, error) {
			return db.OpenTenantRepository(dsn)
		},
		envRegistry,
		products,
		provisioning.HKDFKeyProvider{},
		events,
		collector,
		logger,
	)

	// API Server
	server := api.NewServer(cfg, tenants, products, repo, collector, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Limits.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "release" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
