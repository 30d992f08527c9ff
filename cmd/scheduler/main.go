// The scheduler periodically sweeps expired external keys out of tenant
// applications.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/config"
	"github.com/provisio/provisio/internal/db"
	"github.com/provisio/provisio/internal/metrics"
	"github.com/provisio/provisio/internal/provisioning"
	"github.com/provisio/provisio/internal/registry"
)

const sweepInterval = time.Hour

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer logger.Sync()

	conn, err := db.NewConnection(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.NewMigrator(conn).Up(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	repo := db.NewRepository(conn)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	envRegistry := registry.NewService(repo, nil, logger)
	tenants := provisioning.NewService(repo, nil, envRegistry, nil,
		provisioning.HKDFKeyProvider{}, nil, collector, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	logger.Info("key expiry scheduler started", zap.Duration("interval", sweepInterval))

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	sweep(ctx, tenants, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler exiting")
			return
		case <-ticker.C:
			sweep(ctx, tenants, logger)
		}
	}
}

func sweep(ctx context.Context, tenants *provisioning.Service, logger *zap.Logger) {
	removed, err := tenants.SweepExpiredExtKeys(ctx)
	if err != nil {
		logger.Error("ext key sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("ext key sweep completed", zap.Int("removed", removed))
	}
}
