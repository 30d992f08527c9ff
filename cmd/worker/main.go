// The worker drains the provisioning event queue and hands events to
// downstream consumers. The default sink just logs them; deployments wire
// their own fan-out behind it.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/config"
	"github.com/provisio/provisio/internal/queue"
	"github.com/provisio/provisio/internal/storage/redis"
)

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

	cache := redis.NewClient(cfg.Redis.URL)
	defer cache.Close()

	events := queue.NewRedisQueue(cache.Client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	logger.Info("event worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("event worker exiting")
			return
		default:
		}

		evt, err := events.Pop(ctx, 5*time.Second)
		if err == queue.ErrTimeout {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("failed to pop event", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		logger.Info("provisioning event",
			zap.String("event_id", evt.ID),
			zap.String("type", evt.Type),
			zap.String("record_id", evt.RecordID),
			zap.String("code", evt.Code),
			zap.Time("occurred_at", evt.OccurredAt),
		)
	}
}
