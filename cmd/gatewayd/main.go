package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/nimbleworks/chat_gateway/internal/app"
	"github.com/nimbleworks/chat_gateway/internal/config"
	"github.com/nimbleworks/chat_gateway/internal/httpserver"
	"github.com/nimbleworks/chat_gateway/internal/redisclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// The admission backend is chosen exactly once, here. A configured
	// redis URL that cannot be reached is a startup failure, not a silent
	// fallback to local mode.
	var redisClient *redis.Client
	if cfg.DistributedMode() {
		redisClient = redisclient.New(cfg.Redis)
		if err := redisclient.Ping(ctx, redisClient); err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer redisClient.Close()
		slog.Info("admission controller in distributed mode")
	} else {
		slog.Info("admission controller in local token-bucket mode")
	}

	container, err := app.NewContainer(cfg, redisClient)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}

	container.Idempotency.StartSweeper(ctx, cfg.Idempotency.SweepInterval)
	container.Pipeline.Start(ctx)
	defer container.Pipeline.Wait()

	server, err := httpserver.New(container)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}
