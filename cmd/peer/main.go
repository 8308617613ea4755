package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/theognis1002/appmsg-relay/internal/cache"
	"github.com/theognis1002/appmsg-relay/internal/config"
	"github.com/theognis1002/appmsg-relay/internal/peer"
	"github.com/theognis1002/appmsg-relay/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load("configs/development.yaml")
	if err != nil {
		logger.Debug("config file not found, using env vars", "error", err)
		cfg = config.LoadFromEnv()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rdb.Close()

	names := stream.NamesFromConfig(cfg.Stream)
	if err := stream.EnsureStreams(ctx, rdb, names, logger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	consumerName := fmt.Sprintf("%s-%d", cfg.Peer.Name, os.Getpid())
	consumer := stream.NewConsumer(rdb, names, consumerName, cfg.Peer.PrefetchCount, logger)
	deliveries := consumer.Run(ctx)

	p := peer.New(cfg.Peer, logger.With("peer", consumerName))

	logger.Info("peer starting", "workers", cfg.Peer.Workers, "reject_ratio", cfg.Peer.RejectRatio)
	p.Run(ctx, deliveries)
	consumer.Wait()
	return nil
}
