package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/theognis1002/appmsg-relay/internal/cache"
	"github.com/theognis1002/appmsg-relay/internal/config"
	"github.com/theognis1002/appmsg-relay/internal/queue"
	"github.com/theognis1002/appmsg-relay/internal/relay"
	"github.com/theognis1002/appmsg-relay/internal/seeder"
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

	transport, err := stream.NewTransport(ctx, rdb, names, stream.WithBlock(cfg.Stream.Block()), stream.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	transportCtx, stopTransport := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		transport.Run(transportCtx)
	}()
	defer func() {
		stopTransport()
		wg.Wait()
	}()

	recorder := relay.NewRecorder(logger, relay.WithDeadLetters(stream.NewDeadLetters(rdb, names)))
	q := queue.New(transport,
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithRetryBackoff(cfg.Queue.RetryBackoff()),
		queue.WithLogger(logger),
		queue.WithOutcomeHook(recorder.Record),
	)
	defer q.Close()

	seedFile := "seeds.jsonl"
	if len(os.Args) > 1 {
		seedFile = os.Args[1]
	}

	s := seeder.New(q, logger)
	count, err := s.LoadAndSend(ctx, seedFile)
	if err != nil {
		return fmt.Errorf("seeding failed: %w", err)
	}

	if err := q.Drain(ctx); err != nil {
		return fmt.Errorf("waiting for deliveries: %w", err)
	}

	logger.Info("seed messages resolved", "queued", count, "delivered", s.Delivered(), "failed", s.Failed())
	return nil
}
