package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/theognis1002/appmsg-relay/internal/api"
	"github.com/theognis1002/appmsg-relay/internal/cache"
	"github.com/theognis1002/appmsg-relay/internal/config"
	"github.com/theognis1002/appmsg-relay/internal/database"
	"github.com/theognis1002/appmsg-relay/internal/metrics"
	"github.com/theognis1002/appmsg-relay/internal/queue"
	"github.com/theognis1002/appmsg-relay/internal/relay"
	"github.com/theognis1002/appmsg-relay/internal/storage"
	"github.com/theognis1002/appmsg-relay/internal/stream"
)

const (
	shutdownTimeout   = 15 * time.Second
	appMessageTimeout = 30 * time.Second
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

	deadLetters := stream.NewDeadLetters(rdb, names)
	recorderOpts := []relay.Option{relay.WithDeadLetters(deadLetters)}
	var (
		deliveries api.DeliveryStore
		counts     api.DeliveryCounter
		archive    api.ArchiveReader
	)

	if *cfg.Postgres.Enabled {
		pool, err := database.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		ledger := database.NewLedger(pool)
		recorderOpts = append(recorderOpts, relay.WithLedger(ledger))
		deliveries, counts = ledger, ledger
	}

	if *cfg.MinIO.Enabled {
		minioClient, err := storage.NewMinIOClient(ctx, cfg.MinIO)
		if err != nil {
			return fmt.Errorf("connect to minio: %w", err)
		}
		recorderOpts = append(recorderOpts, relay.WithArchive(minioClient))
		archive = minioClient
		logger.Info("archiving dead letters", "bucket", minioClient.Bucket())
	}

	transportOpts := []stream.TransportOption{
		stream.WithBlock(cfg.Stream.Block()),
		stream.WithLogger(logger),
	}
	if cfg.Queue.RateIntervalMs > 0 {
		transportOpts = append(transportOpts,
			stream.WithRateLimit(cache.NewRateLimiter(rdb), cfg.Queue.Device, cfg.Queue.RateInterval()))
	}
	transport, err := stream.NewTransport(ctx, rdb, names, transportOpts...)
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

	recorder := relay.NewRecorder(logger, recorderOpts...)
	q := queue.New(transport,
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithRetryBackoff(cfg.Queue.RetryBackoff()),
		queue.WithLogger(logger.With("device", cfg.Queue.Device)),
		queue.WithMetrics(metrics.NewQueue(cfg.Queue.Device)),
		queue.WithOutcomeHook(recorder.Record),
	)
	defer q.Close()

	if *cfg.Queue.Inject {
		q.Inject()
		defer q.Cleanup()
	}

	server := api.NewServer(api.ServerDeps{
		Config:      cfg.Server,
		Logger:      logger,
		Messages:    api.NewMessageHandler(q, deadLetters, counts, logger),
		Deliveries:  api.NewDeliveryHandler(deliveries, logger),
		DeadLetters: api.NewDeadLetterHandler(archive, deliveries, logger),
		AppMessages: api.NewAppMessageHandler(transport, q, appMessageTimeout, logger),
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("relay started",
		"device", cfg.Queue.Device,
		"max_attempts", cfg.Queue.MaxAttempts,
		"inject", *cfg.Queue.Inject,
		"ledger", *cfg.Postgres.Enabled,
		"archive", *cfg.MinIO.Enabled,
	)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}

	logger.Info("draining delivery queue", "length", q.Len())
	if err := q.Drain(shutdownCtx); err != nil && !errors.Is(err, queue.ErrClosed) {
		logger.Warn("queue not drained before shutdown", "length", q.Len(), "error", err)
	}
	return nil
}
