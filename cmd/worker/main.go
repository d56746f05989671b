// The worker command drains both queue back-ends and processes events.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shmandalf/event-service/internal/config"
	"github.com/shmandalf/event-service/internal/dlq"
	"github.com/shmandalf/event-service/internal/event"
	"github.com/shmandalf/event-service/internal/idempotency"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/processor"
	"github.com/shmandalf/event-service/internal/queue"
	"github.com/shmandalf/event-service/internal/queue/rabbitmq"
	"github.com/shmandalf/event-service/internal/queue/redisstream"
	"github.com/shmandalf/event-service/internal/retry"
	"github.com/shmandalf/event-service/internal/store"
	"github.com/shmandalf/event-service/internal/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()

	sink := metrics.NewSink(cfg.Metrics.Namespace, logger)

	st, err := store.New(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	broker := rabbitmq.NewBroker(cfg.RabbitMQ, sink, logger)
	if err := broker.Connect(ctx); err != nil {
		return err
	}
	defer broker.Close()

	stream := redisstream.New(rdb, cfg.Stream, sink, logger)
	if err := stream.EnsureGroups(ctx); err != nil {
		return err
	}

	dead := dlq.NewManager(cfg.RabbitMQ, rdb, sink, logger)
	if err := dead.Connect(ctx); err != nil {
		return err
	}
	defer dead.Close()

	if n, err := dead.RestoreFromBackup(ctx); err != nil {
		logger.Warn("startup backup restore failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("restored backed-up dead letters at startup", zap.Int("count", n))
	}

	registry := processor.NewRegistry()
	registry.Register(event.TypePurchase, processor.NewPurchaseHandler(sink, logger))
	registry.Register(event.TypeLogin, processor.NewSessionHandler(sink, logger))
	registry.Register(event.TypeLogout, processor.NewSessionHandler(sink, logger))
	registry.Register(event.TypeSignup, processor.NewSignupHandler(sink, logger))
	registry.RegisterAll(processor.NewAuditHandler(logger))

	idem := idempotency.NewStore(rdb)
	proc := processor.New(st, idem, registry, sink, logger)
	retries := retry.NewManager(rdb, logger)

	highConsumer := rabbitmq.NewConsumer(broker, rabbitmq.QueueHighPriority, proc.Process, retries, dead, sink, logger)
	normalConsumer := rabbitmq.NewConsumer(broker, rabbitmq.QueueNormal, proc.Process, retries, dead, sink, logger)
	defer highConsumer.Close()
	defer normalConsumer.Close()

	streamHigh := redisstream.NewConsumer(stream, redisstream.StreamHigh, proc.Process, logger)
	streamNormal := redisstream.NewConsumer(stream, redisstream.StreamNormal, proc.Process, logger)

	// Any supervisor returning (signal, recycle, restart flag) stops the
	// whole process; the process manager restarts it fresh.
	g, gctx := errgroup.WithContext(ctx)
	supervise := func(name string, c queue.BatchConsumer) {
		g.Go(func() error {
			defer stop()
			return worker.New(name, c, cfg.Worker, sink, logger).Run(gctx)
		})
	}
	supervise("broker_high", highConsumer)
	supervise("broker_normal", normalConsumer)
	supervise("stream_high", streamHigh)
	supervise("stream_normal", streamNormal)
	g.Go(func() error {
		// Recover entries stranded in crashed consumers' pending lists.
		ticker := time.NewTicker(cfg.Stream.ClaimIdle)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				for _, c := range []*redisstream.Consumer{streamHigh, streamNormal} {
					if _, err := c.ClaimPending(gctx, cfg.Stream.ReadBatch); err != nil {
						logger.Warn("claim pass failed", zap.Error(err))
					}
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("worker shut down")
	return err
}
