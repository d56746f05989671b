// The api command runs the event intake HTTP service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shmandalf/event-service/internal/breaker"
	"github.com/shmandalf/event-service/internal/cache"
	"github.com/shmandalf/event-service/internal/config"
	"github.com/shmandalf/event-service/internal/dlq"
	"github.com/shmandalf/event-service/internal/handlers"
	"github.com/shmandalf/event-service/internal/idempotency"
	"github.com/shmandalf/event-service/internal/ingest"
	"github.com/shmandalf/event-service/internal/metrics"
	"github.com/shmandalf/event-service/internal/queue"
	"github.com/shmandalf/event-service/internal/queue/rabbitmq"
	"github.com/shmandalf/event-service/internal/queue/redisstream"
	"github.com/shmandalf/event-service/internal/router"
	"github.com/shmandalf/event-service/internal/store"
)

var version = "dev"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
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
		// Start degraded: the stream back-end still accepts events and
		// the broker breaker keeps traffic off the dead connection.
		logger.Warn("broker unavailable at startup", zap.Error(err))
	}
	defer broker.Close()

	stream := redisstream.New(rdb, cfg.Stream, sink, logger)
	if err := stream.EnsureGroups(ctx); err != nil {
		logger.Warn("stream group setup failed", zap.Error(err))
	}

	dead := dlq.NewManager(cfg.RabbitMQ, rdb, sink, logger)
	if err := dead.Connect(ctx); err != nil {
		logger.Warn("dead-letter manager unavailable at startup", zap.Error(err))
	}
	defer dead.Close()

	breakers := map[string]*breaker.Breaker{
		queue.BackendRabbitMQ: breaker.New(rdb, queue.BackendRabbitMQ, cfg.Breaker.Broker, logger),
		queue.BackendRedis:    breaker.New(rdb, queue.BackendRedis, cfg.Breaker.Stream, logger),
	}

	idem := idempotency.NewStore(rdb)
	rt := router.New(broker, stream, sink, logger)
	svc := ingest.New(rt, idem, breakers, st, sink, logger)

	httpLog := logrus.New()
	httpLog.SetFormatter(&logrus.JSONFormatter{})

	engine := handlers.NewRouter(
		handlers.NewEventHandler(svc, st, cache.NewStatusCache(rdb), httpLog),
		handlers.NewSystemHandler(broker, stream, st, dead, breakers, version, httpLog),
		sink, httpLog)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Replay backed-up dead letters once the broker is reachable.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := dead.RestoreFromBackup(gctx); err != nil {
					logger.Debug("backup restore pass failed", zap.Error(err))
				}
			}
		}
	})

	return g.Wait()
}
