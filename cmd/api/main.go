package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/maildispatch/internal/backend"
	"github.com/kursadbilgin/maildispatch/internal/config"
	"github.com/kursadbilgin/maildispatch/internal/handler"
	infraredis "github.com/kursadbilgin/maildispatch/internal/infra/redis"
	"github.com/kursadbilgin/maildispatch/internal/ledger"
	"github.com/kursadbilgin/maildispatch/internal/observability"
	"github.com/kursadbilgin/maildispatch/internal/ratelimit"
	"github.com/kursadbilgin/maildispatch/internal/service"
	"github.com/kursadbilgin/maildispatch/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("maildispatch api stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var rdb *redis.Client
	var limiter ratelimit.RateLimiter
	var sentLedger ledger.Ledger
	var lease ledger.Locker

	if cfg.RedisURL != "" {
		var err error
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()

		limiter, err = infraredis.NewSlidingWindowLimiter(rdb, cfg.RateLimitKey, cfg.RateLimit, cfg.RateLimitInterval())
		if err != nil {
			return err
		}
		sentLedger, err = infraredis.NewLedger(rdb, cfg.LedgerPrefix)
		if err != nil {
			return err
		}
		lease, err = infraredis.NewLeaseLocker(rdb, cfg.LeasePrefix, cfg.LeaseTTL())
		if err != nil {
			return err
		}
		logger.Info("using redis for rate limit, ledger and id leases")
	} else {
		window, err := ratelimit.NewSlidingWindow(cfg.RateLimit, cfg.RateLimitInterval())
		if err != nil {
			return err
		}
		limiter = window
		sentLedger = ledger.NewMemory()
		logger.Info("REDIS_URL not set, using in-process rate limit and ledger state")
	}

	defs := config.DefaultBackends()
	if cfg.BackendsFile != "" {
		var err error
		defs, err = config.LoadBackends(cfg.BackendsFile)
		if err != nil {
			return err
		}
	}

	backends, err := backend.Build(defs, logger)
	if err != nil {
		return fmt.Errorf("backend initialization failed: %w", err)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("closing backends failed", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics()

	dispatcher, err := service.NewDispatcher(backends.Backends, limiter, sentLedger, service.Options{
		Breaker:          cfg.BreakerConfig(),
		BreakerOverrides: config.BreakerOverrides(defs),
		Retry:            cfg.RetryConfig(),
		BatchConcurrency: cfg.BatchConcurrency,
		Lease:            lease,
		Metrics:          metrics,
	}, logger)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "maildispatch",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Use(handler.RequestContext(ctx))
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, rdb, limiter)
	if err := handler.RegisterEmailRoutes(app, dispatcher, cfg.MaxBatchSize); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("maildispatch api started",
			zap.String("addr", addr),
			zap.Strings("backends", dispatcher.BackendNames()),
		)
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout()))
		return app.ShutdownWithTimeout(cfg.ShutdownTimeout())
	})

	return g.Wait()
}
