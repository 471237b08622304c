package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/bazaar-backend/internal/cron"
	"github.com/angelmondragon/bazaar-backend/internal/gateway"
	"github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/metrics"
	"github.com/angelmondragon/bazaar-backend/pkg/migrate"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/redis"
	"github.com/angelmondragon/bazaar-backend/pkg/stripe"
)

const (
	serviceKind   = "cron-worker"
	lockKeyFormat = "cron-worker:%s"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceKind})
	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Env:         cfg.App.Env,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(context.Background(), "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "cron worker shut down")
}

func run(cfg *config.Config, logg *logger.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, redisClient.Close()) }()

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reconcileMetrics := metrics.NewReconciliationMetrics(promRegistry)

	conn := dbClient.DB()
	outboxRepo := outbox.NewRepository(conn)
	emitter := outbox.NewService(outboxRepo, logg)

	coordinator, err := payments.NewCoordinator(payments.CoordinatorParams{
		Locker:  payments.NewLocker(conn),
		Outbox:  emitter,
		Metrics: reconcileMetrics,
		Logger:  logg,
	})
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	materializer, err := orders.NewMaterializer(orders.MaterializerParams{
		DB:          conn,
		Coordinator: coordinator,
		Outbox:      emitter,
		Logger:      logg,
	})
	if err != nil {
		return fmt.Errorf("materializer: %w", err)
	}
	stripeAPI, err := gateway.NewStripeAPI(stripeClient)
	if err != nil {
		return fmt.Errorf("stripe api: %w", err)
	}
	gw, err := gateway.New(gateway.Params{
		API:     stripeAPI,
		Config:  cfg.Payments,
		Metrics: reconcileMetrics,
		Logger:  logg,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	jobs := cron.NewRegistry()
	reconcileJob, err := cron.NewReconcileJob(cron.ReconcileJobParams{
		Logger:       logg,
		Payments:     payments.NewRepository(conn),
		Gateway:      gw,
		Coordinator:  coordinator,
		Materializer: materializer,
		Config:       cfg.Reconciliation,
	})
	if err != nil {
		return fmt.Errorf("reconcile job: %w", err)
	}
	jobs.Register(reconcileJob, 0)

	dlqRepo := outbox.NewDLQRepository(conn)
	retentionJob, err := cron.NewRetentionJob(logg,
		cron.RetentionTarget{Name: "outbox_events", Window: cfg.Outbox.Retention, Prune: outboxRepo.DeletePublishedBefore},
		cron.RetentionTarget{Name: "outbox_dlq", Window: cfg.Outbox.DLQRetention, Prune: dlqRepo.DeleteBefore},
	)
	if err != nil {
		return fmt.Errorf("retention job: %w", err)
	}
	jobs.Register(retentionJob, cfg.Outbox.RetentionEvery)

	lockName := redisClient.LockKey(lockKey(cfg.App.Env))
	lock, err := cron.NewRedisLock(redisClient, lockName, 0)
	if err != nil {
		return fmt.Errorf("cron lock: %w", err)
	}
	gate, err := cron.NewRedisGate(redisClient, lockName+":due:")
	if err != nil {
		return fmt.Errorf("cron gate: %w", err)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: jobs,
		Lock:     lock,
		Gate:     gate,
		Metrics:  metrics.NewCronJobMetrics(promRegistry),
		Interval: cfg.Reconciliation.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("cron service: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{"service_kind": serviceKind, "jobs": jobs.Names()})
	logg.Info(ctx, "starting cron worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.Service.MetricsAddr, promRegistry, logg) })
	return g.Wait()
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
