package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/metrics"
	"github.com/angelmondragon/bazaar-backend/pkg/migrate"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox/registry"
	"github.com/angelmondragon/bazaar-backend/pkg/pubsub"
)

const serviceKind = "outbox-publisher"

func main() {
	requeue := flag.String("requeue", "", "reset a dead-lettered event id for another publish attempt, then exit")
	flag.Parse()

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

	if err := run(cfg, logg, *requeue); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(context.Background(), "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "outbox publisher shut down")
}

func run(cfg *config.Config, logg *logger.Logger, requeue string) (err error) {
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

	dlqRepo := outbox.NewDLQRepository(dbClient.DB())
	if requeue != "" {
		eventID, err := uuid.Parse(requeue)
		if err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		if err := dlqRepo.Requeue(ctx, eventID); err != nil {
			return fmt.Errorf("requeue %s: %w", eventID, err)
		}
		logg.Info(logg.WithField(ctx, "event_id", eventID.String()), "event requeued")
		return nil
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, pubsubClient.Close()) }()

	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Registry:      eventRegistry,
		DLQRepository: dlqRepo,
		Metrics:       metrics.NewOutboxMetrics(promRegistry),
	})
	if err != nil {
		return err
	}

	ctx = logg.WithFields(ctx, map[string]any{"service_kind": serviceKind, "topics": eventRegistry.Topics()})
	logg.Info(ctx, "starting outbox publisher")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.Service.MetricsAddr, promRegistry, logg) })
	return g.Wait()
}
