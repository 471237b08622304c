package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/angelmondragon/bazaar-backend/api/controllers"
	"github.com/angelmondragon/bazaar-backend/api/routes"
	"github.com/angelmondragon/bazaar-backend/internal/cart"
	"github.com/angelmondragon/bazaar-backend/internal/gateway"
	"github.com/angelmondragon/bazaar-backend/internal/idempotency"
	"github.com/angelmondragon/bazaar-backend/internal/orders"
	"github.com/angelmondragon/bazaar-backend/internal/payments"
	"github.com/angelmondragon/bazaar-backend/internal/refunds"
	stripewebhook "github.com/angelmondragon/bazaar-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/metrics"
	"github.com/angelmondragon/bazaar-backend/pkg/migrate"
	"github.com/angelmondragon/bazaar-backend/pkg/outbox"
	"github.com/angelmondragon/bazaar-backend/pkg/redis"
	"github.com/angelmondragon/bazaar-backend/pkg/stripe"
)

const shutdownTimeout = 20 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg); err != nil {
		logg.Error(context.Background(), "api server stopped unexpectedly", err)
		os.Exit(1)
	}
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reconcileMetrics := metrics.NewReconciliationMetrics(registry)

	conn := dbClient.DB()
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)

	coordinator, err := payments.NewCoordinator(payments.CoordinatorParams{
		Locker:  payments.NewLocker(conn),
		Outbox:  emitter,
		Metrics: reconcileMetrics,
		Logger:  logg,
	})
	if err != nil {
		return err
	}

	stripeAPI, err := gateway.NewStripeAPI(stripeClient)
	if err != nil {
		return err
	}
	gw, err := gateway.New(gateway.Params{
		API:     stripeAPI,
		Config:  cfg.Payments,
		Metrics: reconcileMetrics,
		Logger:  logg,
	})
	if err != nil {
		return err
	}

	keys, err := idempotency.NewStore(redisClient, cfg.Payments.IdempotencyTTL, cfg.Payments.ReservationTimeout)
	if err != nil {
		return err
	}

	paymentsService, err := payments.NewService(payments.ServiceParams{
		Tx:          dbClient,
		Repository:  payments.NewRepository(conn),
		Coordinator: coordinator,
		Keys:        keys,
		Gateway:     gw,
		Cart:        cart.NewReader(conn),
		Logger:      logg,
	})
	if err != nil {
		return err
	}

	materializer, err := orders.NewMaterializer(orders.MaterializerParams{
		DB:          conn,
		Coordinator: coordinator,
		Outbox:      emitter,
		Logger:      logg,
	})
	if err != nil {
		return err
	}
	statusService, err := orders.NewStatusService(orders.StatusServiceParams{
		DB:          conn,
		Coordinator: coordinator,
		Outbox:      emitter,
		Logger:      logg,
	})
	if err != nil {
		return err
	}
	ordersService, err := orders.NewService(conn)
	if err != nil {
		return err
	}

	refundsService, err := refunds.NewService(refunds.ServiceParams{
		DB:            conn,
		Coordinator:   coordinator,
		Gateway:       gw,
		Outbox:        emitter,
		Logger:        logg,
		ApprovalLease: cfg.Payments.ReservationTimeout,
	})
	if err != nil {
		return err
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Coordinator:  coordinator,
		Materializer: materializer,
		Logger:       logg,
	})
	if err != nil {
		return err
	}
	webhookGuard, err := stripewebhook.NewEventGuard(redisClient, cfg.Eventing.WebhookEventTTL)
	if err != nil {
		return err
	}

	handler := routes.NewRouter(cfg, logg, routes.Dependencies{
		Payments:       paymentsService,
		Materializer:   materializer,
		Orders:         ordersService,
		OrderStatus:    statusService,
		Refunds:        refundsService,
		WebhookService: webhookService,
		WebhookGuard:   webhookGuard,
		Stripe:         stripeClient,
		Store:          redisClient,
		Readiness: map[string]controllers.Pinger{
			"postgres": dbClient,
			"redis":    redisClient,
		},
		Gatherer:    registry,
		HTTPMetrics: metrics.NewHTTPMetrics(registry),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"stripe_env": stripeClient.Environment(),
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logg.Info(logCtx, "shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
