package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/bazaar-backend/api/controllers"
	admincontrollers "github.com/angelmondragon/bazaar-backend/api/controllers/admin"
	ordercontrollers "github.com/angelmondragon/bazaar-backend/api/controllers/orders"
	paymentcontrollers "github.com/angelmondragon/bazaar-backend/api/controllers/payments"
	webhookcontrollers "github.com/angelmondragon/bazaar-backend/api/controllers/webhooks"
	"github.com/angelmondragon/bazaar-backend/api/middleware"
	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/enums"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/metrics"
	"github.com/angelmondragon/bazaar-backend/pkg/redis"
)

type paymentsService interface {
	paymentcontrollers.IntentService
	admincontrollers.LedgerReader
}

type ordersService interface {
	ordercontrollers.Lister
	admincontrollers.RevenueReader
}

type refundsService interface {
	ordercontrollers.RefundRequester
	admincontrollers.RefundResolver
	admincontrollers.RefundHistoryReader
}

// Dependencies are the services the HTTP surface dispatches to.
type Dependencies struct {
	Payments       paymentsService
	Materializer   ordercontrollers.Materializer
	Orders         ordersService
	OrderStatus    ordercontrollers.StatusUpdater
	Refunds        refundsService
	WebhookService webhookcontrollers.StripeWebhookService
	WebhookGuard   webhookcontrollers.EventGuard
	Stripe         webhookcontrollers.EventVerifier
	Store          idempotencyStore
	Readiness      map[string]controllers.Pinger
	Gatherer       prometheus.Gatherer
	HTTPMetrics    *metrics.HTTPMetrics
}

type idempotencyStore interface {
	redis.IdempotencyStore
	redis.RateLimiter
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.HTTPMetrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Get("/health/live", controllers.HealthLive(cfg))
	r.Get("/health/ready", controllers.HealthReady(cfg, logg, deps.Readiness))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/api/v1/webhooks/stripe", webhookcontrollers.StripeWebhook(deps.WebhookService, deps.Stripe, deps.WebhookGuard, logg))

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(
			middleware.Auth(cfg.JWT, logg),
			middleware.Idempotency(deps.Store, logg),
		)

		v1.Route("/payments/intents", func(pr chi.Router) {
			pr.Group(func(buyer chi.Router) {
				buyer.Use(middleware.RequireRole(logg, enums.RoleBuyer))
				buyer.With(middleware.RateLimit(deps.Store, "intent-create", cfg.RateLimit.IntentLimit, cfg.RateLimit.IntentWindow, logg)).
					Post("/", paymentcontrollers.CreateIntent(deps.Payments, logg))
				buyer.Post("/{intentId}/confirm", paymentcontrollers.Confirm(deps.Payments, logg))
			})
			pr.With(middleware.RequireRole(logg, enums.RoleBuyer, enums.RoleAdmin)).
				Get("/{intentId}", paymentcontrollers.Get(deps.Payments, logg))
		})

		v1.Route("/orders", func(or chi.Router) {
			or.With(middleware.RequireRole(logg, enums.RoleBuyer)).
				Post("/", ordercontrollers.Create(deps.Materializer, logg))
			or.With(middleware.RequireRole(logg, enums.RoleBuyer)).
				Get("/", ordercontrollers.List(deps.Orders, logg))
			or.With(middleware.RequireRole(logg, enums.RoleBuyer, enums.RoleAdmin)).
				Post("/{orderId}/refund", ordercontrollers.RequestRefund(deps.Refunds, logg))
			or.With(middleware.RequireRole(logg, enums.RoleSeller, enums.RoleAdmin)).
				Patch("/{orderId}/status", ordercontrollers.UpdateStatus(deps.OrderStatus, logg))
		})
	})

	r.Route("/api/admin/v1", func(admin chi.Router) {
		admin.Use(
			middleware.Auth(cfg.JWT, logg),
			middleware.RequireRole(logg, enums.RoleAdmin),
			middleware.Idempotency(deps.Store, logg),
		)
		admin.Post("/orders/{orderId}/refund/resolve", admincontrollers.ResolveRefund(deps.Refunds, logg))
		admin.Get("/payments/{intentId}/ledger", admincontrollers.Ledger(deps.Payments, deps.Refunds, logg))
		admin.Get("/sellers/{sellerId}/revenue", admincontrollers.SellerRevenue(deps.Orders, logg))
	})

	return r
}
