package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App            AppConfig
	Service        ServiceConfig
	DB             DBConfig
	Redis          RedisConfig
	JWT            JWTConfig
	RateLimit      RateLimitConfig
	FeatureFlags   FeatureFlagsConfig
	Eventing       EventingConfig
	GCP            GCPConfig
	PubSub         PubSubConfig
	Stripe         StripeConfig
	Payments       PaymentsConfig
	Reconciliation ReconciliationConfig
	Outbox         OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"BAZAAR_APP_ENV" required:"true"`
	Port         string   `envconfig:"BAZAAR_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"BAZAAR_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"BAZAAR_LOG_WARN_STACK" default:"false"`
	// CORSOrigins is a comma separated list of storefront origins.
	CORSOrigins  []string `envconfig:"BAZAAR_CORS_ORIGINS" default:"http://localhost:3000,https://bazaar.lk,https://www.bazaar.lk"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind        string `envconfig:"BAZAAR_SERVICE_KIND" default:"api"`
	// MetricsAddr is where background workers serve /metrics. Empty disables it.
	MetricsAddr string `envconfig:"BAZAAR_SERVICE_METRICS_ADDR" default:":9091"`
}

type DBConfig struct {
	DSN    string `envconfig:"BAZAAR_DB_DSN"`
	Driver string `envconfig:"BAZAAR_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BAZAAR_DB_HOST"`
	LegacyPort     int    `envconfig:"BAZAAR_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BAZAAR_DB_USER"`
	LegacyPassword string `envconfig:"BAZAAR_DB_PASSWORD"`
	LegacyName     string `envconfig:"BAZAAR_DB_NAME"`
	LegacySSLMode  string `envconfig:"BAZAAR_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BAZAAR_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BAZAAR_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BAZAAR_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BAZAAR_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"BAZAAR_DB_SLOW_QUERY" default:"250ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BAZAAR_REDIS_URL" required:"true"`
	Address      string        `envconfig:"BAZAAR_REDIS_ADDR"`
	Password     string        `envconfig:"BAZAAR_REDIS_PASSWORD"`
	DB           int           `envconfig:"BAZAAR_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BAZAAR_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BAZAAR_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BAZAAR_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BAZAAR_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BAZAAR_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig holds the shared secret used to verify access tokens issued by
// the auth service.
type JWTConfig struct {
	Secret            string `envconfig:"BAZAAR_JWT_SECRET" required:"true"`
	// PreviousSecret keeps tokens signed before a rotation valid until they expire.
	PreviousSecret    string `envconfig:"BAZAAR_JWT_PREVIOUS_SECRET"`
	Issuer            string `envconfig:"BAZAAR_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"BAZAAR_JWT_EXPIRATION_MINUTES" default:"60"`
}

type RateLimitConfig struct {
	IntentWindow time.Duration `envconfig:"BAZAAR_RATE_LIMIT_INTENT_WINDOW" default:"1m"`
	IntentLimit  int           `envconfig:"BAZAAR_RATE_LIMIT_INTENT_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BAZAAR_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	WebhookEventTTL time.Duration `envconfig:"BAZAAR_EVENTING_WEBHOOK_EVENT_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"BAZAAR_GCP_PROJECT_ID" required:"true"`
	ApplicationCredentials string `envconfig:"BAZAAR_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic        string `envconfig:"BAZAAR_PUBSUB_ORDERS_TOPIC" required:"true"`
	OrdersSubscription string `envconfig:"BAZAAR_PUBSUB_ORDERS_SUBSCRIPTION"`
	AlertsTopic        string `envconfig:"BAZAAR_PUBSUB_ALERTS_TOPIC" required:"true"`
	AlertsSubscription string `envconfig:"BAZAAR_PUBSUB_ALERTS_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"BAZAAR_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"BAZAAR_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"BAZAAR_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Concurrency    int           `envconfig:"BAZAAR_OUTBOX_PUBLISH_CONCURRENCY" default:"8"`
	Retention      time.Duration `envconfig:"BAZAAR_OUTBOX_RETENTION" default:"720h"`
	DLQRetention   time.Duration `envconfig:"BAZAAR_OUTBOX_DLQ_RETENTION" default:"2160h"`
	RetentionEvery time.Duration `envconfig:"BAZAAR_OUTBOX_RETENTION_EVERY" default:"24h"`
}

// StripeConfig holds the secret key and the webhook signing secrets. Secret
// accepts a comma separated list so a new endpoint secret can be rolled out
// while the old one is still in use.
type StripeConfig struct {
	APIKey           string        `envconfig:"BAZAAR_STRIPE_API_KEY"`
	Secret           string        `envconfig:"BAZAAR_STRIPE_SECRET"`
	Env              string        `envconfig:"BAZAAR_STRIPE_ENV" default:"test"`
	WebhookTolerance time.Duration `envconfig:"BAZAAR_STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// PaymentsConfig bounds every outbound provider call and the idempotency
// reservations made before one.
type PaymentsConfig struct {
	ProviderTimeout    time.Duration `envconfig:"BAZAAR_PAYMENTS_PROVIDER_TIMEOUT" default:"15s"`
	MaxAttempts        int           `envconfig:"BAZAAR_PAYMENTS_MAX_ATTEMPTS" default:"4"`
	BackoffBase        time.Duration `envconfig:"BAZAAR_PAYMENTS_BACKOFF_BASE" default:"200ms"`
	BackoffCap         time.Duration `envconfig:"BAZAAR_PAYMENTS_BACKOFF_CAP" default:"5s"`
	IdempotencyTTL     time.Duration `envconfig:"BAZAAR_PAYMENTS_IDEMPOTENCY_TTL" default:"24h"`
	ReservationTimeout time.Duration `envconfig:"BAZAAR_PAYMENTS_RESERVATION_TIMEOUT" default:"2m"`
}

func (p PaymentsConfig) validate() error {
	if p.ProviderTimeout < MinProviderTimeout || p.ProviderTimeout > MaxProviderTimeout {
		return fmt.Errorf("%s must be between %s and %s", EnvPaymentsProviderTimeout, MinProviderTimeout, MaxProviderTimeout)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%s must be positive", EnvPaymentsMaxAttempts)
	}
	return nil
}

type ReconciliationConfig struct {
	SweepInterval time.Duration `envconfig:"BAZAAR_RECONCILE_SWEEP_INTERVAL" default:"5m"`
	StaleAfter    time.Duration `envconfig:"BAZAAR_RECONCILE_STALE_AFTER" default:"15m"`
	// PollEvery spaces provider polls of the same intent.
	PollEvery     time.Duration `envconfig:"BAZAAR_RECONCILE_POLL_EVERY" default:"1h"`
	// AbandonAfter stops polling intents created longer ago than this.
	AbandonAfter  time.Duration `envconfig:"BAZAAR_RECONCILE_ABANDON_AFTER" default:"72h"`
	BatchSize     int           `envconfig:"BAZAAR_RECONCILE_BATCH_SIZE" default:"100"`
	Concurrency   int           `envconfig:"BAZAAR_RECONCILE_CONCURRENCY" default:"4"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
