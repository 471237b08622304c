package config

import "time"

const (
	EnvPrefix = "BAZAAR"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	MinProviderTimeout = 10 * time.Second
	MaxProviderTimeout = 30 * time.Second
)

const (
	EnvAppEnv                  = "BAZAAR_APP_ENV"
	EnvPort                    = "BAZAAR_APP_PORT"
	EnvDBDSN                   = "BAZAAR_DB_DSN"
	EnvDBHost                  = "BAZAAR_DB_HOST"
	EnvDBUser                  = "BAZAAR_DB_USER"
	EnvDBName                  = "BAZAAR_DB_NAME"
	EnvRedisURL                = "BAZAAR_REDIS_URL"
	EnvJWTSecret               = "BAZAAR_JWT_SECRET"
	EnvJWTIssuer               = "BAZAAR_JWT_ISSUER"
	EnvGCPProjectID            = "BAZAAR_GCP_PROJECT_ID"
	EnvPubSubOrdersTopic       = "BAZAAR_PUBSUB_ORDERS_TOPIC"
	EnvPubSubOrdersSub         = "BAZAAR_PUBSUB_ORDERS_SUBSCRIPTION"
	EnvPubSubAlertsTopic       = "BAZAAR_PUBSUB_ALERTS_TOPIC"
	EnvPaymentsProviderTimeout = "BAZAAR_PAYMENTS_PROVIDER_TIMEOUT"
	EnvPaymentsMaxAttempts     = "BAZAAR_PAYMENTS_MAX_ATTEMPTS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
