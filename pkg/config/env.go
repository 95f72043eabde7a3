package config

// EnvPrefix is passed to envconfig; every field carries its full key so the
// prefix only matters for the generated usage output.
const EnvPrefix = "STREAMFAIR"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "STREAMFAIR_APP_ENV"
	EnvPort     = "STREAMFAIR_APP_PORT"
	EnvLogLevel = "STREAMFAIR_LOG_LEVEL"

	EnvDBDSN  = "STREAMFAIR_DB_DSN"
	EnvDBHost = "STREAMFAIR_DB_HOST"
	EnvDBUser = "STREAMFAIR_DB_USER"
	EnvDBName = "STREAMFAIR_DB_NAME"

	EnvRedisURL = "STREAMFAIR_REDIS_URL"

	EnvJWTSecret  = "STREAMFAIR_JWT_SECRET"
	EnvJWTIssuer  = "STREAMFAIR_JWT_ISSUER"
	EnvJWTExpMins = "STREAMFAIR_JWT_EXPIRATION_MINUTES"

	EnvUseSQLite   = "STREAMFAIR_USE_SQLITE"
	EnvAutoMigrate = "STREAMFAIR_AUTO_MIGRATE"

	EnvPricingBasePrice   = "STREAMFAIR_PRICING_BASE_PRICE_CENTS"
	EnvPricingPolicy      = "STREAMFAIR_PRICING_POLICY"
	EnvPricingMaxShiftPct = "STREAMFAIR_PRICING_MAX_SHIFT_PCT"

	EnvSettlementProvider  = "STREAMFAIR_SETTLEMENT_PROVIDER"
	EnvSettlementLedgerDSN = "STREAMFAIR_SETTLEMENT_LEDGER_DSN"

	EnvMeteringMaxProgressRate = "STREAMFAIR_METERING_MAX_PROGRESS_RATE"

	EnvGCPProjectID      = "STREAMFAIR_GCP_PROJECT_ID"
	EnvPubSubDomainTopic = "STREAMFAIR_PUBSUB_DOMAIN_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
