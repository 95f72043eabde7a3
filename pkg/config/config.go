package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Pricing      PricingConfig
	Settlement   SettlementConfig
	Metering     MeteringConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Analytics    AnalyticsConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if !cfg.FeatureFlags.UseSQLite {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Pricing.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Settlement.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"STREAMFAIR_APP_ENV" required:"true"`
	Port         string   `envconfig:"STREAMFAIR_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"STREAMFAIR_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"STREAMFAIR_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"STREAMFAIR_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "production")
}

type ServiceConfig struct {
	Kind string `envconfig:"STREAMFAIR_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN        string `envconfig:"STREAMFAIR_DB_DSN"`
	Driver     string `envconfig:"STREAMFAIR_DB_DRIVER" default:"postgres"`
	SQLitePath string `envconfig:"STREAMFAIR_SQLITE_PATH" default:"file::memory:?cache=shared"`

	LegacyHost     string `envconfig:"STREAMFAIR_DB_HOST"`
	LegacyPort     int    `envconfig:"STREAMFAIR_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STREAMFAIR_DB_USER"`
	LegacyPassword string `envconfig:"STREAMFAIR_DB_PASSWORD"`
	LegacyName     string `envconfig:"STREAMFAIR_DB_NAME"`
	LegacySSLMode  string `envconfig:"STREAMFAIR_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STREAMFAIR_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STREAMFAIR_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STREAMFAIR_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STREAMFAIR_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig is optional. An empty URL runs the api without shared locks,
// idempotency replay or heartbeat rate limiting.
type RedisConfig struct {
	URL          string        `envconfig:"STREAMFAIR_REDIS_URL"`
	Address      string        `envconfig:"STREAMFAIR_REDIS_ADDR"`
	Password     string        `envconfig:"STREAMFAIR_REDIS_PASSWORD"`
	DB           int           `envconfig:"STREAMFAIR_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STREAMFAIR_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STREAMFAIR_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STREAMFAIR_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STREAMFAIR_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STREAMFAIR_REDIS_WRITE_TIMEOUT" default:"5s"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type JWTConfig struct {
	Secret            string `envconfig:"STREAMFAIR_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"STREAMFAIR_JWT_ISSUER" default:"streamfair"`
	ExpirationMinutes int    `envconfig:"STREAMFAIR_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"STREAMFAIR_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"STREAMFAIR_AUTO_MIGRATE" default:"false"`
}

// PricingConfig mirrors the process-wide pricing options. Percentages are
// fractions (0.25 means 25%).
type PricingConfig struct {
	BasePriceCents int64   `envconfig:"STREAMFAIR_PRICING_BASE_PRICE_CENTS" default:"100"`
	Policy         string  `envconfig:"STREAMFAIR_PRICING_POLICY" default:"proportional"`
	DemandWeight   float64 `envconfig:"STREAMFAIR_PRICING_DEMAND_WEIGHT" default:"1"`
	TargetRatio    float64 `envconfig:"STREAMFAIR_PRICING_TARGET_RATIO" default:"0.5"`
	MaxShiftPct    float64 `envconfig:"STREAMFAIR_PRICING_MAX_SHIFT_PCT" default:"0.25"`
}

func (p PricingConfig) validate() error {
	if p.BasePriceCents < 0 {
		return fmt.Errorf("%s must be >= 0", EnvPricingBasePrice)
	}
	if _, err := enums.ParsePricingPolicy(p.Policy); err != nil {
		return fmt.Errorf("%s: %w", EnvPricingPolicy, err)
	}
	return nil
}

type SettlementConfig struct {
	Provider            string        `envconfig:"STREAMFAIR_SETTLEMENT_PROVIDER" default:"noop"`
	LedgerDSN           string        `envconfig:"STREAMFAIR_SETTLEMENT_LEDGER_DSN"`
	BoltPath            string        `envconfig:"STREAMFAIR_SETTLEMENT_BOLT_PATH" default:"streamfair-ledger.db"`
	ReceiverAccount     string        `envconfig:"STREAMFAIR_SETTLEMENT_RECEIVER_ACCOUNT" default:"creator-pool"`
	DefaultPayerAccount string        `envconfig:"STREAMFAIR_SETTLEMENT_DEFAULT_PAYER_ACCOUNT" default:"viewer-pool"`
	ChargeTimeout       time.Duration `envconfig:"STREAMFAIR_SETTLEMENT_CHARGE_TIMEOUT" default:"10s"`
	// SeedBalanceCents opens the default payer with this balance on ledger
	// providers when the account does not exist yet.
	SeedBalanceCents int64 `envconfig:"STREAMFAIR_SETTLEMENT_SEED_BALANCE_CENTS" default:"0"`
}

func (s SettlementConfig) validate() error {
	kind, err := enums.ParseSettlementProviderKind(s.Provider)
	if err != nil {
		return fmt.Errorf("%s: %w", EnvSettlementProvider, err)
	}
	if kind == enums.SettlementProviderPostgres && strings.TrimSpace(s.LedgerDSN) == "" {
		return fmt.Errorf("%s is required for the postgres provider", EnvSettlementLedgerDSN)
	}
	return nil
}

type MeteringConfig struct {
	// MaxProgressRate bounds reported seconds by wall-clock time since start.
	// Zero disables the bound.
	MaxProgressRate float64       `envconfig:"STREAMFAIR_METERING_MAX_PROGRESS_RATE" default:"2"`
	ProgressSlack   time.Duration `envconfig:"STREAMFAIR_METERING_PROGRESS_SLACK" default:"30s"`
	LockTTL         time.Duration `envconfig:"STREAMFAIR_METERING_LOCK_TTL" default:"30s"`
	LockWait        time.Duration `envconfig:"STREAMFAIR_METERING_LOCK_WAIT" default:"15s"`
	HeartbeatLimit  int           `envconfig:"STREAMFAIR_METERING_HEARTBEAT_LIMIT" default:"30"`
	HeartbeatWindow time.Duration `envconfig:"STREAMFAIR_METERING_HEARTBEAT_WINDOW" default:"1m"`
}

type CronConfig struct {
	Interval          time.Duration `envconfig:"STREAMFAIR_CRON_INTERVAL" default:"5m"`
	LockTTL           time.Duration `envconfig:"STREAMFAIR_CRON_LOCK_TTL" default:"10m"`
	StaleSessionAfter time.Duration `envconfig:"STREAMFAIR_CRON_STALE_SESSION_AFTER" default:"6h"`
	StaleSessionBatch int           `envconfig:"STREAMFAIR_CRON_STALE_SESSION_BATCH" default:"100"`
	OutboxRetention   time.Duration `envconfig:"STREAMFAIR_CRON_OUTBOX_RETENTION" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STREAMFAIR_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"STREAMFAIR_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STREAMFAIR_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	DomainTopic           string `envconfig:"STREAMFAIR_PUBSUB_DOMAIN_TOPIC" default:"streamfair-domain-events"`
	AnalyticsSubscription string `envconfig:"STREAMFAIR_PUBSUB_ANALYTICS_SUBSCRIPTION" default:"streamfair-analytics"`
}

type BigQueryConfig struct {
	Dataset         string `envconfig:"STREAMFAIR_BIGQUERY_DATASET" default:"streamfair"`
	WatchFactsTable string `envconfig:"STREAMFAIR_BIGQUERY_WATCH_FACTS_TABLE" default:"watch_facts"`
}

// AnalyticsConfig tunes the analytics worker. DedupeTTL should outlive the
// subscription's message retention.
type AnalyticsConfig struct {
	DedupeTTL         time.Duration `envconfig:"STREAMFAIR_ANALYTICS_DEDUPE_TTL" default:"168h"`
	InsertMaxAttempts int           `envconfig:"STREAMFAIR_ANALYTICS_INSERT_MAX_ATTEMPTS" default:"3"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"STREAMFAIR_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"STREAMFAIR_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"STREAMFAIR_OUTBOX_MAX_ATTEMPTS" default:"10"`
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
