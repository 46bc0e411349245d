package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Tracker  TrackerConfig
	Webhook  WebhookConfig
	Sync     SyncConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values and the keys the sync engine uses.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	LockTTL       time.Duration
	WebhookStream string
	ConsumerGroup string
	ConsumerName  string
	AlertStream   string
	// ReclaimIdle is how long a webhook delivery may stay unacknowledged
	// before another consumer takes it over.
	ReclaimIdle time.Duration
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level   string
	Format  string
	Service string
	Env     string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// TrackerConfig holds the tracker endpoint and credential pair.
type TrackerConfig struct {
	URL                  string
	Username             string
	Token                string
	ProjectKey           string
	RequestTimeout       time.Duration
	ChannelFieldID       string
	TargetDateFieldID    string
	DefaultIssueTypeName string
}

// WebhookConfig configures inbound delivery verification.
type WebhookConfig struct {
	Secret     string
	AsyncMode  bool
	BodyLimitB int
}

// SyncConfig tunes the sweep that retries failed pushes.
type SyncConfig struct {
	SweepInterval    time.Duration
	SweepBatchSize   int
	MaxSweepAttempts int
}

// Load reads configuration from .env and environment variables, applying
// defaults where possible. Required values are checked by Validate.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  v.GetString("app.name"),
			Env:                   v.GetString("app.env"),
			Host:                  v.GetString("app.host"),
			Port:                  v.GetString("app.port"),
			Version:               v.GetString("app.version"),
			RequestTimeoutSeconds: v.GetInt("app.request_timeout_seconds"),
		},
		Postgres: PostgresConfig{
			DSN:            v.GetString("postgres.dsn"),
			MaxConns:       v.GetInt32("postgres.max_conns"),
			MinConns:       v.GetInt32("postgres.min_conns"),
			RunMigrations:  v.GetBool("postgres.run_migrations"),
			MigrationsDir:  v.GetString("postgres.migrations_dir"),
			ConnMaxIdleSec: v.GetInt32("postgres.conn_max_idle_seconds"),
			ConnMaxLifeSec: v.GetInt32("postgres.conn_max_life_seconds"),
		},
		Redis: RedisConfig{
			Addr:          v.GetString("redis.addr"),
			Password:      v.GetString("redis.password"),
			DB:            v.GetInt("redis.db"),
			LockTTL:       v.GetDuration("redis.lock_ttl"),
			WebhookStream: v.GetString("redis.webhook_stream"),
			ConsumerGroup: v.GetString("redis.consumer_group"),
			ConsumerName:  v.GetString("redis.consumer_name"),
			AlertStream:   v.GetString("redis.alert_stream"),
			ReclaimIdle:   v.GetDuration("redis.reclaim_idle"),
		},
		Logger: LoggerConfig{
			Level:   v.GetString("log.level"),
			Format:  v.GetString("log.format"),
			Service: v.GetString("app.name"),
			Env:     v.GetString("app.env"),
		},
		Auth: AuthConfig{
			JWTSecret:             v.GetString("auth.jwt_secret"),
			AccessTokenTTLMinutes: v.GetInt("auth.access_token_ttl_minutes"),
		},
		Tracker: TrackerConfig{
			URL:                  v.GetString("tracker.url"),
			Username:             v.GetString("tracker.username"),
			Token:                v.GetString("tracker.token"),
			ProjectKey:           v.GetString("tracker.project_key"),
			RequestTimeout:       v.GetDuration("tracker.request_timeout"),
			ChannelFieldID:       v.GetString("tracker.channel_field_id"),
			TargetDateFieldID:    v.GetString("tracker.target_date_field_id"),
			DefaultIssueTypeName: v.GetString("tracker.default_issue_type"),
		},
		Webhook: WebhookConfig{
			Secret:     v.GetString("webhook.secret"),
			AsyncMode:  v.GetBool("webhook.async"),
			BodyLimitB: v.GetInt("webhook.body_limit_bytes"),
		},
		Sync: SyncConfig{
			SweepInterval:    v.GetDuration("sync.sweep_interval"),
			SweepBatchSize:   v.GetInt("sync.sweep_batch_size"),
			MaxSweepAttempts: v.GetInt("sync.max_sweep_attempts"),
		},
	}

	if cfg.App.IsDevelopment() && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = DevJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envBindings = map[string]string{
	"app.name":                       "APP_NAME",
	"app.env":                        "APP_ENV",
	"app.host":                       "APP_HOST",
	"app.port":                       "APP_PORT",
	"app.version":                    "APP_VERSION",
	"app.request_timeout_seconds":    "HTTP_REQUEST_TIMEOUT_SECONDS",
	"postgres.dsn":                   "POSTGRES_DSN",
	"postgres.max_conns":             "POSTGRES_MAX_CONNS",
	"postgres.min_conns":             "POSTGRES_MIN_CONNS",
	"postgres.run_migrations":        "POSTGRES_RUN_MIGRATIONS",
	"postgres.migrations_dir":        "POSTGRES_MIGRATIONS_DIR",
	"postgres.conn_max_idle_seconds": "POSTGRES_CONN_MAX_IDLE_SECONDS",
	"postgres.conn_max_life_seconds": "POSTGRES_CONN_MAX_LIFE_SECONDS",
	"redis.addr":                     "REDIS_ADDR",
	"redis.password":                 "REDIS_PASSWORD",
	"redis.db":                       "REDIS_DB",
	"redis.lock_ttl":                 "REDIS_LOCK_TTL",
	"redis.webhook_stream":           "REDIS_WEBHOOK_STREAM",
	"redis.consumer_group":           "REDIS_CONSUMER_GROUP",
	"redis.consumer_name":            "REDIS_CONSUMER_NAME",
	"redis.alert_stream":             "REDIS_ALERT_STREAM",
	"redis.reclaim_idle":             "REDIS_RECLAIM_IDLE",
	"log.level":                      "LOG_LEVEL",
	"log.format":                     "LOG_FORMAT",
	"auth.jwt_secret":                "AUTH_JWT_SECRET",
	"auth.access_token_ttl_minutes":  "AUTH_ACCESS_TOKEN_TTL_MINUTES",
	"tracker.url":                    "TRACKER_URL",
	"tracker.username":               "TRACKER_USERNAME",
	"tracker.token":                  "TRACKER_TOKEN",
	"tracker.project_key":            "TRACKER_PROJECT_KEY",
	"tracker.request_timeout":        "TRACKER_REQUEST_TIMEOUT",
	"tracker.channel_field_id":       "TRACKER_CHANNEL_FIELD_ID",
	"tracker.target_date_field_id":   "TRACKER_TARGET_DATE_FIELD_ID",
	"tracker.default_issue_type":     "TRACKER_DEFAULT_ISSUE_TYPE",
	"webhook.secret":                 "WEBHOOK_SECRET",
	"webhook.async":                  "WEBHOOK_ASYNC",
	"webhook.body_limit_bytes":       "WEBHOOK_BODY_LIMIT_BYTES",
	"sync.sweep_interval":            "SYNC_SWEEP_INTERVAL",
	"sync.sweep_batch_size":          "SYNC_SWEEP_BATCH_SIZE",
	"sync.max_sweep_attempts":        "SYNC_MAX_SWEEP_ATTEMPTS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tracker-sync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.request_timeout_seconds", 30)
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.run_migrations", true)
	v.SetDefault("postgres.migrations_dir", "migrations")
	v.SetDefault("postgres.conn_max_idle_seconds", 30)
	v.SetDefault("postgres.conn_max_life_seconds", 300)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "2m")
	v.SetDefault("redis.webhook_stream", "tracker_webhooks")
	v.SetDefault("redis.consumer_group", "tracker-sync")
	v.SetDefault("redis.consumer_name", "ingest-1")
	v.SetDefault("redis.alert_stream", "tracker_sync_alerts")
	v.SetDefault("redis.reclaim_idle", "1m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.access_token_ttl_minutes", 60)
	v.SetDefault("tracker.project_key", "OD")
	v.SetDefault("tracker.request_timeout", "20s")
	v.SetDefault("tracker.default_issue_type", "Task")
	v.SetDefault("webhook.async", true)
	v.SetDefault("webhook.body_limit_bytes", 1<<20)
	v.SetDefault("sync.sweep_interval", "5m")
	v.SetDefault("sync.sweep_batch_size", 50)
	v.SetDefault("sync.max_sweep_attempts", 10)
}

// DevJWTSecret signs tokens when APP_ENV is development and no secret is set.
// Any other environment refuses to start with it.
const DevJWTSecret = "dev-secret"

// Validate ensures that all required configuration values are provided.
// Outside development the JWT and webhook secrets are required too.
func (c *Config) Validate() error {
	var missingVars []string

	if c.Tracker.URL == "" {
		missingVars = append(missingVars, "TRACKER_URL")
	}
	if c.Tracker.Username == "" {
		missingVars = append(missingVars, "TRACKER_USERNAME")
	}
	if c.Tracker.Token == "" {
		missingVars = append(missingVars, "TRACKER_TOKEN")
	}
	if c.Postgres.DSN == "" {
		missingVars = append(missingVars, "POSTGRES_DSN")
	}
	if !c.App.IsDevelopment() {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == DevJWTSecret {
			missingVars = append(missingVars, "AUTH_JWT_SECRET")
		}
		if c.Webhook.Secret == "" {
			missingVars = append(missingVars, "WEBHOOK_SECRET")
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// IsDevelopment reports whether the service runs with local defaults.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development"
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}
