/*
Package config loads server settings from the environment.

PURPOSE:
  One flat struct read by cmd/server. Values come from, in increasing
  precedence: defaults below, a .env file in the working directory, the
  process environment.

KEYS:
  PORT                HTTP port (8080)
  DB_DRIVER           sqlite | postgres (sqlite)
  SQLITE_PATH         database file (leave.db)
  PGSQL_URL           required when DB_DRIVER=postgres
  MIGRATIONS_PATH     golang-migrate source dir (store/postgres/migrations)
  REDIS_ADDR          idempotency cache; empty disables Idempotency-Key support
  IDEMPOTENCY_TTL     how long a submit response is replayable (24h)
  KAFKA_BROKERS       comma separated; empty logs notifications instead
  KAFKA_NOTIFY_TOPIC  (leave.notifications)
  JWT_SECRET          HS256 key for bearer tokens, required in production
  POLICY_FILE         JSON catalog; empty uses the built-in presets
  DIRECTORY_FILE      JSON roles + employees; required
  LOG_LEVEL           debug | info | warn | error (info)
  TX_MAX_ATTEMPTS     serialization retries per operation (3)
  AUDIT_TIMEOUT       bound on post-commit audit writes (5s)
  IS_PRODUCTION       production logger + strict checks (false)
  RATE_LIMIT_RPS      requests per second per actor, 0 disables (20)
  RATE_LIMIT_BURST    bucket size per actor (40)

SEE ALSO:
  - cmd/server/main.go: consumer
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const insecureDevSecret = "dev-only-leave-engine-secret-change-me"

type Config struct {
	Port           string
	DBDriver       string
	SQLitePath     string
	DatabaseURL    string
	MigrationsPath string

	RedisAddr      string
	IdempotencyTTL time.Duration

	KafkaBrokers     []string
	KafkaNotifyTopic string

	JWTSecret string

	PolicyFile    string
	DirectoryFile string

	LogLevel      zapcore.Level
	TxMaxAttempts int
	AuditTimeout  time.Duration
	IsProduction  bool

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "leave.db")
	v.SetDefault("PGSQL_URL", "")
	v.SetDefault("MIGRATIONS_PATH", "store/postgres/migrations")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_NOTIFY_TOPIC", "leave.notifications")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("DIRECTORY_FILE", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TX_MAX_ATTEMPTS", 3)
	v.SetDefault("AUDIT_TIMEOUT", "5s")
	v.SetDefault("IS_PRODUCTION", false)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.AutomaticEnv()

	cfg := &Config{
		Port:             v.GetString("PORT"),
		DBDriver:         strings.ToLower(v.GetString("DB_DRIVER")),
		SQLitePath:       v.GetString("SQLITE_PATH"),
		DatabaseURL:      v.GetString("PGSQL_URL"),
		MigrationsPath:   v.GetString("MIGRATIONS_PATH"),
		RedisAddr:        v.GetString("REDIS_ADDR"),
		KafkaBrokers:     splitList(v.GetString("KAFKA_BROKERS")),
		KafkaNotifyTopic: v.GetString("KAFKA_NOTIFY_TOPIC"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		PolicyFile:       v.GetString("POLICY_FILE"),
		DirectoryFile:    v.GetString("DIRECTORY_FILE"),
		TxMaxAttempts:    v.GetInt("TX_MAX_ATTEMPTS"),
		IsProduction:     v.GetBool("IS_PRODUCTION"),
		RateLimitRPS:     v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:   v.GetInt("RATE_LIMIT_BURST"),
	}

	var err error
	if cfg.IdempotencyTTL, err = duration(v, "IDEMPOTENCY_TTL"); err != nil {
		return nil, err
	}
	if cfg.AuditTimeout, err = duration(v, "AUDIT_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = zapcore.ParseLevel(v.GetString("LOG_LEVEL")); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("PGSQL_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER %q is not supported", c.DBDriver)
	}

	if c.DirectoryFile == "" {
		return errors.New("DIRECTORY_FILE is required")
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be at least 1, got %d", c.TxMaxAttempts)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1, got %d", c.RateLimitBurst)
	}
	if c.JWTSecret == "" {
		if c.IsProduction {
			return errors.New("JWT_SECRET is required in production")
		}
		c.JWTSecret = insecureDevSecret
	}
	return nil
}

// UsesInsecureSecret reports whether the built-in development key is active.
func (c *Config) UsesInsecureSecret() bool {
	return c.JWTSecret == insecureDevSecret
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
