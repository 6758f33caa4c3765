// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backend selectors for STORE_BACKEND.
const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// Auth policy selectors for AUTH_POLICY.
const (
	AuthNone   = "none"
	AuthAPIKey = "apikey"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/WebSocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// StoreBackend selects the log store: memory, bolt, or postgres.
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	// DatabaseURL is the Postgres DSN; required when StoreBackend is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// BoltPath is the bbolt database file path; required when StoreBackend is bolt.
	BoltPath string `mapstructure:"BOLT_PATH"`
	// AuthPolicy selects viewer authorization: none (broadcast) or apikey (per-tenant).
	AuthPolicy string `mapstructure:"AUTH_POLICY"`
	// SessionSecret signs viewer session tokens; required when AuthPolicy is apikey.
	SessionSecret string `mapstructure:"SESSION_SECRET"`
	// SessionTTL is the viewer session token lifetime (e.g. "24h").
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// ViewerBuffer is the per-connection outbound queue size; a viewer that
	// falls this far behind is dropped.
	ViewerBuffer int `mapstructure:"VIEWER_BUFFER"`
	// StoreTimeout bounds each persistence call (e.g. "5s").
	StoreTimeout string `mapstructure:"STORE_TIMEOUT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// Events (optional). When Kafka brokers are set, the router emits
	// routing lifecycle events to Kafka.
	// KafkaBrokers is a comma-separated list of broker addresses.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the Kafka topic for routing events.
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the event worker to push logs.
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Missing .env is ignored (e.g. in CI). Env vars
// override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("BOLT_PATH", "")
	v.SetDefault("AUTH_POLICY", AuthNone)
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("VIEWER_BUFFER", 256)
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "logflume-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "logflume-event-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	switch cfg.StoreBackend {
	case StoreMemory:
	case StoreBolt:
		if cfg.BoltPath == "" {
			return nil, errors.New("config: BOLT_PATH must be set when STORE_BACKEND=bolt")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when STORE_BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("config: unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	switch cfg.AuthPolicy {
	case AuthNone:
	case AuthAPIKey:
		if cfg.SessionSecret == "" {
			return nil, errors.New("config: SESSION_SECRET must be set when AUTH_POLICY=apikey")
		}
	default:
		return nil, fmt.Errorf("config: unknown AUTH_POLICY %q", cfg.AuthPolicy)
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.ViewerBuffer <= 0 {
		return nil, errors.New("config: VIEWER_BUFFER must be positive")
	}

	return &cfg, nil
}

// SessionTokenTTL parses SessionTTL as a time.Duration. Returns 24h if unset
// or invalid.
func (c *Config) SessionTokenTTL() time.Duration {
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// StoreCallTimeout parses StoreTimeout as a time.Duration. Returns 5s if
// unset or invalid.
func (c *Config) StoreCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.StoreTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// KafkaBrokersList returns broker addresses from the comma-separated config.
// Used to decide if event emission is enabled (non-empty list) and to create
// the emitter.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
