// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port          int    `yaml:"port"`
	PublicBaseURL string `yaml:"public_base_url"` // used to build return/notify URLs
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ExchangeConfig holds the configured USD->IQD rate. Conversion happens once,
// at session initiation; reconciliation always compares against the converted
// amount stored on the ledger row.
type ExchangeConfig struct {
	USDToIQD float64 `yaml:"usd_to_iqd"`
}

// GatewayConfig is the per-provider credential/environment block. It is
// read-only to the engine and injected into the adapters that need it.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Env     string `yaml:"env"` // test|live
	BaseURL string `yaml:"base_url"`

	// PayTabs
	ProfileID string `yaml:"profile_id"`
	ServerKey string `yaml:"server_key"`

	// ZainCash
	MerchantID string `yaml:"merchant_id"`
	Secret     string `yaml:"secret"`
	MSISDN     string `yaml:"msisdn"`

	// Stripe
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`

	// QiCard (Basic auth)
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// FIB (OAuth2 client credentials)
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type PaymentsConfig struct {
	PayTabs  GatewayConfig `yaml:"paytabs"`
	ZainCash GatewayConfig `yaml:"zaincash"`
	Stripe   GatewayConfig `yaml:"stripe"`
	QiCard   GatewayConfig `yaml:"qicard"`
	FIB      GatewayConfig `yaml:"fib"`

	// Timeout applied to every outbound provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type ReconcilerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	BatchLimit   int           `yaml:"batch_limit"`
	Workers      int           `yaml:"workers"`
	RetryEnabled bool          `yaml:"retry_enabled"` // activation retry worker
}

type RateLimitConfig struct {
	StatusPollPerMinute int `yaml:"status_poll_per_minute"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Payments   PaymentsConfig   `yaml:"payments"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Payments.CallTimeout <= 0 {
		cfg.Payments.CallTimeout = 20 * time.Second
	}
	if cfg.Reconciler.Interval <= 0 {
		cfg.Reconciler.Interval = time.Minute
	}
	if cfg.Reconciler.StaleAfter <= 0 {
		cfg.Reconciler.StaleAfter = 10 * time.Minute
	}
	if cfg.Reconciler.BatchLimit <= 0 {
		cfg.Reconciler.BatchLimit = 200
	}
	if cfg.Reconciler.Workers <= 0 {
		cfg.Reconciler.Workers = 8
	}
	if cfg.RateLimit.StatusPollPerMinute <= 0 {
		cfg.RateLimit.StatusPollPerMinute = 60
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Server.PublicBaseURL == "" {
		return nil, errors.New("server.public_base_url is required")
	}
	if cfg.Exchange.USDToIQD <= 0 {
		return nil, errors.New("exchange.usd_to_iqd is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
