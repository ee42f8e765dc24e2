// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Workflows     WorkflowsConfig     `yaml:"workflows"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Notification  NotificationConfig  `yaml:"notification"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes persistence for cases, approval requests, the audit
// trail and configuration layers.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// WorkflowsConfig describes where workflow configuration layers come from.
type WorkflowsConfig struct {
	Directories []string `yaml:"directories"`
	// SeedOnStart loads Directories into the configuration store at startup.
	SeedOnStart bool `yaml:"seed_on_start"`
	// Overwrite replaces stored layers with the files' content.
	Overwrite bool `yaml:"overwrite"`
	// UseReferenceDefault seeds the built-in global layer when no global
	// layer is stored or shipped.
	UseReferenceDefault bool `yaml:"use_reference_default"`
}

// EscalationConfig describes the overdue-approval sweep.
type EscalationConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// NotificationConfig describes notification delivery.
type NotificationConfig struct {
	Driver      string               `yaml:"driver"`
	QueueSize   int                  `yaml:"queue_size"`
	Workers     int                  `yaml:"workers"`
	SendTimeout time.Duration        `yaml:"send_timeout"`
	Webhook     WebhookConfig        `yaml:"webhook"`
	Redis       RedisStreamConfig    `yaml:"redis"`
	NATS        NATSConfig           `yaml:"nats"`
	Breaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// WebhookConfig describes the webhook driver.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// RedisStreamConfig describes the Redis stream driver.
type RedisStreamConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`
}

// NATSConfig describes the NATS driver.
type NATSConfig struct {
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"`
}

// CircuitBreakerConfig describes circuit breaker settings for outbound
// notification transports.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
	// RedactFields names request body keys masked in debug logs, on top of
	// credentials.
	RedactFields []string `yaml:"redact_fields"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Store and driver names.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverLog      = "log"
	DriverWebhook  = "webhook"
	DriverNATS     = "nats"
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Site",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"site":       "site",
				"roles":      "roles",
			},
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "CASEFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Workflows: WorkflowsConfig{
			Directories:         []string{"configs/workflows"},
			SeedOnStart:         true,
			UseReferenceDefault: true,
		},
		Escalation: EscalationConfig{
			Enabled:   true,
			Interval:  60 * time.Second,
			BatchSize: 500,
		},
		Notification: NotificationConfig{
			Driver:      DriverLog,
			QueueSize:   256,
			Workers:     2,
			SendTimeout: 10 * time.Second,
			Webhook:     WebhookConfig{Timeout: 10 * time.Second},
			Redis: RedisStreamConfig{
				AddrEnv: "CASEFLOW_REDIS_ADDR",
				Stream:  "caseflow:notifications",
				MaxLen:  100000,
			},
			NATS: NATSConfig{
				URLEnv:        "CASEFLOW_NATS_URL",
				SubjectPrefix: "caseflow.notifications",
				Name:          "caseflow",
			},
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     DriverMemory,
				AddrEnv:    "CASEFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:     "info",
			RedactFields: []string{"notes", "reason"},
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	switch c.Store.Driver {
	case DriverMemory, DriverPostgres:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	if c.Escalation.Enabled && c.Escalation.Interval <= 0 {
		errs = append(errs, "escalation.interval must be positive")
	}

	switch c.Notification.Driver {
	case DriverLog, DriverRedis, DriverNATS:
	case DriverWebhook:
		if c.Notification.Webhook.URL == "" {
			errs = append(errs, "notification.webhook.url is required for the webhook driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notification.driver %q must be log, webhook, redis or nats", c.Notification.Driver))
	}
	if c.Notification.QueueSize < 1 {
		errs = append(errs, "notification.queue_size must be at least 1")
	}

	switch c.Idempotency.Store.Driver {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q must be memory or redis", c.Idempotency.Store.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CASEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CASEFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CASEFLOW_NOTIFICATION_DRIVER"); v != "" {
		cfg.Notification.Driver = v
	}
	if v := os.Getenv("CASEFLOW_ESCALATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Escalation.Interval = d
		}
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
