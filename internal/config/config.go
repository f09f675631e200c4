package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. FEEDBACKHUB_SERVER_PORT.
const EnvPrefix = "FEEDBACKHUB"

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks" yaml:"webhooks"`
	Billing   BillingConfig   `mapstructure:"billing" yaml:"billing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type DatabaseConfig struct {
	URL         string `mapstructure:"url" yaml:"url"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

type AuthConfig struct {
	// Mode is "dev" (tenant:role tokens) or "jwt" (HS256 tokens).
	Mode       string `mapstructure:"mode" yaml:"mode"`
	JWTSecret  string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer  string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	CronSecret string `mapstructure:"cron_secret" yaml:"cron_secret"`
}

type WebhooksConfig struct {
	WorkerEnabled  bool          `mapstructure:"worker_enabled" yaml:"worker_enabled"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	Lease          time.Duration `mapstructure:"lease" yaml:"lease"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	// RatePerSecond paces outbound requests; 0 disables pacing.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
	// AllowInsecureLocal permits http:// URLs on loopback hosts.
	AllowInsecureLocal bool `mapstructure:"allow_insecure_local" yaml:"allow_insecure_local"`
}

type BillingConfig struct {
	// Scheme is "stripe" (Stripe-Signature header) or "hmac" (X-Webhook-Signature header).
	Scheme        string        `mapstructure:"scheme" yaml:"scheme"`
	WebhookSecret string        `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	Tolerance     time.Duration `mapstructure:"tolerance" yaml:"tolerance"`
	Period        time.Duration `mapstructure:"period" yaml:"period"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`

	// ClaimTimeout is how long an unfinished event claim blocks redeliveries of the same id.
	ClaimTimeout time.Duration `mapstructure:"claim_timeout" yaml:"claim_timeout"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Backend  string        `mapstructure:"backend" yaml:"backend"`
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`

	// TrustProxy keys clients by the first X-Forwarded-For entry. Enable only
	// behind a proxy that overwrites the header.
	TrustProxy bool `mapstructure:"trust_proxy" yaml:"trust_proxy"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Format   string `mapstructure:"format" yaml:"format"`
	Output   string `mapstructure:"output" yaml:"output"`
	FilePath string `mapstructure:"file_path" yaml:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "feedbackhub:")

	v.SetDefault("auth.mode", "dev")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "feedbackhub")
	v.SetDefault("auth.cron_secret", "")

	v.SetDefault("webhooks.worker_enabled", true)
	v.SetDefault("webhooks.poll_interval", 10*time.Second)
	v.SetDefault("webhooks.batch_size", 50)
	v.SetDefault("webhooks.concurrency", 10)
	v.SetDefault("webhooks.attempt_timeout", 30*time.Second)
	v.SetDefault("webhooks.lease", 2*time.Minute)
	v.SetDefault("webhooks.backoff_base", 30*time.Second)
	v.SetDefault("webhooks.backoff_max", time.Hour)
	v.SetDefault("webhooks.rate_per_second", 0)
	v.SetDefault("webhooks.burst", 10)
	v.SetDefault("webhooks.allow_insecure_local", false)

	v.SetDefault("billing.scheme", "stripe")
	v.SetDefault("billing.webhook_secret", "")
	v.SetDefault("billing.tolerance", 5*time.Minute)
	v.SetDefault("billing.period", 30*24*time.Hour)
	v.SetDefault("billing.sweep_interval", time.Hour)
	v.SetDefault("billing.max_body_bytes", 65536)
	v.SetDefault("billing.claim_timeout", 5*time.Minute)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.trust_proxy", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
}

// Load reads defaults, then the optional YAML file at path, then FEEDBACKHUB_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Auth.Mode {
	case "dev":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required when auth.mode=jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q must be dev or jwt", c.Auth.Mode))
	}
	if c.Billing.Scheme != "stripe" && c.Billing.Scheme != "hmac" {
		errs = append(errs, fmt.Errorf("billing.scheme %q must be stripe or hmac", c.Billing.Scheme))
	}
	if c.Webhooks.BatchSize <= 0 {
		errs = append(errs, errors.New("webhooks.batch_size must be positive"))
	}
	if c.Webhooks.Concurrency <= 0 {
		errs = append(errs, errors.New("webhooks.concurrency must be positive"))
	}
	if c.Webhooks.PollInterval <= 0 {
		errs = append(errs, errors.New("webhooks.poll_interval must be positive"))
	}
	if c.RateLimit.Backend != "memory" && c.RateLimit.Backend != "redis" {
		errs = append(errs, fmt.Errorf("rate_limit.backend %q must be memory or redis", c.RateLimit.Backend))
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.Enabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required for the redis rate limit backend"))
	}
	return errors.Join(errs...)
}

const redacted = "********"

// Masked returns a copy of the configuration with secrets replaced.
func (c Config) Masked() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.Auth.JWTSecret)
	mask(&c.Auth.CronSecret)
	mask(&c.Billing.WebhookSecret)
	mask(&c.Database.URL)
	mask(&c.Redis.URL)
	return c
}

// YAML renders the effective configuration with secrets masked.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Masked())
}
