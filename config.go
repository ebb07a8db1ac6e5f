package dispatch

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Broker drivers accepted in Config.BrokerDriver.
const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds process-wide settings for brokers, queues and workers.
// Values are read once at process start; nothing re-reads the environment.
type Config struct {
	// RedisURL locates the shared broker connection.
	RedisURL string `env:"REDIS_URL"`

	// BrokerDriver selects the backend: redis, postgres or memory.
	BrokerDriver string `env:"BROKER_DRIVER"`

	// DatabaseURL is the Postgres DSN used when BrokerDriver is postgres.
	DatabaseURL string `env:"DATABASE_URL"`

	// KeyPrefix namespaces every broker key or table row.
	KeyPrefix string `env:"DISPATCH_KEY_PREFIX"`

	// PollInterval is how long an idle claimer sleeps between empty polls.
	PollInterval time.Duration `env:"POLL_INTERVAL"`

	// ClaimWait bounds how long a single ClaimNext call may block.
	ClaimWait time.Duration `env:"CLAIM_WAIT"`

	// VisibilityTimeout is the default claim lease for all families.
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT"`

	// ReclaimInterval is how often workers sweep expired claims.
	ReclaimInterval time.Duration `env:"RECLAIM_INTERVAL"`

	// RetentionTTL is how long completed and failed records stay queryable.
	RetentionTTL time.Duration `env:"RETENTION_TTL"`

	// ShutdownTimeout is the maximum time to wait for in-flight jobs.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`

	HTTPAddr  string `env:"HTTP_ADDR"`
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	Import FamilyConfig `envPrefix:"IMPORT_"`
	Export FamilyConfig `envPrefix:"EXPORT_"`
	AI     FamilyConfig `envPrefix:"AI_"`
}

// FamilyConfig tunes one job family. Zero durations fall back to the
// process-wide values in Config.
type FamilyConfig struct {
	// MaxAttempts is the execution budget for each job, first run included.
	MaxAttempts int `env:"MAX_ATTEMPTS"`

	// Concurrency is the number of jobs one worker runs in parallel.
	Concurrency int `env:"CONCURRENCY"`

	// ExecutionTimeout bounds a single handler invocation.
	ExecutionTimeout time.Duration `env:"EXECUTION_TIMEOUT"`

	// VisibilityTimeout overrides Config.VisibilityTimeout for this family.
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT"`

	// TenantRate limits submissions per tenant per second. Zero disables it.
	TenantRate float64 `env:"TENANT_RATE"`

	// TenantBurst is the limiter bucket size.
	TenantBurst int `env:"TENANT_BURST"`

	// TenantOverrides replaces TenantRate for named organizations, e.g.
	// AI_TENANT_OVERRIDES=org-enterprise:0,org-trial:0.2. Zero is unlimited.
	TenantOverrides map[string]float64 `env:"TENANT_OVERRIDES"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RedisURL:          "redis://localhost:6379",
		BrokerDriver:      DriverRedis,
		KeyPrefix:         "dispatch",
		PollInterval:      500 * time.Millisecond,
		ClaimWait:         5 * time.Second,
		VisibilityTimeout: 30 * time.Minute,
		ReclaimInterval:   30 * time.Second,
		RetentionTTL:      7 * 24 * time.Hour,
		ShutdownTimeout:   30 * time.Second,
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		LogFormat:         "json",
		Import: FamilyConfig{
			MaxAttempts:      3,
			Concurrency:      2,
			ExecutionTimeout: 10 * time.Minute,
			TenantRate:       5,
			TenantBurst:      20,
		},
		Export: FamilyConfig{
			MaxAttempts:      3,
			Concurrency:      2,
			ExecutionTimeout: 15 * time.Minute,
			TenantRate:       5,
			TenantBurst:      20,
		},
		AI: FamilyConfig{
			MaxAttempts:      2,
			Concurrency:      1,
			ExecutionTimeout: 3 * time.Minute,
			TenantRate:       1,
			TenantBurst:      5,
		},
	}
}

// LoadConfig starts from DefaultConfig, loads the given dotenv files if
// they exist, and overlays the process environment.
func LoadConfig(files ...string) (Config, error) {
	cfg := DefaultConfig()

	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("dispatch: load env files: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("dispatch: parse env: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.BrokerDriver {
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("dispatch: REDIS_URL is required for the redis driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("dispatch: DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.BrokerDriver)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"VISIBILITY_TIMEOUT", c.VisibilityTimeout},
		{"POLL_INTERVAL", c.PollInterval},
		{"CLAIM_WAIT", c.ClaimWait},
		{"RECLAIM_INTERVAL", c.ReclaimInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("dispatch: %s must be positive", d.name)
		}
	}

	families := []struct {
		name string
		fc   FamilyConfig
	}{{"import", c.Import}, {"export", c.Export}, {"ai", c.AI}}

	for _, f := range families {
		name, fc := f.name, f.fc
		if fc.MaxAttempts < 1 {
			return fmt.Errorf("dispatch: %s max attempts must be at least 1", name)
		}
		if fc.Concurrency < 1 {
			return fmt.Errorf("dispatch: %s concurrency must be at least 1", name)
		}
		vis := fc.VisibilityTimeout
		if vis == 0 {
			vis = c.VisibilityTimeout
		}
		for org, r := range fc.TenantOverrides {
			if r < 0 {
				return fmt.Errorf("dispatch: %s tenant override for %q must not be negative", name, org)
			}
		}
		if fc.ExecutionTimeout > 0 && fc.ExecutionTimeout >= vis {
			return fmt.Errorf("dispatch: %s execution timeout %s must be shorter than visibility timeout %s",
				name, fc.ExecutionTimeout, vis)
		}
	}

	return nil
}

// Family returns the tuning for the named family with process-wide
// fallbacks applied.
func (c Config) Family(name string) (FamilyConfig, error) {
	var fc FamilyConfig
	switch name {
	case "import":
		fc = c.Import
	case "export":
		fc = c.Export
	case "ai":
		fc = c.AI
	default:
		return FamilyConfig{}, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
	}
	if fc.VisibilityTimeout == 0 {
		fc.VisibilityTimeout = c.VisibilityTimeout
	}
	return fc, nil
}
