package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/newthinker/quotegate/internal/core"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Cache     CacheConfig      `mapstructure:"cache"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
	Quota     QuotaConfig      `mapstructure:"quota"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Resolver  ResolverConfig   `mapstructure:"resolver"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Log       LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AdminKey       string        `mapstructure:"admin_key"`
	AccessKeys     []string      `mapstructure:"access_keys"`
}

// CacheConfig bounds the in-process record cache.
type CacheConfig struct {
	MaxEntries int            `mapstructure:"max_entries"`
	Snapshot   SnapshotConfig `mapstructure:"snapshot"`
}

// SnapshotConfig controls periodic cache persistence to archive storage.
type SnapshotConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Keep     int           `mapstructure:"keep"`
}

// RateLimitConfig holds inbound rate limiting settings.
type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Backend         string        `mapstructure:"backend"` // "memory" or "redis"
	Limit           int           `mapstructure:"limit"`
	Window          time.Duration `mapstructure:"window"`
	Timeout         time.Duration `mapstructure:"timeout"`
	AnonymousBucket time.Duration `mapstructure:"anonymous_bucket"`
	TrustForwarded  bool          `mapstructure:"trust_forwarded"`
	TrustedHops     int           `mapstructure:"trusted_hops"`
}

// QuotaConfig selects where daily provider budgets are tracked.
type QuotaConfig struct {
	Backend string `mapstructure:"backend"` // "memory", "redis", "postgres" or "sqlite"
	DSN     string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ProviderConfig describes one upstream source. Order in the list is
// fallback priority.
type ProviderConfig struct {
	Name              string                   `mapstructure:"name"`
	Enabled           bool                     `mapstructure:"enabled"`
	APIKey            string                   `mapstructure:"api_key"`
	BaseURL           string                   `mapstructure:"base_url"`
	DailyBudget       int                      `mapstructure:"daily_budget"` // <= 0 means unlimited
	DedupeDaily       bool                     `mapstructure:"dedupe_daily"`
	ChargeFailedCalls bool                     `mapstructure:"charge_failed_calls"`
	TTL               map[string]time.Duration `mapstructure:"ttl"`
	RequestsPerMinute float64                  `mapstructure:"requests_per_minute"`
	Timeout           time.Duration            `mapstructure:"timeout"`
	MaxAttempts       int                      `mapstructure:"max_attempts"`
}

// TTLFor returns the cache lifetime for kind, falling back to built-in defaults.
func (p ProviderConfig) TTLFor(kind core.Kind) time.Duration {
	if d, ok := p.TTL[string(kind)]; ok && d > 0 {
		return d
	}
	return DefaultTTL(kind)
}

// DefaultTTL is the cache lifetime used when a provider does not override it.
func DefaultTTL(kind core.Kind) time.Duration {
	switch kind {
	case core.KindDividends:
		return 24 * time.Hour
	case core.KindHistory:
		return 12 * time.Hour
	default:
		return 15 * time.Minute
	}
}

type ResolverConfig struct {
	ForbiddenCooldown time.Duration `mapstructure:"forbidden_cooldown"`
	SingleFlight      bool          `mapstructure:"single_flight"`
}

type StorageConfig struct {
	Type string   `mapstructure:"type"` // "localfs" or "s3"
	Path string   `mapstructure:"path"` // For localfs
	S3   S3Config `mapstructure:"s3"`   // For S3
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file. An empty path loads defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Support environment variable overrides
	v.SetEnvPrefix("QUOTEGATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val, ok := v.Get(key).(string)
		if ok && strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envKey := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			v.Set(key, os.Getenv(envKey))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = Defaults().Providers
	}
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = expandEnv(cfg.Providers[i].APIKey)
	}

	return &cfg, nil
}

// list entries are not visited by AllKeys
func expandEnv(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}"))
	}
	return val
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.snapshot.enabled", d.Cache.Snapshot.Enabled)
	v.SetDefault("cache.snapshot.interval", d.Cache.Snapshot.Interval)
	v.SetDefault("cache.snapshot.keep", d.Cache.Snapshot.Keep)
	v.SetDefault("ratelimit.enabled", d.RateLimit.Enabled)
	v.SetDefault("ratelimit.backend", d.RateLimit.Backend)
	v.SetDefault("ratelimit.limit", d.RateLimit.Limit)
	v.SetDefault("ratelimit.window", d.RateLimit.Window)
	v.SetDefault("ratelimit.timeout", d.RateLimit.Timeout)
	v.SetDefault("ratelimit.anonymous_bucket", d.RateLimit.AnonymousBucket)
	v.SetDefault("ratelimit.trust_forwarded", d.RateLimit.TrustForwarded)
	v.SetDefault("ratelimit.trusted_hops", d.RateLimit.TrustedHops)
	v.SetDefault("quota.backend", d.Quota.Backend)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("resolver.forbidden_cooldown", d.Resolver.ForbiddenCooldown)
	v.SetDefault("resolver.single_flight", d.Resolver.SingleFlight)
	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("log.level", d.Log.Level)
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			Mode:           "release",
			RequestTimeout: 20 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 5000,
			Snapshot: SnapshotConfig{
				Enabled:  false,
				Interval: 10 * time.Minute,
				Keep:     3,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Backend:         "memory",
			Limit:           30,
			Window:          time.Minute,
			Timeout:         250 * time.Millisecond,
			AnonymousBucket: time.Hour,
			TrustForwarded:  false,
			TrustedHops:     1,
		},
		Quota: QuotaConfig{
			Backend: "memory",
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DialTimeout: 2 * time.Second,
		},
		Providers: []ProviderConfig{
			{
				Name:              "yahoo",
				Enabled:           true,
				RequestsPerMinute: 60,
				Timeout:           8 * time.Second,
				MaxAttempts:       2,
			},
			{
				Name:              "alphavantage",
				Enabled:           false,
				DailyBudget:       25,
				DedupeDaily:       true,
				ChargeFailedCalls: true,
				RequestsPerMinute: 5,
				Timeout:           10 * time.Second,
				MaxAttempts:       1,
			},
			{
				Name:              "fmp",
				Enabled:           false,
				DailyBudget:       250,
				DedupeDaily:       true,
				RequestsPerMinute: 30,
				Timeout:           8 * time.Second,
				MaxAttempts:       2,
			},
		},
		Resolver: ResolverConfig{
			ForbiddenCooldown: 15 * time.Minute,
			SingleFlight:      true,
		},
		Storage: StorageConfig{
			Type: "localfs",
			Path: "./data/archive",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if c.Cache.MaxEntries < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries))
	}
	if c.Cache.Snapshot.Enabled && c.Cache.Snapshot.Interval <= 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("cache.snapshot.interval must be positive"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Limit < 1 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("ratelimit.limit must be positive, got %d", c.RateLimit.Limit))
		}
		if c.RateLimit.Window < time.Second {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("ratelimit.window must be at least 1s, got %s", c.RateLimit.Window))
		}
		switch c.RateLimit.Backend {
		case "memory", "redis":
		default:
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("unknown ratelimit backend %q", c.RateLimit.Backend))
		}
	}

	switch c.Quota.Backend {
	case "memory", "redis":
	case "postgres", "sqlite":
		if c.Quota.DSN == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("quota.dsn required when backend is %s", c.Quota.Backend))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown quota backend %q", c.Quota.Backend))
	}

	if c.Resolver.ForbiddenCooldown < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("forbidden_cooldown cannot be negative, got %s", c.Resolver.ForbiddenCooldown))
	}

	seen := make(map[string]bool)
	enabled := 0
	for _, p := range c.Providers {
		if p.Name == "" {
			return core.WrapError(core.ErrConfigMissing, fmt.Errorf("provider name required"))
		}
		if seen[p.Name] {
			return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
		if !p.Enabled {
			continue
		}
		enabled++
		if c.Server.RequestTimeout > 0 && p.Timeout >= c.Server.RequestTimeout {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("provider %s: timeout %s must be shorter than server.request_timeout %s",
					p.Name, p.Timeout, c.Server.RequestTimeout))
		}
		switch p.Name {
		case "alphavantage", "fmp":
			if p.APIKey == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("%s api_key required when enabled", p.Name))
			}
		}
		for kind := range p.TTL {
			if !core.Kind(kind).Valid() {
				return core.WrapError(core.ErrConfigInvalid,
					fmt.Errorf("provider %s: unknown ttl kind %q", p.Name, kind))
			}
		}
	}
	if enabled == 0 {
		return core.WrapError(core.ErrConfigMissing, fmt.Errorf("at least one provider must be enabled"))
	}

	switch c.Storage.Type {
	case "localfs", "s3":
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}

	return nil
}

// ProviderWorstCase is the longest a provider walk can take when every
// enabled provider uses all its attempts up to its timeout.
func (c *Config) ProviderWorstCase() time.Duration {
	var total time.Duration
	for _, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		attempts := p.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		total += p.Timeout * time.Duration(attempts)
	}
	return total
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
