// Package app assembles the acquisition layer from configuration: cache,
// quota tracker, provider chain, resolver and rate limiter.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/newthinker/quotegate/internal/api"
	"github.com/newthinker/quotegate/internal/api/middleware"
	"github.com/newthinker/quotegate/internal/cache"
	"github.com/newthinker/quotegate/internal/config"
	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/metrics"
	"github.com/newthinker/quotegate/internal/provider"
	"github.com/newthinker/quotegate/internal/provider/alphavantage"
	"github.com/newthinker/quotegate/internal/provider/fmp"
	"github.com/newthinker/quotegate/internal/provider/yahoo"
	"github.com/newthinker/quotegate/internal/quota"
	"github.com/newthinker/quotegate/internal/ratelimit"
	"github.com/newthinker/quotegate/internal/resolver"
	"github.com/newthinker/quotegate/internal/storage/archive"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitPrefix = "quotegate:rl:"

// constructors maps provider names to adapters.
var constructors = map[string]func(provider.Config) provider.Provider{
	yahoo.Name:        func(c provider.Config) provider.Provider { return yahoo.New(c) },
	alphavantage.Name: func(c provider.Config) provider.Provider { return alphavantage.New(c) },
	fmp.Name:          func(c provider.Config) provider.Provider { return fmp.New(c) },
}

// App owns every long-lived component and their shared connections.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	redis       redis.UniversalClient
	cache       *cache.Store
	snapshotter *cache.Snapshotter
	quota       quota.Tracker
	registry    *provider.Registry
	resolver    *resolver.Resolver
	limiter     *ratelimit.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds the components selected by cfg. Backends that need a
// connection (redis, postgres) are contacted here so misconfiguration
// fails at startup.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewRegistry()
	}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Quota.Backend == "redis" || (cfg.RateLimit.Enabled && cfg.RateLimit.Backend == "redis") {
		a.redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return core.WrapError(core.ErrBackendDown, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err))
		}
	}

	tracker, err := a.buildQuota(ctx)
	if err != nil {
		return err
	}
	a.quota = tracker

	registry, err := a.buildRegistry()
	if err != nil {
		return err
	}
	a.registry = registry

	a.cache = cache.New(cfg.Cache.MaxEntries, cache.WithMetrics(a.metrics))
	if cfg.Cache.Snapshot.Enabled {
		storage, err := archive.New(cfg.Storage)
		if err != nil {
			return fmt.Errorf("snapshot storage: %w", err)
		}
		a.snapshotter = cache.NewSnapshotter(a.cache, storage, cfg.Cache.Snapshot.Keep, a.logger)
	}

	a.resolver = resolver.New(a.cache, a.quota, a.registry,
		resolver.WithLogger(a.logger),
		resolver.WithMetrics(a.metrics),
		resolver.WithForbiddenCooldown(cfg.Resolver.ForbiddenCooldown),
		resolver.WithSingleFlight(cfg.Resolver.SingleFlight),
		resolver.WithWalkTimeout(cfg.Server.RequestTimeout),
	)

	if cfg.RateLimit.Enabled {
		var store ratelimit.Store
		if cfg.RateLimit.Backend == "redis" {
			store = ratelimit.NewRedisStore(a.redis, rateLimitPrefix)
		} else {
			store = ratelimit.NewMemoryStore(nil)
		}
		a.limiter = ratelimit.New(store,
			ratelimit.WithTimeout(cfg.RateLimit.Timeout),
			ratelimit.WithLogger(a.logger),
			ratelimit.WithMetrics(a.metrics),
		)
	}
	return nil
}

func (a *App) buildQuota(ctx context.Context) (quota.Tracker, error) {
	policies := make(map[string]quota.Policy, len(a.cfg.Providers))
	for _, p := range a.cfg.Providers {
		policies[p.Name] = quota.Policy{Budget: p.DailyBudget, Dedupe: p.DedupeDaily}
	}

	switch a.cfg.Quota.Backend {
	case "", "memory":
		return quota.NewMemory(policies), nil
	case "redis":
		return quota.NewRedis(a.redis, policies), nil
	case "postgres", "sqlite":
		dialect := quota.Postgres
		if a.cfg.Quota.Backend == "sqlite" {
			dialect = quota.SQLite
		}
		db, err := quota.OpenSQL(ctx, dialect, a.cfg.Quota.DSN, policies)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("unknown quota backend %q", a.cfg.Quota.Backend))
	}
}

// buildRegistry registers enabled providers in configured order.
func (a *App) buildRegistry() (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, pc := range a.cfg.Providers {
		if !pc.Enabled {
			continue
		}
		newProvider, ok := constructors[pc.Name]
		if !ok {
			return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("unknown provider %q", pc.Name))
		}

		opts := []provider.TransportOption{
			provider.WithMetrics(a.metrics),
			provider.WithLogger(a.logger),
		}
		if pc.RequestsPerMinute > 0 {
			opts = append(opts, provider.WithRequestsPerMinute(pc.RequestsPerMinute))
		}
		if pc.Timeout > 0 {
			opts = append(opts, provider.WithTimeout(pc.Timeout))
		}
		if pc.MaxAttempts > 0 {
			opts = append(opts, provider.WithMaxAttempts(pc.MaxAttempts))
		}

		p := newProvider(provider.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Transport: opts})
		settings := provider.Settings{
			TTL: map[core.Kind]time.Duration{
				core.KindQuote:     pc.TTLFor(core.KindQuote),
				core.KindDividends: pc.TTLFor(core.KindDividends),
				core.KindHistory:   pc.TTLFor(core.KindHistory),
			},
			ChargeFailedCalls: pc.ChargeFailedCalls,
		}
		if err := reg.Register(p, settings); err != nil {
			return nil, err
		}
		a.logger.Debug("provider registered",
			zap.String("provider", pc.Name),
			zap.Int("daily_budget", pc.DailyBudget),
			zap.Bool("charge_failed_calls", pc.ChargeFailedCalls),
		)
	}
	if reg.Len() == 0 {
		return nil, core.WrapError(core.ErrConfigMissing, fmt.Errorf("no providers enabled"))
	}
	return reg, nil
}

// Start restores the latest cache snapshot and begins periodic
// snapshotting. It returns once background work is running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	done := make(chan struct{})
	a.done = done
	a.running = true

	if a.snapshotter == nil {
		close(done)
		return nil
	}
	if _, err := a.Restore(ctx); err != nil {
		a.logger.Warn("cache snapshot restore failed", zap.Error(err))
	}
	go func() {
		defer close(done)
		a.snapshotter.Run(ctx, a.cfg.Cache.Snapshot.Interval)
	}()
	return nil
}

// Restore loads the latest cache snapshot without starting periodic
// snapshots. It returns the number of entries restored.
func (a *App) Restore(ctx context.Context) (int, error) {
	if a.snapshotter == nil {
		return 0, nil
	}
	n, err := a.snapshotter.Restore(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.metrics.SetCacheEntries(a.cache.Len())
	}
	return n, nil
}

// Stop halts background work and waits for the final snapshot.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	<-done
}

// Close releases backend connections. Call after Stop.
func (a *App) Close() error {
	var firstErr error
	if a.quota != nil {
		if err := a.quota.Close(); err != nil {
			firstErr = err
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewServer builds the HTTP surface over the app's components.
func (a *App) NewServer() (*api.Server, error) {
	cfg := a.cfg
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return api.NewServer(api.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		RequestTimeout:   cfg.Server.RequestTimeout,
		AdminKey:         cfg.Server.AdminKey,
		MetricsPath:      metricsPath,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimit: middleware.RateLimitConfig{
			Limit:      cfg.RateLimit.Limit,
			Window:     cfg.RateLimit.Window,
			AccessKeys: cfg.Server.AccessKeys,
			Identity: ratelimit.IdentityConfig{
				TrustForwarded:  cfg.RateLimit.TrustForwarded,
				TrustedHops:     cfg.RateLimit.TrustedHops,
				AnonymousBucket: cfg.RateLimit.AnonymousBucket,
			},
		},
	}, api.Dependencies{
		Resolver: a.resolver,
		Quota:    a.quota,
		Limiter:  a.limiter,
		Metrics:  a.metrics,
	}, a.logger)
}

// Resolver returns the fallback resolver.
func (a *App) Resolver() *resolver.Resolver { return a.resolver }

// Quota returns the quota tracker.
func (a *App) Quota() quota.Tracker { return a.quota }

// Cache returns the cache store.
func (a *App) Cache() *cache.Store { return a.cache }

// Snapshotter returns nil when snapshots are disabled.
func (a *App) Snapshotter() *cache.Snapshotter { return a.snapshotter }

// ProviderNames lists enabled providers in fallback order.
func (a *App) ProviderNames() []string { return a.registry.Names() }
