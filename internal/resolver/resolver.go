// Package resolver answers a resource request from the cache or, on a miss,
// from the first provider in priority order that has quota and data. When
// every provider fails, or the walk runs out of time, the last known record is
// served stale, and when none exists an empty record is returned; provider
// errors never reach callers.
package resolver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/newthinker/quotegate/internal/cache"
	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/metrics"
	"github.com/newthinker/quotegate/internal/provider"
	"github.com/newthinker/quotegate/internal/quota"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source tags where a resolved record came from.
type Source string

const (
	SourceCacheFresh Source = "CACHE_FRESH"
	SourceCacheStale Source = "CACHE_STALE"
	SourceEmpty      Source = "EMPTY"

	providerPrefix = "PROVIDER:"
)

// ProviderSource returns the source tag for a provider fetch.
func ProviderSource(name string) Source {
	return Source(providerPrefix + name)
}

// Provider returns the provider name for PROVIDER:<name> sources, or "".
func (s Source) Provider() string {
	if !s.IsProvider() {
		return ""
	}
	return strings.TrimPrefix(string(s), providerPrefix)
}

// IsProvider reports whether the record was fetched during this resolution.
func (s Source) IsProvider() bool {
	return strings.HasPrefix(string(s), providerPrefix)
}

// Attempt outcomes that are not provider error kinds.
const (
	OutcomeOK          = "ok"
	OutcomeUnsupported = "unsupported"
	OutcomeCooldown    = "cooldown"
	OutcomeQuotaDenied = "quota_denied"
	OutcomeQuotaError  = "quota_error"
)

// Attempt describes what happened with one provider during a resolution.
type Attempt struct {
	Provider string        `json:"provider"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Result is a resolved record and how it was obtained.
type Result struct {
	Record    core.Record `json:"record"`
	Source    Source      `json:"source"`
	FetchedAt time.Time   `json:"fetched_at,omitempty"`
	Attempts  []Attempt   `json:"attempts,omitempty"`
}

const (
	defaultCooldown = 15 * time.Minute
	fallbackTTL     = 15 * time.Minute
	releaseTimeout  = 2 * time.Second
)

// Resolver runs the fallback chain. It is safe for concurrent use.
type Resolver struct {
	cache    *cache.Store
	quota    quota.Tracker
	registry *provider.Registry

	logger       *zap.Logger
	metrics      *metrics.Registry
	now          func() time.Time
	cooldown     time.Duration
	singleFlight bool
	walkTimeout  time.Duration

	group singleflight.Group

	mu        sync.Mutex
	suspended map[string]time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records resolutions and quota denials.
func WithMetrics(reg *metrics.Registry) Option {
	return func(r *Resolver) { r.metrics = reg }
}

// WithClock overrides the time source used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithForbiddenCooldown sets how long a provider that answered Forbidden is
// skipped. Zero disables the cooldown.
func WithForbiddenCooldown(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.cooldown = d
		}
	}
}

// WithSingleFlight collapses concurrent misses for the same key into one
// provider walk.
func WithSingleFlight(enabled bool) Option {
	return func(r *Resolver) { r.singleFlight = enabled }
}

// WithWalkTimeout bounds the provider walk of one resolution. When it
// expires the resolution degrades to a stale or empty record. Zero leaves
// the walk bounded only by the caller's context.
func WithWalkTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.walkTimeout = d
		}
	}
}

// New creates a resolver over the given cache, quota tracker and providers.
func New(store *cache.Store, tracker quota.Tracker, registry *provider.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		cache:        store,
		quota:        tracker,
		registry:     registry,
		logger:       zap.NewNop(),
		now:          time.Now,
		cooldown:     defaultCooldown,
		singleFlight: true,
		suspended:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the best available record for key. The only error is
// context.Canceled from a caller that went away; deadlines and every other
// failure degrade to a stale or empty result.
func (r *Resolver) Resolve(ctx context.Context, key core.ResourceKey) (Result, error) {
	if e, ok := r.cache.Get(key.String()); ok {
		r.metrics.RecordCacheLookup("hit")
		r.metrics.RecordResolution(metricSource(SourceCacheFresh))
		return Result{Record: e.Payload, Source: SourceCacheFresh, FetchedAt: e.FetchedAt}, nil
	}
	r.metrics.RecordCacheLookup("miss")

	var (
		res Result
		err error
	)
	if r.singleFlight {
		res, err = r.resolveShared(ctx, key)
	} else {
		res, err = r.resolveCold(ctx, key)
	}
	if err != nil {
		return Result{}, err
	}

	r.metrics.RecordResolution(metricSource(res.Source))
	r.logger.Debug("resolved",
		zap.String("key", key.String()),
		zap.String("source", string(res.Source)),
		zap.Int("attempts", len(res.Attempts)),
	)
	return res, nil
}

// resolveShared joins an in-flight resolution of the same key. A follower
// whose leader was cancelled runs its own resolution, and one whose own
// deadline passes first degrades without waiting.
func (r *Resolver) resolveShared(ctx context.Context, key core.ResourceKey) (Result, error) {
	ch := r.group.DoChan(key.String(), func() (any, error) {
		return r.resolveCold(ctx, key)
	})

	select {
	case <-ctx.Done():
		if callerGone(ctx) {
			return Result{}, ctx.Err()
		}
		return r.degrade(key, nil), nil
	case out := <-ch:
		if out.Err != nil {
			switch {
			case ctx.Err() == nil && isContextErr(out.Err):
				return r.resolveCold(ctx, key)
			case callerGone(ctx):
				return Result{}, ctx.Err()
			case ctx.Err() != nil:
				return r.degrade(key, nil), nil
			}
			return Result{}, out.Err
		}
		res := out.Val.(Result)
		if out.Shared {
			res.Attempts = append([]Attempt(nil), res.Attempts...)
		}
		return res, nil
	}
}

func (r *Resolver) resolveCold(ctx context.Context, key core.ResourceKey) (Result, error) {
	k := key.String()

	// a concurrent resolution may have filled the entry since the fast path
	if e, ok := r.cache.Get(k); ok {
		return Result{Record: e.Payload, Source: SourceCacheFresh, FetchedAt: e.FetchedAt}, nil
	}

	walkCtx, cancel := r.walkContext(ctx)
	defer cancel()

	var attempts []Attempt
	for _, entry := range r.registry.Ordered() {
		if walkCtx.Err() != nil {
			break
		}

		rec, attempt := r.try(walkCtx, entry, key)
		attempts = append(attempts, attempt)
		if rec == nil {
			continue
		}

		// a record that lands after the walk ended is neither served nor cached
		if walkCtx.Err() != nil {
			break
		}
		name := entry.Provider.Name()
		r.cache.Set(k, *rec, entry.Settings.TTLFor(key.Kind, fallbackTTL), cache.WithSource(name))
		return Result{Record: *rec, Source: ProviderSource(name), FetchedAt: r.now(), Attempts: attempts}, nil
	}

	if callerGone(ctx) {
		return Result{}, ctx.Err()
	}
	if err := walkCtx.Err(); err != nil {
		r.logger.Warn("provider walk ran out of time, degrading",
			zap.String("key", k),
			zap.Int("attempts", len(attempts)),
			zap.Error(err),
		)
	}
	return r.degrade(key, attempts), nil
}

func (r *Resolver) walkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.walkTimeout > 0 {
		return context.WithTimeout(ctx, r.walkTimeout)
	}
	return context.WithCancel(ctx)
}

// degrade serves the last known record, or an empty one.
func (r *Resolver) degrade(key core.ResourceKey, attempts []Attempt) Result {
	k := key.String()
	if e, freshness := r.cache.GetAllowingStale(k); freshness != cache.Absent {
		source := SourceCacheStale
		if freshness == cache.Fresh {
			source = SourceCacheFresh
		}
		return Result{Record: e.Payload, Source: source, FetchedAt: e.FetchedAt, Attempts: attempts}
	}
	return Result{Record: core.EmptyRecord(key), Source: SourceEmpty, Attempts: attempts}
}

// try consults quota and runs one provider. It returns a nil record when the
// chain should move on.
func (r *Resolver) try(ctx context.Context, entry provider.Entry, key core.ResourceKey) (*core.Record, Attempt) {
	p := entry.Provider
	name := p.Name()
	attempt := Attempt{Provider: name}
	k := key.String()

	if !p.Supports(key.Kind) {
		attempt.Outcome = OutcomeUnsupported
		return nil, attempt
	}
	if until, ok := r.suspendedUntil(name); ok {
		attempt.Outcome = OutcomeCooldown
		attempt.Reason = "forbidden until " + until.UTC().Format(time.RFC3339)
		return nil, attempt
	}

	// the unit is reserved before dispatch so concurrent walks cannot
	// overspend the budget
	d, err := r.quota.RecordCall(ctx, name, k)
	if err != nil {
		r.logger.Warn("quota backend unavailable, skipping provider",
			zap.String("provider", name),
			zap.String("key", k),
			zap.Error(err),
		)
		attempt.Outcome = OutcomeQuotaError
		attempt.Reason = err.Error()
		return nil, attempt
	}
	if !d.Allowed {
		r.metrics.RecordQuotaDenial(name, string(d.Reason))
		attempt.Outcome = OutcomeQuotaDenied
		attempt.Reason = string(d.Reason)
		return nil, attempt
	}

	start := time.Now()
	rec, err := p.Fetch(ctx, key)
	attempt.Duration = time.Since(start)
	if err == nil && rec == nil {
		err = provider.Errorf(name, provider.NoData, "empty result")
	}
	if err != nil {
		kind := provider.KindOf(err)
		attempt.Outcome = kind.String()
		attempt.Reason = err.Error()
		// providers that bill failed requests keep the unit
		r.release(ctx, quota.ReservationFor(name, k, d), !entry.Settings.ChargeFailedCalls)
		if ctx.Err() != nil {
			return nil, attempt
		}
		if kind == provider.Forbidden {
			r.suspend(name)
		}
		r.logger.Warn("provider failed",
			zap.String("provider", name),
			zap.String("key", k),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
		return nil, attempt
	}

	out := *rec
	out.Symbol = key.Symbol
	out.Kind = key.Kind
	out.Range = key.Range
	attempt.Outcome = OutcomeOK
	return &out, attempt
}

// release returns a failed call's key, and its unit when refund is set. It
// outlives a cancelled resolution.
func (r *Resolver) release(ctx context.Context, res quota.Reservation, refund bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := r.quota.Release(ctx, res, refund); err != nil {
		r.logger.Warn("releasing quota reservation failed",
			zap.String("provider", res.Provider),
			zap.String("key", res.Key),
			zap.Error(err),
		)
	}
}

func (r *Resolver) suspend(name string) {
	if r.cooldown <= 0 {
		return
	}
	until := r.now().Add(r.cooldown)
	r.mu.Lock()
	r.suspended[name] = until
	r.mu.Unlock()
	r.logger.Warn("provider suspended after forbidden response",
		zap.String("provider", name),
		zap.Time("until", until),
	)
}

func (r *Resolver) suspendedUntil(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.suspended[name]
	if !ok {
		return time.Time{}, false
	}
	if !r.now().Before(until) {
		delete(r.suspended, name)
		return time.Time{}, false
	}
	return until, true
}

// Cooldowns returns providers currently suspended and when each resumes.
func (r *Resolver) Cooldowns() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make(map[string]time.Time, len(r.suspended))
	for name, until := range r.suspended {
		if now.Before(until) {
			out[name] = until
		}
	}
	return out
}

// Providers returns the registered provider names in priority order.
func (r *Resolver) Providers() []string {
	return r.registry.Names()
}

// metricSource maps a source to its metric label, e.g. "provider:yahoo".
func metricSource(s Source) string {
	return strings.ToLower(string(s))
}

// callerGone reports whether the caller cancelled rather than timed out.
func callerGone(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
