// Package ratelimit admits inbound requests against per-client fixed-window
// counters held in a shared store.
//
// When the store cannot be reached the limiter fails open: the request is
// admitted and the failure is logged and counted. Rejecting everything while
// the store is down would take the public endpoints offline for an
// infrastructure fault, which is worse than briefly unenforced limits.
package ratelimit

import (
	"context"
	"time"

	"github.com/newthinker/quotegate/internal/metrics"
	"go.uber.org/zap"
)

// Decision is the outcome of one admission.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	FailOpen  bool // the store was unavailable and the request was admitted
}

// RetryAfter returns the wait before the window resets, rounded up to whole
// seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	return ((wait + time.Second - 1) / time.Second) * time.Second
}

const defaultTimeout = 250 * time.Millisecond

// Limiter makes admission decisions. It is safe for concurrent use.
type Limiter struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Registry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTimeout bounds each store round trip.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics counts decisions.
func WithMetrics(reg *metrics.Registry) Option {
	return func(l *Limiter) { l.metrics = reg }
}

// New creates a limiter backed by store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		timeout: defaultTimeout,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit counts one request for identity and reports whether it fits within
// limit requests per window.
func (l *Limiter) Admit(ctx context.Context, identity string, limit int, window time.Duration) Decision {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, resetAt, err := l.store.Increment(ctx, identity, window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, admitting request",
			zap.String("identity", identity),
			zap.Error(err),
		)
		l.metrics.RecordRateLimitDecision("fail_open")
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   l.now().Add(window),
			FailOpen:  true,
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if d.Allowed {
		l.metrics.RecordRateLimitDecision("allowed")
	} else {
		l.metrics.RecordRateLimitDecision("rejected")
	}
	return d
}
