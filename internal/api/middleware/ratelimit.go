package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/newthinker/quotegate/internal/api/response"
	"github.com/newthinker/quotegate/internal/metrics"
	"github.com/newthinker/quotegate/internal/ratelimit"
)

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Limit      int
	Window     time.Duration
	AccessKeys []string // holders skip the limiter entirely
	Identity   ratelimit.IdentityConfig
	Metrics    *metrics.Registry
	Now        func() time.Time
}

// RateLimit admits requests through limiter and reports the budget in
// X-RateLimit-* headers. Requests with a valid access credential are not
// counted.
func RateLimit(limiter *ratelimit.Limiter, cfg RateLimitConfig) func(http.Handler) http.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if matchKey(Credential(r), cfg.AccessKeys) {
				cfg.Metrics.RecordRateLimitDecision("bypass")
				w.Header().Set("X-RateLimit-Remaining", "unlimited")
				next.ServeHTTP(w, r)
				return
			}

			t := now()
			identity := ratelimit.Identify(r, cfg.Identity, t)
			d := limiter.Admit(r.Context(), identity, cfg.Limit, cfg.Window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := d.RetryAfter(t)
				h.Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
				response.RateLimited(w, retry, d.ResetAt)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
