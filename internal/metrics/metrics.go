package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds all Prometheus metrics. A nil *Registry is valid and
// records nothing, so components can be built without metrics in tests.
type Registry struct {
	*prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Acquisition metrics
	cacheLookups       *prometheus.CounterVec
	cacheEntries       prometheus.Gauge
	cacheEvictions     prometheus.Counter
	providerCalls      *prometheus.CounterVec
	providerDuration   *prometheus.HistogramVec
	resolutions        *prometheus.CounterVec
	quotaDenials       *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Register Go runtime metrics
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		Registry: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
		),
	}

	reg.MustRegister(r.httpRequestsTotal)
	reg.MustRegister(r.httpRequestDuration)
	reg.MustRegister(r.httpRequestsInFlight)

	r.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotegate_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, stale)",
		},
		[]string{"result"},
	)
	r.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotegate_cache_entries",
			Help: "Number of entries held in the record cache",
		},
	)
	r.cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotegate_cache_evictions_total",
			Help: "Entries evicted under capacity pressure",
		},
	)
	r.providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotegate_provider_calls_total",
			Help: "Upstream provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)
	r.providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotegate_provider_call_duration_seconds",
			Help:    "Upstream provider call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)
	r.resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotegate_resolutions_total",
			Help: "Resolutions by source (cache_fresh, provider, cache_stale, empty)",
		},
		[]string{"source"},
	)
	r.quotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotegate_quota_denials_total",
			Help: "Provider calls skipped by the quota tracker",
		},
		[]string{"provider", "reason"},
	)
	r.rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotegate_ratelimit_decisions_total",
			Help: "Inbound admission decisions (allowed, rejected, bypass, fail_open)",
		},
		[]string{"decision"},
	)

	reg.MustRegister(r.cacheLookups)
	reg.MustRegister(r.cacheEntries)
	reg.MustRegister(r.cacheEvictions)
	reg.MustRegister(r.providerCalls)
	reg.MustRegister(r.providerDuration)
	reg.MustRegister(r.resolutions)
	reg.MustRegister(r.quotaDenials)
	reg.MustRegister(r.rateLimitDecisions)

	return r
}

// RecordRequest records metrics for an HTTP request.
func (r *Registry) RecordRequest(method, path string, status int, duration float64) {
	if r == nil {
		return
	}
	statusStr := statusToString(status)
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// InFlightInc increments in-flight requests.
func (r *Registry) InFlightInc() {
	if r == nil {
		return
	}
	r.httpRequestsInFlight.Inc()
}

// InFlightDec decrements in-flight requests.
func (r *Registry) InFlightDec() {
	if r == nil {
		return
	}
	r.httpRequestsInFlight.Dec()
}

// RecordCacheLookup counts a cache lookup result.
func (r *Registry) RecordCacheLookup(result string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the current cache size.
func (r *Registry) SetCacheEntries(n int) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(n))
}

// RecordCacheEvictions adds n evicted entries.
func (r *Registry) RecordCacheEvictions(n int) {
	if r == nil {
		return
	}
	r.cacheEvictions.Add(float64(n))
}

// RecordProviderCall records one upstream call and its latency.
func (r *Registry) RecordProviderCall(provider, outcome string, duration float64) {
	if r == nil {
		return
	}
	r.providerCalls.WithLabelValues(provider, outcome).Inc()
	r.providerDuration.WithLabelValues(provider).Observe(duration)
}

// RecordResolution counts a resolution by source.
func (r *Registry) RecordResolution(source string) {
	if r == nil {
		return
	}
	r.resolutions.WithLabelValues(source).Inc()
}

// RecordQuotaDenial counts a provider skipped by quota.
func (r *Registry) RecordQuotaDenial(provider, reason string) {
	if r == nil {
		return
	}
	r.quotaDenials.WithLabelValues(provider, reason).Inc()
}

// RecordRateLimitDecision counts an inbound admission decision.
func (r *Registry) RecordRateLimitDecision(decision string) {
	if r == nil {
		return
	}
	r.rateLimitDecisions.WithLabelValues(decision).Inc()
}

func statusToString(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
