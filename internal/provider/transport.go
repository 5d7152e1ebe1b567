package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/newthinker/quotegate/internal/core"
	"github.com/newthinker/quotegate/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// BrowserUserAgent is sent to upstreams that reject non-browser clients.
	BrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
	// DefaultUserAgent identifies this service to keyed APIs.
	DefaultUserAgent = "quotegate/1.0"

	maxBodyBytes = 8 << 20
)

// NewHTTPClient returns a pooled client with conservative dial timeouts.
// Per-request deadlines come from the Transport.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Transport performs paced, time-bounded GETs for one provider and
// classifies the outcome.
type Transport struct {
	provider    string
	client      HTTPClient
	limiter     *rate.Limiter
	timeout     time.Duration
	userAgent   string
	header      http.Header
	maxAttempts int
	metrics     *metrics.Registry
	logger      *zap.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c HTTPClient) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) TransportOption {
	return func(t *Transport) { t.userAgent = ua }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) TransportOption {
	return func(t *Transport) { t.header.Add(key, value) }
}

// WithRequestsPerMinute paces outbound requests; zero or less disables pacing.
func WithRequestsPerMinute(rpm float64) TransportOption {
	return func(t *Transport) {
		if rpm <= 0 {
			t.limiter = nil
			return
		}
		burst := int(rpm / 60)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rpm/60), burst)
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithMaxAttempts caps how many endpoint variants TryEndpoints will use.
func WithMaxAttempts(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithMetrics records per-call outcomes.
func WithMetrics(reg *metrics.Registry) TransportOption {
	return func(t *Transport) { t.metrics = reg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) TransportOption {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport creates a transport for the named provider.
func NewTransport(provider string, opts ...TransportOption) *Transport {
	t := &Transport{
		provider:    provider,
		client:      NewHTTPClient(),
		timeout:     10 * time.Second,
		userAgent:   DefaultUserAgent,
		header:      http.Header{},
		maxAttempts: 2,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get fetches url and returns the body of a 2xx response. Failures are
// returned as *Error.
func (t *Transport) Get(ctx context.Context, url string) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, Wrap(t.provider, Transient, fmt.Errorf("waiting for pacing: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Wrap(t.provider, Transient, err)
	}
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	body, err := t.do(req)
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	t.metrics.RecordProviderCall(t.provider, outcome, time.Since(start).Seconds())
	return body, err
}

func (t *Transport) do(req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, Wrap(t.provider, Transient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, Wrap(t.provider, Transient, fmt.Errorf("reading body: %w", err))
	}

	// some CDNs answer rate limiting with a 200 and a plain-text body
	if strings.HasPrefix(string(body), "Edge: Too Many Requests") {
		return nil, &Error{Provider: t.provider, Kind: RateLimited, Status: resp.StatusCode, Message: "edge rate limit"}
	}

	kind, ok := StatusKind(resp.StatusCode)
	if !ok {
		return nil, &Error{
			Provider: t.provider,
			Kind:     kind,
			Status:   resp.StatusCode,
			Message:  snippet(body),
		}
	}
	return body, nil
}

// ParseFunc turns a successful response body into a record.
type ParseFunc func(body []byte) (*core.Record, error)

// TryEndpoints walks equivalent endpoint variants in order, up to the
// attempt cap. NotFound and Transient move on to the next variant; terminal
// kinds and NoData stop immediately. The last failure is returned.
func (t *Transport) TryEndpoints(ctx context.Context, urls []string, parse ParseFunc) (*core.Record, error) {
	if len(urls) == 0 {
		return nil, Errorf(t.provider, NotFound, "no endpoint for request")
	}

	var lastErr error
	for i, url := range urls {
		if i >= t.maxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, Wrap(t.provider, Transient, err)
		}

		body, err := t.Get(ctx, url)
		if err == nil {
			var rec *core.Record
			rec, err = parse(body)
			if err == nil {
				return rec, nil
			}
			err = Wrap(t.provider, Transient, err)
		}
		lastErr = err

		kind := KindOf(err)
		if kind == Forbidden || kind == RateLimited || kind == NoData {
			return nil, err
		}
		t.logger.Debug("endpoint variant failed",
			zap.String("provider", t.provider),
			zap.Int("attempt", i+1),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// AsError is a convenience for callers that need the classified form.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
