// Package provider defines the contract every upstream market data adapter
// satisfies, plus the HTTP plumbing they share.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/newthinker/quotegate/internal/core"
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=providertest -destination=providertest/mock_http_client.go -source=provider.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider fetches and normalizes one upstream source. Fetch returns a
// *Error on failure so callers can branch on its Kind.
//
//go:generate mockgen -package=providertest -destination=providertest/mock_provider.go -source=provider.go Provider
type Provider interface {
	Name() string
	Supports(kind core.Kind) bool
	Fetch(ctx context.Context, key core.ResourceKey) (*core.Record, error)
}

// Settings are the per-provider knobs the resolver applies around Fetch.
type Settings struct {
	TTL               map[core.Kind]time.Duration
	ChargeFailedCalls bool // upstream bills every request, so quota is taken before dispatch
}

// TTLFor returns the cache lifetime for kind, or fallback when unset.
func (s Settings) TTLFor(kind core.Kind, fallback time.Duration) time.Duration {
	if d, ok := s.TTL[kind]; ok && d > 0 {
		return d
	}
	return fallback
}

// Config is passed to every adapter constructor.
type Config struct {
	APIKey    string
	BaseURL   string // overrides the upstream host, mainly for tests
	Transport []TransportOption
}
