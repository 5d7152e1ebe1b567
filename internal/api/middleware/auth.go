// internal/api/middleware/auth.go
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/newthinker/quotegate/internal/api/response"
	"github.com/newthinker/quotegate/internal/core"
)

// APIKeyHeader carries admin keys and access credentials.
const APIKeyHeader = "X-API-Key"

// APIKeyAuth returns middleware that validates X-API-Key header.
// If apiKey is empty, authentication is disabled.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth if no key configured
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(APIKeyHeader)
			if providedKey == "" || !matchKey(providedKey, []string{apiKey}) {
				response.Error(w, http.StatusUnauthorized, core.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Credential returns the access credential from the X-API-Key header or the
// apikey query parameter.
func Credential(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get("apikey")
}

// matchKey compares provided against every key in constant time.
func matchKey(provided string, keys []string) bool {
	if provided == "" {
		return false
	}
	match := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		match |= subtle.ConstantTimeCompare([]byte(provided), []byte(k))
	}
	return match == 1
}
