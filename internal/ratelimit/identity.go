package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IdentityConfig controls how a client identity is derived from a request.
type IdentityConfig struct {
	// TrustForwarded reads X-Forwarded-For and X-Real-IP. Behind a proxy the
	// peer address is the proxy's, so it is not used as an identity.
	TrustForwarded bool
	// TrustedHops is how many proxies append to X-Forwarded-For. The client
	// is the entry that many places from the right; anything further left
	// was supplied by the client. Zero means one.
	TrustedHops int
	// AnonymousBucket is the time granularity of synthetic identities.
	AnonymousBucket time.Duration
}

// Identify returns a stable identity for the client that sent r. Clients
// without a usable address get a synthetic identity from their User-Agent
// and a coarse time bucket, so they do not share one counter.
func Identify(r *http.Request, cfg IdentityConfig, now time.Time) string {
	if cfg.TrustForwarded {
		if ip := forwardedIP(r.Header.Values("X-Forwarded-For"), cfg.TrustedHops); ip != "" {
			return "ip:" + ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return "ip:" + ip
		}
	} else if ip := peerIP(r.RemoteAddr); ip != "" {
		return "ip:" + ip
	}
	return anonymous(r.UserAgent(), cfg.AnonymousBucket, now)
}

// forwardedIP picks the entry written by the outermost trusted proxy.
func forwardedIP(headers []string, hops int) string {
	var entries []string
	for _, h := range headers {
		for _, e := range strings.Split(h, ",") {
			entries = append(entries, strings.TrimSpace(e))
		}
	}
	if len(entries) == 0 {
		return ""
	}
	if hops < 1 {
		hops = 1
	}
	i := len(entries) - hops
	if i < 0 {
		i = 0
	}
	return entries[i]
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}

func anonymous(userAgent string, bucket time.Duration, now time.Time) string {
	if bucket <= 0 {
		bucket = time.Hour
	}
	slot := now.UTC().Truncate(bucket).Format(time.RFC3339)
	return "anon:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(userAgent+"|"+slot)).String()
}
