// Package originguard gates cross-origin requests against an allow-list
// before any protocol work (WebSocket upgrade, credential-minting HTTP
// endpoints) proceeds.
package originguard

import (
	"net/http"
	"net/url"
	"strings"
)

// Guard holds the configured allow-list and checks request origins
// against it, the request's own Host, and localhost variants.
type Guard struct {
	allowed []string
}

// New builds a Guard from a comma-separated ALLOWED_ORIGINS value.
func New(allowedOrigins string) *Guard {
	var allowed []string
	for _, o := range strings.Split(allowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			allowed = append(allowed, o)
		}
	}
	return &Guard{allowed: allowed}
}

// Allow reports whether r's Origin header is acceptable: empty (allow
// non-browser clients), an exact allow-list match, a match against the
// request's own Host (either scheme), or a localhost variant.
func (g *Guard) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if isLocalhost(originURL.Hostname()) {
		return true
	}

	if originURL.Host == r.Host {
		return true
	}

	for _, allowed := range g.allowed {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}

	return false
}

func isLocalhost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
