// Package origin decides which browser origins may call the presence hub.
// The CORS layer and the WebSocket upgrade share one policy.
package origin

import (
	"net/url"
	"strings"
)

// Policy allows local development origins plus an explicit list. An entry
// of "*" allows every origin.
type Policy struct {
	extra map[string]bool
}

func NewPolicy(allowed []string) *Policy {
	extra := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		extra[strings.TrimSuffix(o, "/")] = true
	}
	return &Policy{extra: extra}
}

// Allowed reports whether origin, as sent in the Origin header, may connect.
func (p *Policy) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if p != nil && (p.extra[origin] || p.extra["*"]) {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https":
		switch parsed.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	case "tauri":
		return parsed.Hostname() == "localhost"
	}
	return false
}

// SameHost reports whether origin points at host, the request's Host header.
func SameHost(origin, host string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return parsed.Host != "" && strings.EqualFold(parsed.Host, host)
}
