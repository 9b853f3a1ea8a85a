// Package origin enforces the browser same-origin policy on HTTP routes and
// the signaling WebSocket upgrade.
package origin

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Checker decides whether a browser Origin may access the service.
//
// With a configured allow-list, the normalized Origin must match one of its
// entries ("*" allows everything). With an empty list the policy is
// same-host only: the Origin's host:port must equal the request's Host,
// treating default ports as equivalent.
type Checker struct {
	allowAll bool
	allowed  map[string]bool
}

func NewChecker(allowedOrigins []string) (*Checker, error) {
	c := &Checker{allowed: make(map[string]bool)}
	for _, entry := range allowedOrigins {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			c.allowAll = true
			continue
		}
		norm, _, ok := Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q", entry)
		}
		c.allowed[norm] = true
	}
	return c, nil
}

// AllowRequest reports whether r may proceed. Requests without an Origin
// header (curl, native clients, server-to-server) are always allowed; the
// policy exists to stop cross-site browser pages, which cannot omit the
// header.
func (c *Checker) AllowRequest(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}

	norm, originHost, ok := Normalize(header)
	if !ok {
		return false
	}

	if c.allowAll {
		return true
	}
	if len(c.allowed) > 0 {
		return c.allowed[norm]
	}

	// Default same-host policy. Scheme is intentionally not compared: behind
	// a TLS-terminating proxy the request looks like HTTP while the browser
	// Origin is HTTPS. "null" origins can never match a host.
	scheme, _, found := strings.Cut(norm, "://")
	if !found {
		return false
	}
	requestHost, ok := canonicalHostPort(strings.ToLower(strings.TrimSpace(r.Host)), scheme)
	if !ok {
		return false
	}
	return originHost == requestHost
}

// Normalize validates a browser Origin header and returns its canonical form
// (scheme://host[:port], default ports stripped) plus the host[:port] part.
// The special value "null" is allowed and returned as-is.
func Normalize(originHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	scheme, authority, found := strings.Cut(trimmed, "://")
	if !found {
		return "", "", false
	}
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	if authority == "" || strings.ContainsAny(authority, "/?#@ \t") {
		return "", "", false
	}

	host, ok = canonicalHostPort(strings.ToLower(authority), scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHostPort lowercases and re-assembles a host[:port] authority,
// bracketing IPv6 literals and dropping the scheme's default port.
func canonicalHostPort(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(raw)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits a host[:port] authority. The hostname comes back
// without brackets for IPv6 literals; the port is not validated here.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}
