// Package hostutil normalizes the API base URL and joins endpoints onto it.
package hostutil

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Normalize turns a configured host into a base URL.
// - Empty string returns empty
// - Bare localhost hosts default to http://
// - Other bare hostnames default to https://
// - Input that already names a scheme is left for ParseBaseURL to judge
// - A trailing slash is dropped
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if !strings.Contains(host, "://") {
		if IsLocalhost(host) {
			host = "http://" + host
		} else {
			host = "https://" + host
		}
	}
	return strings.TrimRight(host, "/")
}

// ParseBaseURL normalizes host and checks it is an absolute http(s) URL
// without query or fragment.
func ParseBaseURL(host string) (string, error) {
	base := Normalize(host)
	if base == "" {
		return "", fmt.Errorf("base URL is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", host, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL %q must use http or https", host)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", host)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("base URL %q must not carry a query or fragment", host)
	}
	return base, nil
}

// Path returns endpoint with a leading slash.
func Path(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		return "/" + endpoint
	}
	return endpoint
}

// Join appends endpoint to base, adding the separating slash if missing.
func Join(base, endpoint string) string {
	return strings.TrimRight(base, "/") + Path(endpoint)
}

// IsLocalhost returns true if host is localhost, a .localhost subdomain,
// 127.0.0.1, or [::1] (with optional port).
func IsLocalhost(host string) bool {
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	name = strings.TrimSuffix(strings.TrimPrefix(name, "["), "]")

	switch {
	case name == "localhost", strings.HasSuffix(name, ".localhost"):
		return true
	case name == "127.0.0.1", name == "::1":
		return true
	}
	return false
}
