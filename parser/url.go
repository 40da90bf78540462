package parser

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var trackingParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"_ga":     {},
	"yclid":   {},
	"srsltid": {},
}

var strippedHostPrefixes = []string{"www.", "m."}

// CanonicalURL normalizes a product URL into the key used to match records
// across systems. The transformation is idempotent. http is folded into
// https, so a page served under both schemes has a single key.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := CanonicalHost(u.Host)
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = host + ":" + port
	}
	if scheme == "http" {
		scheme = "https"
	}

	path := u.EscapedPath()
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	out := scheme + "://" + host + path
	if query := canonicalQuery(u.Query()); query != "" {
		out += "?" + query
	}
	return out, nil
}

// MustCanonicalURL is CanonicalURL for inputs already known to be valid; it
// falls back to the trimmed input when parsing fails.
func MustCanonicalURL(raw string) string {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return canonical
}

// CanonicalHost lower-cases a host, drops its port and strips conventional
// subdomain prefixes. IPv6 literals keep their brackets.
func CanonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return host[:end+1]
		}
		return host
	}
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, prefix := range strippedHostPrefixes {
		if strings.HasPrefix(host, prefix) {
			host = strings.TrimPrefix(host, prefix)
			break
		}
	}
	return host
}

// HostOf returns the canonical host of a raw URL, or "" when it cannot be parsed.
func HostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return CanonicalHost(u.Host)
}

func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if isTrackingParam(key) {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
