package config

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// sourceDenylist holds normalized hostnames that list downloads must never contact.
var sourceDenylist atomic.Value

func init() {
	sourceDenylist.Store(make(map[string]struct{}))
}

func updateSourceDenylist(entries []string) {
	set := make(map[string]struct{}, len(entries))
	for _, raw := range entries {
		if host := normalizeHostname(raw); host != "" {
			set[host] = struct{}{}
		}
	}
	sourceDenylist.Store(set)
}

// IsSourceDenied reports whether the host of rawURL, or any parent of it, is
// on the configured download denylist.
func IsSourceDenied(rawURL string) bool {
	set := sourceDenylist.Load().(map[string]struct{})
	if len(set) == 0 {
		return false
	}

	host := normalizeHostname(rawURL)
	for host != "" {
		if _, ok := set[host]; ok {
			return true
		}
		_, rest, found := strings.Cut(host, ".")
		if !found {
			break
		}
		host = rest
	}
	return false
}

func normalizeHostname(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	// Allow bare hostnames by prefixing a scheme for URL parsing.
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.Trim(host, ".")
}
