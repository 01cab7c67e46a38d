// Package target turns record URLs into stable fetch targets.
package target

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize standardizes a URL so equivalent spellings share one dedup key.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters and drops the fragment.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme in %q", rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// Resolver maps a record URL to its fetch target, or "" when the record has
// nothing fetchable: empty, unparseable or blocked.
type Resolver struct {
	blocklist *Blocklist
}

// NewResolver builds a resolver; a nil blocklist blocks nothing.
func NewResolver(blocklist *Blocklist) *Resolver {
	return &Resolver{blocklist: blocklist}
}

// Target returns the fetch target for rawURL.
func (r *Resolver) Target(rawURL string) string {
	if strings.TrimSpace(rawURL) == "" {
		return ""
	}
	normalized, err := Normalize(rawURL)
	if err != nil {
		return ""
	}
	u, err := url.Parse(normalized)
	if err != nil || r.blocklist.IsBlocked(u.Hostname()) {
		return ""
	}
	return normalized
}
