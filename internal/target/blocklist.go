package target

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Blocklist matches hosts against configured patterns. "example.org" matches
// exactly, "*.ru" and ".ru" match the domain and every subdomain, and any
// other pattern with glob syntax ("shop-?.example.com", "{a,b}.example.com")
// is compiled with '.' as the label separator.
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
	globs    []glob.Glob
}

// NewBlocklist compiles patterns. It returns nil when there is nothing to block.
func NewBlocklist(patterns []string) (*Blocklist, error) {
	b := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*.") && !strings.ContainsAny(value[2:], "*?[{"):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		case strings.ContainsAny(value, "*?[{"):
			g, err := glob.Compile(value, '.')
			if err != nil {
				return nil, fmt.Errorf("compile blocklist pattern %q: %w", raw, err)
			}
			b.globs = append(b.globs, g)
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 && len(b.globs) == 0 {
		return nil, nil
	}
	return b, nil
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host matches any pattern.
func (b *Blocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	for _, g := range b.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}
