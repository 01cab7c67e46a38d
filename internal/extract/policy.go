package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PolicyMatcher finds the privacy-policy link of a site. A pattern's spaces
// match any run of characters, so "privacy policy" also matches
// "privacy & cookie policy". Matching is case-insensitive.
type PolicyMatcher struct {
	patterns []*regexp.Regexp
}

// NewPolicyMatcher compiles patterns.
func NewPolicyMatcher(patterns []string) (*PolicyMatcher, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("policy matcher needs at least one pattern")
	}
	m := &PolicyMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)^" + strings.ReplaceAll(regexp.QuoteMeta(strings.TrimSpace(p)), " ", ".*"))
		if err != nil {
			return nil, fmt.Errorf("compile policy pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match scans anchors from the end of the document, where footers live, and
// returns the first one whose text or title matches. Relative links resolve
// against site. A match on the same host wins over an off-site one.
func (m *PolicyMatcher) Match(site string, doc *goquery.Document) (string, bool) {
	base, err := url.Parse(site)
	if err != nil {
		return "", false
	}
	anchors := doc.Find("a[href]")
	var offsite string
	for i := anchors.Length() - 1; i >= 0; i-- {
		a := anchors.Eq(i)
		if !m.matches(a) {
			continue
		}
		href, _ := a.Attr("href")
		abs := resolve(base, href)
		if abs == "" {
			continue
		}
		u, err := url.Parse(abs)
		if err != nil {
			continue
		}
		if sameSite(u.Hostname(), base.Hostname()) {
			return abs, true
		}
		if offsite == "" {
			offsite = abs
		}
	}
	return offsite, offsite != ""
}

func (m *PolicyMatcher) matches(a *goquery.Selection) bool {
	candidates := []string{spaces.ReplaceAllString(strings.TrimSpace(a.Text()), " ")}
	if title, ok := a.Attr("title"); ok {
		candidates = append(candidates, strings.TrimSpace(title))
	}
	for _, text := range candidates {
		for _, re := range m.patterns {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

func sameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}
