// Package detector recognises anti-bot challenge pages in rendered markup.
package detector

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMarkers are the selectors used when none are configured.
var DefaultMarkers = []string{
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"iframe[src*='challenges.cloudflare.com']",
	"script[src*='captcha']",
	"#challenge-form",
	"#cf-challenge-running",
}

var titleMarkers = []string{
	"just a moment",
	"attention required",
	"are you a robot",
}

// Challenge matches a document against CSS selector markers and a few
// well-known interstitial titles.
type Challenge struct {
	markers []string
}

// NewChallenge creates a detector; an empty marker list uses DefaultMarkers.
func NewChallenge(markers []string) *Challenge {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return &Challenge{markers: append([]string(nil), markers...)}
}

// Detect reports whether doc carries a challenge marker.
func (c *Challenge) Detect(doc *goquery.Document) bool {
	for _, marker := range c.markers {
		if doc.Find(marker).Length() > 0 {
			return true
		}
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, marker := range titleMarkers {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return false
}

// DetectHTML parses html and runs Detect.
func (c *Challenge) DetectHTML(html string) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, fmt.Errorf("parse document: %w", err)
	}
	return c.Detect(doc), nil
}
