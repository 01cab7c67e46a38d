// Package extract pulls links and fields out of parsed documents. Every
// function is pure over a *goquery.Document.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Parse builds a document from markup.
func Parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// LinkExtractor collects absolute links from the elements matching Selector.
// A matched element that is not an anchor contributes its first descendant
// anchor.
type LinkExtractor struct {
	Selector string
	Base     *url.URL
}

// NewLinkExtractor resolves relative links against base, which may be empty
// when the links are already absolute.
func NewLinkExtractor(selector, base string) (*LinkExtractor, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, fmt.Errorf("link selector must be set")
	}
	var u *url.URL
	if base != "" {
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		u = parsed
	}
	return &LinkExtractor{Selector: selector, Base: u}, nil
}

// Links returns the distinct links in document order.
func (e *LinkExtractor) Links(doc *goquery.Document, pageURL string) []string {
	base := e.Base
	if base == nil && pageURL != "" {
		if u, err := url.Parse(pageURL); err == nil {
			base = u
		}
	}
	seen := make(map[string]struct{})
	var out []string
	doc.Find(e.Selector).Each(func(_ int, sel *goquery.Selection) {
		anchor := sel
		if goquery.NodeName(sel) != "a" {
			anchor = sel.Find("a[href]").First()
		}
		href, ok := anchor.Attr("href")
		if !ok {
			return
		}
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}
