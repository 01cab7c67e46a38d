// Package content turns rendered pages into stable, content-addressed files.
package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// ErrNoBody is returned for markup without a <body> element.
var ErrNoBody = errors.New("document has no body")

const (
	contentType = "text/html; charset=utf-8"
	head        = "<html>\n<head>\n\t<meta charset=\"utf-8\"/>\n\t<title></title>\n</head>\n"
)

var policy = bluemonday.UGCPolicy()

// Normalize keeps only the body, strips it down to user-generated-content
// markup and wraps it in a fixed skeleton, so two renders of the same page
// produce identical bytes. Tabs become four spaces.
func Normalize(markup string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}
	body := doc.Find("body").First()
	if body.Length() == 0 || strings.TrimSpace(body.Text()) == "" && body.Children().Length() == 0 {
		return "", ErrNoBody
	}
	inner, err := body.Html()
	if err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	clean := strings.TrimSpace(policy.Sanitize(inner))

	var b strings.Builder
	b.WriteString(head)
	b.WriteString("<body>\n")
	b.WriteString(clean)
	b.WriteString("\n</body>\n</html>")
	return strings.ReplaceAll(b.String(), "\t", "    "), nil
}

// Fingerprint returns the hex SHA-256 of normalised content.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// BlobStore persists an object at path. Writing a path that already exists
// must succeed without changing it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Writer stores normalised pages as "<prefix>/<fingerprint>.html".
type Writer struct {
	store  BlobStore
	prefix string
}

// NewWriter builds a Writer over store.
func NewWriter(store BlobStore, prefix string) *Writer {
	return &Writer{store: store, prefix: strings.Trim(prefix, "/")}
}

// Write normalises markup, stores it and returns its fingerprint and URI.
func (w *Writer) Write(ctx context.Context, markup string) (string, string, error) {
	normalized, err := Normalize(markup)
	if err != nil {
		return "", "", err
	}
	hash := Fingerprint(normalized)
	name := hash + ".html"
	if w.prefix != "" {
		name = path.Join(w.prefix, name)
	}
	uri, err := w.store.PutObject(ctx, name, contentType, bytes.NewReader([]byte(normalized)))
	if err != nil {
		return "", "", fmt.Errorf("store %s: %w", name, err)
	}
	return hash, uri, nil
}
