// Package stages holds the concrete pipeline stages and the registry of
// pipelines built from them.
package stages

import (
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/browser"
	"github.com/JakeFAU/policy-crawler/internal/chunk"
	"github.com/JakeFAU/policy-crawler/internal/extract"
	"github.com/JakeFAU/policy-crawler/internal/pipeline"
	"github.com/JakeFAU/policy-crawler/internal/worker"
)

// Page is a loaded document handed to a stage's extraction step.
type Page struct {
	URL  string
	HTML string
	Doc  *goquery.Document
}

// pageFunc turns a loaded page into a stage result. Returning chunk.ErrNoResult
// marks the target as absent.
type pageFunc[V any] func(ctx context.Context, page Page) (V, error)

// dispatcherFunc builds the dispatcher a stage sends its targets through.
type dispatcherFunc[V any] func(env *pipeline.Env, fn pageFunc[V], sanitize bool) (chunk.Dispatcher[V], error)

// poolDispatcher loads every target in a worker's browser session.
func poolDispatcher[V any](env *pipeline.Env, fn pageFunc[V], sanitize bool) (chunk.Dispatcher[V], error) {
	p, err := env.Pool()
	if err != nil {
		return nil, err
	}
	return chunk.PoolDispatcher(p, browse(fn, sanitize)), nil
}

// browse adapts fn to a worker handler: navigate with retries, optionally strip
// hidden elements, then parse the page.
func browse[V any](fn pageFunc[V], sanitize bool) worker.Handler[V] {
	return func(ctx context.Context, sess *browser.Session, logger *zap.Logger, target string) (V, error) {
		var zero V
		if err := sess.Navigate(ctx, target); err != nil {
			return zero, err
		}
		if sanitize {
			if err := sess.Sanitize(ctx); err != nil {
				return zero, fmt.Errorf("sanitize %s: %w", target, err)
			}
		}
		html, err := sess.Content(ctx)
		if err != nil {
			return zero, fmt.Errorf("read %s: %w", target, err)
		}
		doc, err := extract.Parse(html)
		if err != nil {
			return zero, err
		}
		logger.Debug("page loaded", zap.String("target", target), zap.Int("bytes", len(html)))
		return fn(ctx, Page{URL: target, HTML: html, Doc: doc})
	}
}
