package stages

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/chunk"
	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/content"
	"github.com/JakeFAU/policy-crawler/internal/extract"
	"github.com/JakeFAU/policy-crawler/internal/pipeline"
	"github.com/JakeFAU/policy-crawler/internal/record"
	"github.com/JakeFAU/policy-crawler/internal/store"
	"github.com/JakeFAU/policy-crawler/internal/target"
)

// Enrich is a pool stage that runs the resumable chunk processor over a
// record store, filling one field per record from the page at its target.
type Enrich[R record.Record, V any] struct {
	name      string
	primary   string
	seed      string
	chunkSize int
	sanitize  bool

	target func(R) string
	apply  func(R, chunk.Result[V]) R
	withID func(R, record.ID) R
	// page prepares the extraction step; the returned function releases
	// whatever it opened.
	page func(ctx context.Context, env *pipeline.Env) (pageFunc[V], func() error, error)

	dispatcher dispatcherFunc[V]
}

// Name implements pipeline.Stage.
func (s *Enrich[R, V]) Name() string { return s.name }

// NeedsPool implements pipeline.Stage.
func (s *Enrich[R, V]) NeedsPool() bool { return true }

// Run implements pipeline.Stage.
func (s *Enrich[R, V]) Run(ctx context.Context, env *pipeline.Env) error {
	fn, release, err := s.page(ctx, env)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			env.Logger.Warn("release stage resources", zap.String("stage", s.name), zap.Error(err))
		}
	}()

	d, err := s.dispatcher(env, fn, s.sanitize)
	if err != nil {
		return err
	}
	var seed *store.Store[R]
	if s.seed != "" {
		seed = store.New[R](s.seed)
	}
	proc, err := chunk.New(chunk.Options[R, V]{
		Stage:      s.name,
		Primary:    store.New[R](s.primary),
		Seed:       seed,
		ChunkSize:  s.chunkSize,
		Target:     s.target,
		Enrich:     s.apply,
		WithID:     s.withID,
		Dispatcher: d,
		Logger:     env.Logger.With(zap.String("run_id", env.RunID)),
	})
	if err != nil {
		return err
	}
	return proc.Run(ctx)
}

func noRelease() error { return nil }

func websiteWithID(w record.Website, id record.ID) record.Website {
	w.ID = id
	return w
}

func productWithID(p record.Product, id record.ID) record.Product {
	p.ID = id
	return p
}

func newResolver(cfg config.Config) (*target.Resolver, error) {
	blocklist, err := target.NewBlocklist(cfg.Blocklist)
	if err != nil {
		return nil, fmt.Errorf("blocklist: %w", err)
	}
	return target.NewResolver(blocklist), nil
}

// NewPolicies visits each website and records the link to its privacy policy.
func NewPolicies(cfg config.Config) (*Enrich[record.Website, string], error) {
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	matcher, err := extract.NewPolicyMatcher(cfg.Policy.Patterns)
	if err != nil {
		return nil, err
	}
	find := func(_ context.Context, page Page) (string, error) {
		link, ok := matcher.Match(page.URL, page.Doc)
		if !ok {
			return "", chunk.ErrNoResult
		}
		return link, nil
	}
	return &Enrich[record.Website, string]{
		name:      "policies",
		primary:   cfg.Paths.DescriptorFile,
		chunkSize: cfg.ChunkSize,
		target:    func(w record.Website) string { return resolver.Target(w.URL) },
		apply: func(w record.Website, r chunk.Result[string]) record.Website {
			w.Policy = record.Optional(r.Value, r.Found)
			return w
		},
		withID: websiteWithID,
		page: func(context.Context, *pipeline.Env) (pageFunc[string], func() error, error) {
			return find, noRelease, nil
		},
		dispatcher: poolDispatcher[string],
	}, nil
}

// NewDownload fetches each policy page, stores its normalised markup under its
// fingerprint and records the fingerprint. Seed records supply policy links
// for sites the search never found.
func NewDownload(cfg config.Config) (*Enrich[record.Website, string], error) {
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	return &Enrich[record.Website, string]{
		name:      "download",
		primary:   cfg.Paths.DescriptorFile,
		seed:      cfg.Paths.SeedFile,
		chunkSize: cfg.ChunkSize,
		sanitize:  true,
		target:    func(w record.Website) string { return resolver.Target(record.Deref(w.Policy)) },
		apply: func(w record.Website, r chunk.Result[string]) record.Website {
			w.Hash = record.Optional(r.Value, r.Found)
			return w
		},
		withID: websiteWithID,
		page: func(ctx context.Context, env *pipeline.Env) (pageFunc[string], func() error, error) {
			blobs, release, err := openBlobs(ctx, cfg, env.Logger)
			if err != nil {
				return nil, nil, err
			}
			return savePage(content.NewWriter(blobs, "")), release, nil
		},
		dispatcher: poolDispatcher[string],
	}, nil
}

// savePage writes the page through w and yields its fingerprint.
func savePage(w *content.Writer) pageFunc[string] {
	return func(ctx context.Context, page Page) (string, error) {
		hash, _, err := w.Write(ctx, page.HTML)
		if errors.Is(err, content.ErrNoBody) {
			return "", chunk.ErrNoResult
		}
		if err != nil {
			return "", err
		}
		return hash, nil
	}
}

// productDetails is what the details stage reads from a product page.
type productDetails struct {
	Manufacturer *string
	Website      *string
}

// NewDetails visits each product page and records the manufacturer name and
// the manufacturer's website.
func NewDetails(cfg config.Config) (*Enrich[record.Product, productDetails], error) {
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	manufacturer := extract.FieldExtractor{
		Label:     cfg.Details.ManufacturerLabel,
		Selectors: cfg.Details.ManufacturerSelectors,
	}
	if cfg.Details.ManufacturerRows != "" {
		manufacturer.Rows = []string{cfg.Details.ManufacturerRows}
	}
	websites := make([]*extract.LinkExtractor, 0, len(cfg.Details.WebsiteSelectors))
	for _, sel := range cfg.Details.WebsiteSelectors {
		le, err := extract.NewLinkExtractor(sel, "")
		if err != nil {
			return nil, fmt.Errorf("details.website_selectors: %w", err)
		}
		websites = append(websites, le)
	}

	read := func(_ context.Context, page Page) (productDetails, error) {
		var d productDetails
		if name, ok := manufacturer.Extract(page.Doc); ok {
			d.Manufacturer = &name
		}
		for _, le := range websites {
			if links := le.Links(page.Doc, page.URL); len(links) > 0 {
				d.Website = &links[0]
				break
			}
		}
		if d.Manufacturer == nil && d.Website == nil {
			return d, chunk.ErrNoResult
		}
		return d, nil
	}

	return &Enrich[record.Product, productDetails]{
		name:      "details",
		primary:   cfg.Paths.DescriptorFile,
		chunkSize: cfg.ChunkSize,
		target:    func(p record.Product) string { return resolver.Target(p.URL) },
		apply: func(p record.Product, r chunk.Result[productDetails]) record.Product {
			p.Manufacturer, p.Website = nil, nil
			if r.Found {
				p.Manufacturer, p.Website = r.Value.Manufacturer, r.Value.Website
			}
			return p
		},
		withID: productWithID,
		page: func(context.Context, *pipeline.Env) (pageFunc[productDetails], func() error, error) {
			return read, noRelease, nil
		},
		dispatcher: poolDispatcher[productDetails],
	}, nil
}
