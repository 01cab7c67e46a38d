package stages

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/browser"
	"github.com/JakeFAU/policy-crawler/internal/chunk"
	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/extract"
	"github.com/JakeFAU/policy-crawler/internal/metrics"
	"github.com/JakeFAU/policy-crawler/internal/pipeline"
	"github.com/JakeFAU/policy-crawler/internal/record"
	"github.com/JakeFAU/policy-crawler/internal/store"
	"github.com/JakeFAU/policy-crawler/internal/target"
)

// query is one results page of one keyword on one site.
type query struct {
	URL     string
	Keyword string
	links   *extract.LinkExtractor
}

// Search walks every configured listing, keyword by keyword and page by page,
// and appends a record for each new link. Each record's page marker is the
// listing URL it came from, which is where a resumed run picks up.
type Search[R record.Record] struct {
	primary   string
	chunkSize int
	queries   []query
	resolver  *target.Resolver
	build     func(id record.ID, q query, link string) R
	target    func(R) string

	dispatcher dispatcherFunc[[]string]
	replace    func(dst string, srcs ...string) error
}

// NewProductSearch finds marketplace listings; each record keeps its keyword.
func NewProductSearch(cfg config.Config) (*Search[record.Product], error) {
	return newSearch(cfg, func(id record.ID, q query, link string) record.Product {
		return record.Product{ID: id, Page: q.URL, URL: link, Keyword: q.Keyword}
	}, func(p record.Product) string { return p.URL })
}

// NewWebsiteSearch finds websites whose policies are crawled later.
func NewWebsiteSearch(cfg config.Config) (*Search[record.Website], error) {
	return newSearch(cfg, func(id record.ID, q query, link string) record.Website {
		return record.Website{ID: id, Page: q.URL, URL: link}
	}, func(w record.Website) string { return w.URL })
}

func newSearch[R record.Record](cfg config.Config, build func(record.ID, query, string) R, urlOf func(R) string) (*Search[R], error) {
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	queries, err := expandQueries(cfg.Search)
	if err != nil {
		return nil, err
	}
	return &Search[R]{
		primary:    cfg.Paths.DescriptorFile,
		chunkSize:  cfg.ChunkSize,
		queries:    queries,
		resolver:   resolver,
		build:      build,
		target:     func(r R) string { return resolver.Target(urlOf(r)) },
		dispatcher: poolDispatcher[[]string],
		replace:    store.AtomicReplace,
	}, nil
}

// expandQueries builds the listing URLs in site, keyword, page order. A
// template without {keyword} runs once with an empty keyword.
func expandQueries(sites []config.SearchSite) ([]query, error) {
	var out []query
	for i, site := range sites {
		links, err := extract.NewLinkExtractor(site.LinkSelector, site.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("search[%d]: %w", i, err)
		}
		keywords := site.Keywords
		if len(keywords) == 0 || !strings.Contains(site.Template, "{keyword}") {
			keywords = []string{""}
		}
		for _, kw := range keywords {
			for page := 1; page <= site.Pages; page++ {
				u := strings.NewReplacer(
					"{keyword}", url.QueryEscape(kw),
					"{page}", strconv.Itoa(page),
				).Replace(site.Template)
				out = append(out, query{URL: u, Keyword: kw, links: links})
			}
		}
	}
	return out, nil
}

// Name implements pipeline.Stage.
func (s *Search[R]) Name() string { return "search" }

// NeedsPool implements pipeline.Stage.
func (s *Search[R]) NeedsPool() bool { return true }

// Run implements pipeline.Stage. The working store starts as a copy of the
// descriptor and gains new records chunk by chunk; a progress store records
// the last listing page of every committed chunk. At the end the descriptor is
// atomically replaced by the working store, which can be repeated safely.
func (s *Search[R]) Run(ctx context.Context, env *pipeline.Env) error {
	logger := env.Logger.With(zap.String("stage", s.Name()), zap.String("run_id", env.RunID))
	primary := store.New[R](s.primary)
	working := store.New[R](store.TempPath(s.primary, s.Name(), "partial"))
	progress := store.New[store.Checkpoint](store.TempPath(s.primary, s.Name(), "progress"))

	for _, trim := range []func() (int64, error){working.TrimPartial, progress.TrimPartial} {
		n, err := trim()
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("discarded torn tail of in-progress store", zap.Int64("bytes", n))
		}
	}
	start, err := s.resumeAt(primary, working, progress, logger)
	if err != nil {
		return err
	}

	gen := record.NewIDGen(0)
	known := make(map[string]struct{})
	for rec, err := range working.Stream(ctx) {
		if err != nil {
			return err
		}
		gen.Observe(rec.Identity())
		if t := s.target(rec); t != "" {
			known[t] = struct{}{}
		}
	}

	extractLinks := make(map[string]*extract.LinkExtractor, len(s.queries))
	for _, q := range s.queries {
		if _, ok := extractLinks[q.URL]; !ok {
			extractLinks[q.URL] = q.links
		}
	}
	d, err := s.dispatcher(env, func(_ context.Context, page Page) ([]string, error) {
		le, ok := extractLinks[page.URL]
		if !ok {
			return nil, fmt.Errorf("no link extractor for %s", page.URL)
		}
		return le.Links(page.Doc, page.URL), nil
	}, false)
	if err != nil {
		return err
	}

	pending := s.queries[start:]
	for len(pending) > 0 {
		n := min(s.chunkSize, len(pending))
		if err := s.commit(ctx, d, pending[:n], working, progress, gen, known, logger); err != nil {
			return err
		}
		pending = pending[n:]
	}

	if err := s.replace(primary.Path(), working.Path()); err != nil {
		return err
	}
	// Progress goes first: without it the next run rebuilds the working store
	// from the descriptor instead of trusting it.
	if err := progress.Remove(); err != nil {
		return err
	}
	if err := working.Remove(); err != nil {
		return err
	}
	logger.Info("search complete", zap.Int("queries", len(s.queries)), zap.Int("known", len(known)))
	return nil
}

// resumeAt returns the index of the first query not yet committed. Without a
// usable progress marker the working store is rebuilt from the descriptor and
// the plan starts from the top; a marker naming a page outside the plan means
// the stores belong to another configuration.
func (s *Search[R]) resumeAt(primary, working *store.Store[R], progress *store.Store[store.Checkpoint], logger *zap.Logger) (int, error) {
	cp, err := progress.Checkpoint()
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if !cp.IsZero() {
		for i, q := range s.queries {
			if q.URL == cp.Page {
				logger.Info("resuming after checkpoint", zap.String("page", cp.Page), zap.Int("next_query", i+1))
				return i + 1, nil
			}
		}
		logger.Warn("checkpoint page not in search plan, starting over", zap.String("page", cp.Page))
	}
	if err := progress.Reset(); err != nil {
		return 0, err
	}
	if err := store.AtomicReplace(working.Path(), primary.Path()); err != nil {
		return 0, fmt.Errorf("seed working store: %w", err)
	}
	return 0, nil
}

// commit fetches a chunk of listing pages, appends their new links in query
// order, then marks the chunk's last page as done. A chunk that found nothing
// new still moves the marker.
func (s *Search[R]) commit(
	ctx context.Context,
	d chunk.Dispatcher[[]string],
	batch []query,
	working *store.Store[R],
	progress *store.Store[store.Checkpoint],
	gen *record.IDGen,
	known map[string]struct{},
	logger *zap.Logger,
) error {
	urls := make([]string, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, q := range batch {
		if !seen[q.URL] {
			seen[q.URL] = true
			urls = append(urls, q.URL)
		}
	}
	metrics.ObserveDispatch(s.Name(), len(urls))

	found := make(map[string][]string, len(urls))
	for out, err := range d.Dispatch(ctx, urls) {
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		switch {
		case out.Err == nil:
			found[out.Target] = out.Value
		case errors.Is(out.Err, browser.ErrAbandoned), errors.Is(out.Err, chunk.ErrNoResult):
			logger.Warn("listing page skipped", zap.String("page", out.Target), zap.Error(out.Err))
		default:
			return fmt.Errorf("fetch %s: %w", out.Target, out.Err)
		}
	}

	var records []R
	for _, q := range batch {
		for _, link := range found[q.URL] {
			t := s.resolver.Target(link)
			if t == "" {
				continue
			}
			if _, dup := known[t]; dup {
				continue
			}
			known[t] = struct{}{}
			records = append(records, s.build(gen.Next(), q, t))
		}
	}
	if err := working.Append(records...); err != nil {
		return err
	}
	if err := progress.Append(store.Checkpoint{Page: batch[len(batch)-1].URL}); err != nil {
		return err
	}
	metrics.ObserveCommit(s.Name(), len(records))
	logger.Info("chunk committed",
		zap.Int("pages", len(urls)),
		zap.Int("records", len(records)),
		zap.String("last_page", batch[len(batch)-1].URL),
	)
	return nil
}
