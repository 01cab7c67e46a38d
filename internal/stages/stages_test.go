package stages

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/browser"
	"github.com/JakeFAU/policy-crawler/internal/chunk"
	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/content"
	"github.com/JakeFAU/policy-crawler/internal/extract"
	"github.com/JakeFAU/policy-crawler/internal/pipeline"
	"github.com/JakeFAU/policy-crawler/internal/record"
	"github.com/JakeFAU/policy-crawler/internal/storage/memory"
	"github.com/JakeFAU/policy-crawler/internal/store"
	"github.com/JakeFAU/policy-crawler/internal/worker"
)

// fakeWeb serves canned pages. Targets without a page are abandoned, the way
// a session reports a site that never loaded.
type fakeWeb struct {
	pages      map[string]string
	dispatched []string
	calls      int
	// failOn makes the nth Dispatch call fail as if interrupted.
	failOn int
}

func fakePages[V any](web *fakeWeb) dispatcherFunc[V] {
	return func(_ *pipeline.Env, fn pageFunc[V], _ bool) (chunk.Dispatcher[V], error) {
		return chunk.DispatchFunc[V](func(ctx context.Context, targets []string) iter.Seq2[worker.Outcome[V], error] {
			return func(yield func(worker.Outcome[V], error) bool) {
				web.calls++
				if web.failOn > 0 && web.calls == web.failOn {
					yield(worker.Outcome[V]{}, context.Canceled)
					return
				}
				for i := len(targets) - 1; i >= 0; i-- {
					t := targets[i]
					web.dispatched = append(web.dispatched, t)
					out := worker.Outcome[V]{Target: t}
					html, ok := web.pages[t]
					if !ok {
						out.Err = &browser.AbandonedError{URL: t, LastCause: browser.CauseDNS}
					} else if doc, err := extract.Parse(html); err != nil {
						out.Err = err
					} else {
						out.Value, out.Err = fn(ctx, Page{URL: t, HTML: html, Doc: doc})
					}
					if !yield(out, nil) {
						return
					}
				}
			}
		}), nil
	}
}

func testEnv(cfg config.Config) *pipeline.Env {
	return pipeline.NewEnv(cfg, zap.NewNop(), "test-run", worker.Config{})
}

func readAll[R any](t *testing.T, path string) []R {
	t.Helper()
	var out []R
	for rec, err := range store.New[R](path).Stream(context.Background()) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func writeStore[R any](t *testing.T, path string, recs ...R) {
	t.Helper()
	require.NoError(t, store.New[R](path).Append(recs...))
}

func ptr(s string) *string { return &s }

const (
	lamp1 = "https://shop.example/search?q=lamp&p=1"
	lamp2 = "https://shop.example/search?q=lamp&p=2"
	desk1 = "https://shop.example/search?q=desk&p=1"
	desk2 = "https://shop.example/search?q=desk&p=2"
)

func searchConfig(dir string) config.Config {
	return config.Config{
		ChunkSize: 2,
		Paths:     config.PathConfig{DescriptorFile: filepath.Join(dir, "products.jsonl")},
		Search: []config.SearchSite{{
			Template:     "https://shop.example/search?q={keyword}&p={page}",
			Keywords:     []string{"lamp", "desk"},
			Pages:        2,
			LinkSelector: "a.item",
		}},
		Blocklist: []string{"*.ads.example"},
	}
}

func searchWeb() *fakeWeb {
	return &fakeWeb{pages: map[string]string{
		lamp1: `<body><a class="item" href="/p/1">1</a><a class="item" href="/p/2#reviews">2</a>` +
			`<a class="item" href="https://track.ads.example/x">ad</a></body>`,
		lamp2: `<body><a class="item" href="/p/2">2</a><a class="item" href="/p/3">3</a></body>`,
		desk1: `<body><a class="item" href="/p/4">4</a><a href="/p/9">not an item</a></body>`,
	}}
}

func runSearch(t *testing.T, cfg config.Config, web *fakeWeb) error {
	t.Helper()
	s, err := NewProductSearch(cfg)
	require.NoError(t, err)
	s.dispatcher = fakePages[[]string](web)
	return s.Run(context.Background(), testEnv(cfg))
}

func TestExpandQueries(t *testing.T) {
	qs, err := expandQueries(searchConfig(t.TempDir()).Search)
	require.NoError(t, err)
	var urls []string
	for _, q := range qs {
		urls = append(urls, q.URL)
	}
	assert.Equal(t, []string{lamp1, lamp2, desk1, desk2}, urls)
	assert.Equal(t, "desk", qs[2].Keyword)

	qs, err = expandQueries([]config.SearchSite{{
		Template: "https://dir.example/list/{page}", Keywords: []string{"ignored"}, Pages: 2, LinkSelector: "a",
	}})
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "https://dir.example/list/2", qs[1].URL)
	assert.Empty(t, qs[1].Keyword)

	_, err = expandQueries([]config.SearchSite{{Template: "x", Pages: 1}})
	assert.Error(t, err)
}

func TestSearchAppendsNewLinksInQueryOrder(t *testing.T) {
	dir := t.TempDir()
	cfg := searchConfig(dir)
	web := searchWeb()
	require.NoError(t, runSearch(t, cfg, web))

	got := readAll[record.Product](t, cfg.Paths.DescriptorFile)
	want := []record.Product{
		{ID: record.Known(0), Page: lamp1, URL: "https://shop.example/p/1", Keyword: "lamp"},
		{ID: record.Known(1), Page: lamp1, URL: "https://shop.example/p/2", Keyword: "lamp"},
		{ID: record.Known(2), Page: lamp2, URL: "https://shop.example/p/3", Keyword: "lamp"},
		{ID: record.Known(3), Page: desk1, URL: "https://shop.example/p/4", Keyword: "desk"},
	}
	assert.Equal(t, want, got)
	assert.ElementsMatch(t, []string{lamp1, lamp2, desk1, desk2}, web.dispatched)

	_, err := os.Stat(store.TempPath(cfg.Paths.DescriptorFile, "search", "partial"))
	assert.True(t, os.IsNotExist(err), "working store is removed after the replace")

	// A second run finds nothing new and leaves the descriptor as it was.
	before, err := os.ReadFile(cfg.Paths.DescriptorFile)
	require.NoError(t, err)
	require.NoError(t, runSearch(t, cfg, searchWeb()))
	after, err := os.ReadFile(cfg.Paths.DescriptorFile)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestSearchResumeMatchesCleanRun(t *testing.T) {
	cleanDir := t.TempDir()
	clean := searchConfig(cleanDir)
	require.NoError(t, runSearch(t, clean, searchWeb()))
	want, err := os.ReadFile(clean.Paths.DescriptorFile)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := searchConfig(dir)
	interrupted := searchWeb()
	interrupted.failOn = 2
	err = runSearch(t, cfg, interrupted)
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(cfg.Paths.DescriptorFile)
	assert.True(t, os.IsNotExist(statErr), "descriptor is only written by the final replace")

	resumed := searchWeb()
	require.NoError(t, runSearch(t, cfg, resumed))
	assert.ElementsMatch(t, []string{desk1, desk2}, resumed.dispatched, "committed listing pages are not fetched again")

	got, err := os.ReadFile(cfg.Paths.DescriptorFile)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestSearchUnknownCheckpointStartsOver(t *testing.T) {
	foreign := record.Product{ID: record.Known(7), Page: "https://elsewhere.example/", URL: "https://elsewhere.example/p"}
	tests := []struct {
		name     string
		progress []store.Checkpoint
	}{
		{name: "working store without progress"},
		{name: "progress outside the plan", progress: []store.Checkpoint{{Page: foreign.Page}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := searchConfig(t.TempDir())
			writeStore(t, store.TempPath(cfg.Paths.DescriptorFile, "search", "partial"), foreign)
			if len(tt.progress) > 0 {
				writeStore(t, store.TempPath(cfg.Paths.DescriptorFile, "search", "progress"), tt.progress...)
			}

			web := searchWeb()
			require.NoError(t, runSearch(t, cfg, web))
			got := readAll[record.Product](t, cfg.Paths.DescriptorFile)
			require.Len(t, got, 4)
			assert.Equal(t, record.Known(0), got[0].ID)
			assert.Len(t, web.dispatched, 4)
		})
	}
}

func TestSearchReplaceRepeatsSafelyAfterCrash(t *testing.T) {
	cfg := searchConfig(t.TempDir())
	s, err := NewProductSearch(cfg)
	require.NoError(t, err)
	s.dispatcher = fakePages[[]string](searchWeb())
	s.replace = func(dst string, srcs ...string) error {
		if err := store.AtomicReplace(dst, srcs...); err != nil {
			return err
		}
		return errors.New("killed before cleanup")
	}
	require.Error(t, s.Run(context.Background(), testEnv(cfg)))
	require.Len(t, readAll[record.Product](t, cfg.Paths.DescriptorFile), 4)

	web := searchWeb()
	require.NoError(t, runSearch(t, cfg, web))
	assert.Empty(t, web.dispatched, "every chunk was already committed")

	got := readAll[record.Product](t, cfg.Paths.DescriptorFile)
	require.Len(t, got, 4)
	seen := make(map[record.ID]bool)
	for _, p := range got {
		assert.False(t, seen[p.ID], "identity %s repeated", p.ID)
		seen[p.ID] = true
	}
	for _, label := range []string{"partial", "progress"} {
		_, err := os.Stat(store.TempPath(cfg.Paths.DescriptorFile, "search", label))
		assert.True(t, os.IsNotExist(err), "%s store is removed", label)
	}
}

func TestSearchCheckpointAdvancesWithoutNewLinks(t *testing.T) {
	cfg := searchConfig(t.TempDir())
	web := func() *fakeWeb {
		w := searchWeb()
		w.pages[lamp1] = `<body><p>no results</p></body>`
		w.pages[lamp2] = `<body><p>no results</p></body>`
		return w
	}

	interrupted := web()
	interrupted.failOn = 2
	require.ErrorIs(t, runSearch(t, cfg, interrupted), context.Canceled)

	resumed := web()
	require.NoError(t, runSearch(t, cfg, resumed))
	assert.ElementsMatch(t, []string{desk1, desk2}, resumed.dispatched, "an empty committed chunk is not fetched again")

	got := readAll[record.Product](t, cfg.Paths.DescriptorFile)
	require.Len(t, got, 1)
	assert.Equal(t, record.Product{ID: record.Known(0), Page: desk1, URL: "https://shop.example/p/4", Keyword: "desk"}, got[0])
}

func websiteConfig(dir string) config.Config {
	return config.Config{
		ChunkSize: 2,
		Paths: config.PathConfig{
			DescriptorFile: filepath.Join(dir, "descriptor.jsonl"),
			HTMLDir:        filepath.Join(dir, "html"),
		},
		Storage: config.StorageConfig{Backend: "local"},
		Policy:  config.PolicyConfig{Patterns: []string{"privacy policy"}},
	}
}

func TestPoliciesFindsLinksOncePerSite(t *testing.T) {
	dir := t.TempDir()
	cfg := websiteConfig(dir)
	writeStore(t, cfg.Paths.DescriptorFile,
		record.Website{ID: record.Known(0), URL: "https://a.example/"},
		record.Website{ID: record.Known(1), URL: "https://b.example"},
		record.Website{ID: record.Known(2), URL: "https://A.example/#top"},
		record.Website{ID: record.Known(3)},
	)
	web := &fakeWeb{pages: map[string]string{
		"https://a.example/": `<body><a href="/about">About</a><a href="/legal/privacy">Privacy Policy</a></body>`,
		"https://b.example":  `<body><a href="/terms">Terms of use</a></body>`,
	}}

	stage, err := NewPolicies(cfg)
	require.NoError(t, err)
	stage.dispatcher = fakePages[string](web)
	require.NoError(t, stage.Run(context.Background(), testEnv(cfg)))

	got := readAll[record.Website](t, cfg.Paths.DescriptorFile)
	require.Len(t, got, 4)
	assert.Equal(t, "https://a.example/legal/privacy", record.Deref(got[0].Policy))
	assert.Nil(t, got[1].Policy)
	assert.Equal(t, got[0].Policy, got[2].Policy)
	assert.Nil(t, got[3].Policy)
	assert.ElementsMatch(t, []string{"https://a.example/", "https://b.example"}, web.dispatched)
}

func TestDownloadStoresPagesByFingerprint(t *testing.T) {
	dir := t.TempDir()
	cfg := websiteConfig(dir)
	cfg.Paths.SeedFile = filepath.Join(dir, "explicit.jsonl")
	writeStore(t, cfg.Paths.DescriptorFile,
		record.Website{ID: record.Known(0), URL: "https://a.example/", Policy: ptr("https://a.example/privacy")},
		record.Website{ID: record.Known(1), URL: "https://b.example/"},
	)
	require.NoError(t, os.WriteFile(cfg.Paths.SeedFile,
		[]byte(`{"id":null,"url":"https://c.example/","policy":"https://c.example/privacy","hash":null}`+"\n"), 0o600))

	pageA := `<html><head><title>A</title></head><body><h1>Privacy</h1><p>We keep data.</p></body></html>`
	pageC := `<html><body><p>C policy</p></body></html>`
	web := &fakeWeb{pages: map[string]string{
		"https://a.example/privacy": pageA,
		"https://c.example/privacy": pageC,
	}}

	stage, err := NewDownload(cfg)
	require.NoError(t, err)
	stage.dispatcher = fakePages[string](web)
	require.NoError(t, stage.Run(context.Background(), testEnv(cfg)))

	normA, err := content.Normalize(pageA)
	require.NoError(t, err)
	normC, err := content.Normalize(pageC)
	require.NoError(t, err)

	got := readAll[record.Website](t, cfg.Paths.DescriptorFile)
	require.Len(t, got, 3)
	assert.Equal(t, content.Fingerprint(normA), record.Deref(got[0].Hash))
	assert.Nil(t, got[1].Hash)
	assert.Equal(t, record.Known(2), got[2].ID, "seed records get identities past the descriptor's")
	assert.Equal(t, content.Fingerprint(normC), record.Deref(got[2].Hash))

	stored, err := os.ReadFile(filepath.Join(cfg.Paths.HTMLDir, content.Fingerprint(normA)+".html"))
	require.NoError(t, err)
	assert.Equal(t, normA, string(stored))
}

func TestSavePageWithoutBodyIsAbsent(t *testing.T) {
	dir := t.TempDir()
	cfg := websiteConfig(dir)
	blobs, release, err := openBlobs(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, release()) }()

	_, err = savePage(content.NewWriter(blobs, ""))(context.Background(), Page{HTML: "<html><head></head><body></body></html>"})
	assert.ErrorIs(t, err, chunk.ErrNoResult)
}

func TestDetailsReadsManufacturer(t *testing.T) {
	dir := t.TempDir()
	cfg := websiteConfig(dir)
	cfg.Details = config.DetailsConfig{
		ManufacturerLabel: "manufacturer",
		ManufacturerRows:  "table tr",
		WebsiteSelectors:  []string{"a.brand-site"},
	}
	writeStore(t, cfg.Paths.DescriptorFile,
		record.Product{ID: record.Known(0), URL: "https://shop.example/p/1", Keyword: "lamp"},
		record.Product{ID: record.Known(1), URL: "https://shop.example/p/2", Keyword: "lamp"},
	)
	web := &fakeWeb{pages: map[string]string{
		"https://shop.example/p/1": `<body><table><tr><th>Manufacturer:</th><td>Acme Corp.</td></tr></table>` +
			`<a class="brand-site" href="https://acme.example/">Visit</a></body>`,
	}}

	stage, err := NewDetails(cfg)
	require.NoError(t, err)
	stage.dispatcher = fakePages[productDetails](web)
	require.NoError(t, stage.Run(context.Background(), testEnv(cfg)))

	got := readAll[record.Product](t, cfg.Paths.DescriptorFile)
	require.Len(t, got, 2)
	assert.Equal(t, "acme corp", record.Deref(got[0].Manufacturer))
	assert.Equal(t, "https://acme.example/", record.Deref(got[0].Website))
	assert.Equal(t, "lamp", got[0].Keyword)
	assert.Nil(t, got[1].Manufacturer)
	assert.Nil(t, got[1].Website)
}

func TestExportWritesWorkbook(t *testing.T) {
	dir := t.TempDir()
	cfg := websiteConfig(dir)
	cfg.Export.XLSXPath = filepath.Join(dir, "out", "report.xlsx")
	writeStore(t, cfg.Paths.DescriptorFile,
		record.Website{ID: record.Known(0), Page: "p1", URL: "https://a.example/", Policy: ptr("https://a.example/privacy"), Hash: ptr("abc")},
		record.Website{ID: record.Known(1), Page: "p1", URL: "https://b.example/"},
	)

	stage := NewWebsiteExport(cfg)
	assert.False(t, stage.NeedsPool())
	require.NoError(t, stage.Run(context.Background(), testEnv(cfg)))

	f, err := excelize.OpenFile(cfg.Export.XLSXPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "page", "url", "policy", "hash"}, rows[0])
	assert.Equal(t, []string{"0", "p1", "https://a.example/", "https://a.example/privacy", "abc"}, rows[1])
	assert.Equal(t, []string{"1", "p1", "https://b.example/"}, rows[2][:3])
}

func TestExportPathDefaults(t *testing.T) {
	cfg := config.Config{Paths: config.PathConfig{ResourcesDir: "/data", DescriptorFile: "/data/descriptor.jsonl"}}
	assert.Equal(t, "/data/descriptor.xlsx", exportPath(cfg))

	cfg.Export.XLSXPath = "report.xlsx"
	assert.Equal(t, "/data/report.xlsx", exportPath(cfg))

	cfg.Export.XLSXPath = "/tmp/report.xlsx"
	assert.Equal(t, "/tmp/report.xlsx", exportPath(cfg))
}

func TestRegistryPipelines(t *testing.T) {
	reg := Registry()
	assert.Equal(t, []string{"analytics", "markets"}, reg.Names())

	cfg := websiteConfig(t.TempDir())
	names := func(stages []pipeline.Stage) []string {
		var out []string
		for _, s := range stages {
			out = append(out, s.Name())
		}
		return out
	}

	stages, err := reg.Build("analytics", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "policies", "download", "export"}, names(stages))

	stages, err = reg.Build("markets", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"search", "details", "export"}, names(stages))

	cfg.Policy.Patterns = nil
	_, err = reg.Build("analytics", cfg)
	assert.Error(t, err)

	_, err = reg.Build("nope", cfg)
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)
}

func TestSessionFactory(t *testing.T) {
	drv := config.DriverConfig{
		PageLoadTimeout:      1,
		MaxNetworkAttempts:   1,
		MaxTimeoutAttempts:   1,
		MaxChallengeAttempts: 1,
		AbandonOn:            []string{"dns", "TLS"},
	}
	factory, err := SessionFactory(drv)
	require.NoError(t, err)
	sess, err := factory(0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, browser.StateIdle, sess.State())

	drv.AbandonOn = []string{"gremlins"}
	_, err = SessionFactory(drv)
	assert.ErrorContains(t, err, "abandon_on")

	wc, err := Workers(config.Config{ProcCount: 3, Driver: config.DriverConfig{
		MaxNetworkAttempts: 1, MaxTimeoutAttempts: 1, MaxChallengeAttempts: 1,
	}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, wc.Workers)
	assert.NotNil(t, wc.NewSession)
}

func TestOpenBlobsBackends(t *testing.T) {
	cfg := websiteConfig(t.TempDir())
	cfg.Storage.Backend = "memory"
	blobs, release, err := openBlobs(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, release())
	mem, ok := blobs.(*memory.BlobStore)
	require.True(t, ok)

	hash, uri, err := content.NewWriter(mem, "pages").Write(context.Background(), "<body><p>x</p></body>")
	require.NoError(t, err)
	assert.Equal(t, "memory://pages/"+hash+".html", uri)
	assert.Equal(t, 1, mem.Len())

	cfg.Storage.Backend = "s3"
	_, _, err = openBlobs(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestSearchRunsOnFreshResourcesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "resources")
	cfg := searchConfig(root)
	cfg.Paths.ResourcesDir = root
	require.NoError(t, cfg.Paths.Prepare())

	require.NoError(t, runSearch(t, cfg, searchWeb()))
	assert.Len(t, readAll[record.Product](t, cfg.Paths.DescriptorFile), 4)
}
