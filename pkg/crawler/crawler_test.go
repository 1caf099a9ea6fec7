package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"statical/pkg/config"
	"statical/pkg/fetch"
	"statical/pkg/models"
	"statical/pkg/storage"
	"statical/pkg/utils"
)

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testFetcher() *fetch.Fetcher {
	client := fetch.NewClient(config.HTTPClientConfig{Timeout: 5 * time.Second}, testLogger())
	return fetch.NewFetcher(client, "statical-test", testLogger())
}

// staticSource serves a fixed sitemap document.
type staticSource struct {
	data string
	err  error
}

func (s staticSource) Read(context.Context) ([]byte, error) { return []byte(s.data), s.err }
func (s staticSource) String() string                       { return "static" }

func sitemapOf(locs ...string) staticSource {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	sb.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` + "\n")
	for _, loc := range locs {
		fmt.Fprintf(&sb, "  <url><loc>%s</loc></url>\n", loc)
	}
	sb.WriteString("</urlset>\n")
	return staticSource{data: sb.String()}
}

// site is an httptest server with fixed responses and a request counter per path.
type site struct {
	*httptest.Server
	mu       sync.Mutex
	requests map[string]int
}

type page struct {
	contentType string
	body        string
	status      int
	delay       time.Duration
}

func newSite(t *testing.T, pages map[string]page) *site {
	t.Helper()
	s := &site{requests: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		s.mu.Unlock()

		p, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
		if p.contentType != "" {
			w.Header().Set("Content-Type", p.contentType)
		}
		if p.status != 0 {
			w.WriteHeader(p.status)
		}
		_, _ = io.WriteString(w, p.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *site) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *site) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

func testConfig(t *testing.T, siteURL string) *config.AppConfig {
	return &config.AppConfig{
		Site:                 siteURL,
		BaseURL:              "https://frontside.com",
		OutputDir:            filepath.Join(t.TempDir(), "dist"),
		MaxConcurrentFetches: 4,
		ProgressInterval:     time.Hour,
	}
}

func newTestCrawler(t *testing.T, cfg *config.AppConfig, source staticSource) *Crawler {
	t.Helper()
	store := storage.NewMemoryStore(testLogger())
	t.Cleanup(func() { store.Close() })
	c, err := NewCrawler(cfg, source, testFetcher(), store, testLogger())
	require.NoError(t, err)
	return c
}

func readOutput(t *testing.T, cfg *config.AppConfig, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

const htmlType = "text/html; charset=utf-8"

func TestRun_MirrorsPagesAndRewritesSitemap(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/":      {contentType: htmlType, body: "<h1>Index</h1>"},
		"/about": {contentType: htmlType, body: "<h1>About</h1>"},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/", "/about"))

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, "<h1>Index</h1>", readOutput(t, cfg, "index.html"))
	assert.Equal(t, "<h1>About</h1>", readOutput(t, cfg, "about"))

	sm := readOutput(t, cfg, "sitemap.xml")
	assert.Contains(t, sm, `xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"`)
	assert.Contains(t, sm, "<loc>https://frontside.com/</loc>")
	assert.Contains(t, sm, "<loc>https://frontside.com/about</loc>")
	assert.Equal(t, 2, strings.Count(sm, "<loc>"), "one loc per seed")

	assert.True(t, summary.Succeeded)
	assert.Equal(t, 2, summary.SeedCount)
	assert.Equal(t, 2, summary.Counts.Written)
	assert.Equal(t, 0, summary.Counts.Failed)
	assert.Equal(t, c.RunID(), summary.RunID)
}

func TestRun_DownloadsReferencedAssets(t *testing.T) {
	css := "body { color: rebeccapurple; }\n"
	js := "console.log('spa');\n"
	srv := newSite(t, map[string]page{
		"/spa": {contentType: htmlType, body: `<html><head>
<link rel="stylesheet" href="assets/styles.css">
<script src="assets/script.js"></script>
</head><body><div id="root"></div></body></html>`},
		"/assets/styles.css": {contentType: "text/css", body: css},
		"/assets/script.js":  {contentType: "application/javascript", body: js},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/spa"))

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, css, readOutput(t, cfg, "assets/styles.css"))
	assert.Equal(t, js, readOutput(t, cfg, "assets/script.js"))
}

func TestRun_IgnoresOtherHosts(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/spa": {contentType: htmlType, body: `<link rel="stylesheet" href="https://otherdomain.example/cdn/mui.css">
<script src="//cdn.example.com/lib.js"></script>`},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/spa"))

	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(cfg.OutputDir, "cdn"))
	assert.True(t, os.IsNotExist(statErr), "nothing may be written for another host")
	assert.Equal(t, 1, srv.total(), "only the seed is requested")
	assert.Equal(t, 2, summary.Counts.Skipped)
}

func TestRun_DuplicateReferenceFetchedOnce(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/":           {contentType: htmlType, body: `<link href="/shared.css"><img src="/logo.png">`},
		"/about":      {contentType: htmlType, body: `<link href="/shared.css"><img src="/logo.png">`},
		"/pricing":    {contentType: htmlType, body: `<link href="/shared.css">`},
		"/shared.css": {contentType: "text/css", body: "a{}"},
		"/logo.png":   {contentType: "image/png", body: "png"},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/", "/about", "/pricing"))

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, srv.count("/shared.css"))
	assert.Equal(t, 1, srv.count("/logo.png"))
}

func TestRun_RespectsConcurrencyCeiling(t *testing.T) {
	var running, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	cfg.MaxConcurrentFetches = 2
	c := newTestCrawler(t, cfg, sitemapOf("/a", "/b", "/c", "/d", "/e"))

	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 5, summary.Counts.Written)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, "/"+name, readOutput(t, cfg, name))
	}
}

func TestRun_FailedFetchIsReported(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/":       {contentType: htmlType, body: `<img src="/missing.png"><img src="/ok.png">`},
		"/ok.png": {contentType: "image/png", body: "png"},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/"))

	summary, err := c.Run(context.Background())
	require.Error(t, err)

	var fetchErr *utils.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.ErrorIs(t, err, utils.ErrClientHTTPError)

	require.NotNil(t, summary)
	assert.False(t, summary.Succeeded)
	assert.Equal(t, 1, summary.Counts.Failed)
	assert.Equal(t, 2, summary.Counts.Written, "other resources are still mirrored")
	assert.Equal(t, "png", readOutput(t, cfg, "ok.png"))

	var failed *models.ResourceEntry
	for i := range summary.Resources {
		if summary.Resources[i].Reference == "/missing.png" {
			failed = &summary.Resources[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, models.ResourceStatusFailure, failed.Status)
	assert.Equal(t, "HTTP_404", failed.ErrorType)
}

func TestRun_SitemapFailureIsFatal(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/": {contentType: htmlType, body: "<h1>Index</h1>"},
	})
	cfg := testConfig(t, srv.URL)

	t.Run("unreadable source", func(t *testing.T) {
		c := newTestCrawler(t, cfg, staticSource{err: errors.New("boom")})
		summary, err := c.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, utils.ErrSitemapSource)
		assert.Nil(t, summary)
	})

	t.Run("malformed document", func(t *testing.T) {
		c := newTestCrawler(t, cfg, staticSource{data: "<urlset><url>"})
		_, err := c.Run(context.Background())
		require.Error(t, err)
		var smErr *utils.SitemapError
		assert.True(t, errors.As(err, &smErr))
	})

	assert.Equal(t, 0, srv.total(), "no page may be fetched")
	_, statErr := os.Stat(filepath.Join(cfg.OutputDir, "sitemap.xml"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_NonHTMLIsNotScanned(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/notes.txt":  {contentType: "text/plain", body: `<link href="/hidden.css">`},
		"/hidden.css": {contentType: "text/css", body: "a{}"},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/notes.txt"))

	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, srv.count("/hidden.css"))
	assert.Equal(t, `<link href="/hidden.css">`, readOutput(t, cfg, "notes.txt"))
}

func TestRun_WritesOptionalOutputs(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/":          {contentType: htmlType, body: `<link href="/style.css"><img src="https://otherdomain.example/x.png">`},
		"/style.css": {contentType: "text/css", body: "a{}"},
	})
	cfg := testConfig(t, srv.URL)
	reports := t.TempDir()
	cfg.MetadataFile = filepath.Join(reports, "summary.yaml")
	cfg.VisitedLogFile = filepath.Join(reports, "visited.log")
	cfg.StructureFile = filepath.Join(reports, "structure.txt")
	c := newTestCrawler(t, cfg, sitemapOf("/"))

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.MetadataFile)
	require.NoError(t, err)
	var summary models.CrawlSummary
	require.NoError(t, yaml.Unmarshal(data, &summary))
	assert.Equal(t, c.RunID(), summary.RunID)
	assert.Equal(t, "https://frontside.com", summary.BaseURL)
	assert.True(t, summary.Succeeded)
	assert.Equal(t, 3, summary.Counts.Seen)
	require.Len(t, summary.Resources, 2, "skipped references are counted, not listed")
	for _, r := range summary.Resources {
		assert.NotEmpty(t, r.SHA256)
		assert.NotEmpty(t, r.LocalPath)
	}

	visited, err := os.ReadFile(cfg.VisitedLogFile)
	require.NoError(t, err)
	assert.Contains(t, string(visited), "/\tsuccess\tindex.html\n")
	assert.Contains(t, string(visited), "/style.css\tsuccess\tstyle.css\n")
	assert.Contains(t, string(visited), "https://otherdomain.example/x.png\tskipped\tout_of_scope\n")

	tree, err := os.ReadFile(cfg.StructureFile)
	require.NoError(t, err)
	assert.Contains(t, string(tree), "index.html")
	assert.Contains(t, string(tree), "sitemap.xml")
}

func TestRun_StructureFileSkippedOnFailure(t *testing.T) {
	srv := newSite(t, map[string]page{})
	cfg := testConfig(t, srv.URL)
	cfg.StructureFile = filepath.Join(t.TempDir(), "structure.txt")
	c := newTestCrawler(t, cfg, sitemapOf("/gone"))

	_, err := c.Run(context.Background())
	require.Error(t, err)
	_, statErr := os.Stat(cfg.StructureFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_Cancelled(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/slow": {contentType: "text/plain", body: "late", delay: 2 * time.Second},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	summary, err := c.Run(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "in-flight fetches must observe cancellation")
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Counts.Failed)
	require.Len(t, summary.Resources, 1)
	assert.Equal(t, "System_ContextDeadlineExceeded", summary.Resources[0].ErrorType)
}

func TestNewCrawler_RejectsBadInput(t *testing.T) {
	store := storage.NewMemoryStore(testLogger())
	defer store.Close()

	tests := []struct {
		name   string
		mutate func(*config.AppConfig)
	}{
		{"site not http", func(c *config.AppConfig) { c.Site = "ftp://example.com" }},
		{"relative base", func(c *config.AppConfig) { c.BaseURL = "/docs" }},
		{"bad exclude pattern", func(c *config.AppConfig) { c.ExcludePatterns = []string{"("} }},
		{"bad selector", func(c *config.AppConfig) { c.LinkSelectors = []string{"a[["} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, "http://localhost:8000")
			tt.mutate(cfg)
			_, err := NewCrawler(cfg, sitemapOf("/"), testFetcher(), store, testLogger())
			require.Error(t, err)
		})
	}
}

func TestRun_SitemapWriteAndFetchFailuresBothReported(t *testing.T) {
	srv := newSite(t, map[string]page{})
	cfg := testConfig(t, srv.URL)
	// A non-empty directory where sitemap.xml should go
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.OutputDir, "sitemap.xml", "occupied"), 0755))
	c := newTestCrawler(t, cfg, sitemapOf("/gone"))

	summary, err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrFilesystem, "sitemap write failure")
	assert.ErrorIs(t, err, utils.ErrClientHTTPError, "page fetch failure")
	require.NotNil(t, summary)
	assert.False(t, summary.Succeeded)
}

func TestRun_ReportsMissingSeeds(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/": {contentType: htmlType, body: "<h1>Index</h1>"},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/", "/gone", "https://otherdomain.example/", "/gone"))

	summary, err := c.Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, []string{"/gone", "https://otherdomain.example/"}, summary.MissingSeeds)
}

func TestRun_NoMissingSeedsOnSuccess(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/":      {contentType: htmlType, body: "<h1>Index</h1>"},
		"/about": {contentType: htmlType, body: "<h1>About</h1>"},
	})
	cfg := testConfig(t, srv.URL)
	c := newTestCrawler(t, cfg, sitemapOf("/", "/about"))

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.MissingSeeds)
}

func TestRun_CancelledRunIsReportedFromBadgerStore(t *testing.T) {
	srv := newSite(t, map[string]page{
		"/slow": {contentType: "text/plain", body: "late", delay: 2 * time.Second},
	})
	cfg := testConfig(t, srv.URL)
	cfg.VisitedLogFile = filepath.Join(t.TempDir(), "visited.log")
	store, err := storage.NewBadgerStore(t.TempDir(), "localhost", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	c, err := NewCrawler(cfg, sitemapOf("/slow"), testFetcher(), store, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	summary, err := c.Run(ctx)
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Counts.Failed)
	assert.Equal(t, []string{"/slow"}, summary.MissingSeeds)

	visited, err := os.ReadFile(cfg.VisitedLogFile)
	require.NoError(t, err)
	assert.Equal(t, "/slow\tfailure\tSystem_ContextDeadlineExceeded\n", string(visited))
}

func TestReportProgress(t *testing.T) {
	progressLogged := func(hook *logrustest.Hook) bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "Crawl Progress" {
				return true
			}
		}
		return false
	}
	newReporter := func(t *testing.T, interval time.Duration) (*Crawler, *logrustest.Hook) {
		logger, hook := logrustest.NewNullLogger()
		cfg := testConfig(t, testHost)
		cfg.ProgressInterval = interval
		store := storage.NewMemoryStore(testLogger())
		t.Cleanup(func() { store.Close() })
		c, err := NewCrawler(cfg, sitemapOf("/"), testFetcher(), store, logrus.NewEntry(logger))
		require.NoError(t, err)
		return c, hook
	}

	t.Run("logs on every tick", func(t *testing.T) {
		c, hook := newReporter(t, 10*time.Millisecond)
		f := newDownloaderFixture(t, nil)

		stop := c.reportProgress(context.Background(), f.buffer, f.dl)
		defer stop()
		assert.Eventually(t, func() bool { return progressLogged(hook) }, time.Second, 5*time.Millisecond)
	})

	t.Run("zero interval disables reporting", func(t *testing.T) {
		c, hook := newReporter(t, 0)
		f := newDownloaderFixture(t, nil)

		stop := c.reportProgress(context.Background(), f.buffer, f.dl)
		time.Sleep(50 * time.Millisecond)
		stop()
		assert.False(t, progressLogged(hook))
	})
}
