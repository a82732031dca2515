package discovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

// fakeFetcher serves canned bodies by URL and records what was requested.
type fakeFetcher struct {
	pages    map[string]string
	statuses map[string]int
	requests []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	f.requests = append(f.requests, req.URL)
	if status, ok := f.statuses[req.URL]; ok {
		return fetch.Response{}, &pipeline.HTTPError{URL: req.URL, StatusCode: status}
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return fetch.Response{}, &pipeline.HTTPError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return fetch.Response{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       []byte(body),
	}, nil
}

var site = pipeline.Website{
	ID:      1,
	Name:    "Example News",
	BaseURL: "https://example.com",
}

func newEngine(f *fakeFetcher, methods ...pipeline.DiscoveryMethod) *Engine {
	return New(Config{Methods: methods, MaxCategoryPages: 3}, f, nil, zap.NewNop())
}

func TestDiscoverSitemap_NestedIndex(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		"https://example.com/sitemap.xml": `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-posts.xml</loc></sitemap>
  <sitemap><loc>https://example.com/sitemap-broken.xml</loc></sitemap>
</sitemapindex>`,
		"https://example.com/sitemap-posts.xml": `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/politics/budget-vote</loc><lastmod>2026-08-01</lastmod></url>
  <url><loc>https://example.com/tag/budget</loc></url>
  <url><loc>https://example.com/politics/budget-vote/</loc></url>
  <url><loc>not a url ::</loc></url>
</urlset>`,
	}}

	engine := newEngine(f, pipeline.MethodSitemap)
	candidates, err := engine.Discover(context.Background(), site, nil)
	require.NoError(t, err)

	// Tag page rejected, trailing-slash duplicate collapsed, junk skipped.
	require.Len(t, candidates, 1)
	require.Equal(t, "https://example.com/politics/budget-vote", candidates[0].URL)
	require.Equal(t, pipeline.MethodSitemap, candidates[0].Method)
	require.NotNil(t, candidates[0].LastModified)
}

func TestDiscoverSitemap_Gzipped(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`<urlset><url><loc>https://example.com/world/flood-recovery</loc></url></urlset>`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	f := &fakeFetcher{pages: map[string]string{
		"https://example.com/sitemap.xml": buf.String(),
	}}

	engine := newEngine(f, pipeline.MethodSitemap)
	candidates, err := engine.Discover(context.Background(), site, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "https://example.com/world/flood-recovery", candidates[0].URL)
}

func TestDiscoverRSS(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		"https://example.com/feed": `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Example</title>
<item><title>One</title><link>https://example.com/politics/one?utm_source=rss</link><pubDate>Mon, 24 Aug 2026 10:00:00 GMT</pubDate></item>
<item><title>Two</title><link>https://example.com/sports/two</link></item>
<item><title>Offsite</title><link>https://other.com/story</link></item>
</channel></rss>`,
	}}

	engine := newEngine(f, pipeline.MethodRSS)
	candidates, err := engine.Discover(context.Background(), site, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, "https://example.com/politics/one", candidates[0].URL, "tracking params stripped")
	require.NotNil(t, candidates[0].LastModified)
	require.Equal(t, pipeline.MethodRSS, candidates[1].Method)
}

func TestDiscoverCategory_NumericPagination(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		"https://example.com": `<html><nav>
<a href="/category/politics">Politics</a>
<a href="/about">About</a>
</nav></html>`,
		"https://example.com/category/politics": `<html>
<a href="/politics/story-a">A</a>
<a href="/politics/story-b">B</a>
</html>`,
		"https://example.com/category/politics/page/2": `<html>
<a href="/politics/story-c">C</a>
</html>`,
		"https://example.com/category/politics/page/3": `<html>
<a href="/politics/story-a">A again</a>
</html>`,
	}}

	engine := newEngine(f, pipeline.MethodCategory)
	candidates, err := engine.Discover(context.Background(), site, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		urls = append(urls, c.URL)
	}
	require.Contains(t, urls, "https://example.com/politics/story-c")
}

func TestDiscoverHomepage(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[string]string{
		"https://example.com": `<html>
<a href="/business/markets-rally">Markets rally</a>
<a href="/author/jane">Jane</a>
<a href="https://example.com/business/markets-rally#comments">comments</a>
</html>`,
	}}

	engine := newEngine(f, pipeline.MethodHomepage)
	candidates, err := engine.Discover(context.Background(), site, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "https://example.com/business/markets-rally", candidates[0].URL)
}

func TestDiscover_FallsThroughFailingMethods(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		pages: map[string]string{
			"https://example.com": `<html><a href="/local/fire-dept-budget">story</a></html>`,
		},
		statuses: map[string]int{
			"https://example.com/sitemap.xml": http.StatusNotFound,
		},
	}

	engine := newEngine(f, pipeline.MethodSitemap, pipeline.MethodHomepage)
	candidates, err := engine.Discover(context.Background(), site, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestDiscover_AllMethodsEmptyIsError(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{statuses: map[string]int{
		"https://example.com/sitemap.xml": http.StatusNotFound,
		"https://example.com":             http.StatusServiceUnavailable,
	}}

	engine := newEngine(f, pipeline.MethodSitemap, pipeline.MethodHomepage)
	_, err := engine.Discover(context.Background(), site, nil)
	require.ErrorIs(t, err, ErrNoURLs)
}

func TestDiscover_KnownURLsSuppressed(t *testing.T) {
	t.Parallel()

	pages := map[string]string{
		"https://example.com/sitemap.xml": `<urlset>
<url><loc>https://example.com/politics/known-story</loc></url>
<url><loc>https://example.com/politics/new-story</loc></url>
</urlset>`,
	}

	known := map[string]struct{}{
		"https://example.com/politics/known-story": {},
	}
	engine := newEngine(&fakeFetcher{pages: pages}, pipeline.MethodSitemap)
	candidates, err := engine.Discover(context.Background(), site, known)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "https://example.com/politics/new-story", candidates[0].URL)

	// Second run with everything known: zero new rows, not a failure.
	known["https://example.com/politics/new-story"] = struct{}{}
	candidates, err = engine.Discover(context.Background(), site, known)
	require.NoError(t, err)
	require.Empty(t, candidates)
}
