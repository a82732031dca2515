package coordinator

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/extract"
	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
	"github.com/dmaraist/newsgather/internal/store/memory"
)

type fakeDiscoverer struct {
	mu         sync.Mutex
	calls      int
	candidates []pipeline.Candidate
	err        error
}

func (d *fakeDiscoverer) Discover(_ context.Context, _ pipeline.Website, _ map[string]struct{}) ([]pipeline.Candidate, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.candidates, d.err
}

type fakeFetcher struct {
	mu       sync.Mutex
	failures map[string]int
	failWith error
	block    bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error) {
	if f.block {
		<-ctx.Done()
		return fetch.Response{}, &pipeline.NetworkError{URL: req.URL, Err: ctx.Err()}
	}
	f.mu.Lock()
	remaining := f.failures[req.URL]
	if remaining > 0 {
		f.failures[req.URL] = remaining - 1
	}
	f.mu.Unlock()
	if remaining > 0 {
		return fetch.Response{}, f.failWith
	}
	body := "<html><head><title>ok</title></head><body><p>body</p></body></html>"
	return fetch.Response{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

type fakeExtractor struct {
	err        error
	categories []pipeline.CategoryRef
}

func (e *fakeExtractor) RunPage(_ context.Context, page *extract.Page) (*pipeline.ExtractResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &pipeline.ExtractResult{
		Title:      "Article at " + page.URL,
		Markdown:   "# Article\n\nbody",
		RawHTML:    page.HTML,
		Strategy:   pipeline.StrategyStructural,
		Categories: e.categories,
		WordCount:  2,
	}, nil
}

func articleCandidates(n int) []pipeline.Candidate {
	out := make([]pipeline.Candidate, 0, n)
	letters := "abcdefghijklmnopqrst"
	for i := range n {
		out = append(out, pipeline.Candidate{
			URL:    "https://example.com/politics/story-" + string(letters[i]),
			Method: pipeline.MethodSitemap,
		})
	}
	return out
}

func newTestSite(t *testing.T, st store.Store) pipeline.Website {
	t.Helper()
	id, err := st.CreateWebsite(context.Background(), pipeline.Website{
		Name:    "Example News",
		BaseURL: "https://example.com",
		Active:  true,
	})
	require.NoError(t, err)
	site, err := st.GetWebsite(context.Background(), id)
	require.NoError(t, err)
	return site
}

func quickRetry() *pipeline.RetryPolicy {
	return pipeline.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
}

func TestRunWebsiteEndToEnd(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)

	disc := &fakeDiscoverer{candidates: articleCandidates(6)}
	ext := &fakeExtractor{categories: []pipeline.CategoryRef{{Name: "Politics"}}}
	c := New(Config{Workers: 3, CheckpointEvery: 2}, st, disc, ext, &fakeFetcher{}, nil, nil, quickRetry(), zap.NewNop())

	require.NoError(t, c.RunWebsite(context.Background(), site.ID))

	counts, err := st.CountURLs(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, 6, counts[pipeline.StatusScraped])

	cp, err := st.GetCheckpoint(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StepCompleted, cp.Step)

	job, err := st.GetJob(context.Background(), cp.JobID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, job.Status)
	require.Equal(t, 6, job.URLsFound)
	require.Equal(t, 6, job.URLsScraped)
	require.Zero(t, job.URLsFailed)

	a, err := st.GetArticleByURL(context.Background(), "https://example.com/politics/story-a")
	require.NoError(t, err)
	require.Equal(t, pipeline.StrategyStructural, a.Strategy)
	require.Len(t, st.ArticleCategories(a.ID), 1)
}

func TestRunWebsiteRetriesTransientFetch(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)

	target := "https://example.com/politics/story-a"
	fetcher := &fakeFetcher{
		failures: map[string]int{target: 2},
		failWith: &pipeline.HTTPError{URL: target, StatusCode: 503},
	}
	disc := &fakeDiscoverer{candidates: articleCandidates(1)}
	c := New(Config{Workers: 1, CheckpointEvery: 100}, st, disc, &fakeExtractor{}, fetcher, nil, nil, quickRetry(), zap.NewNop())

	require.NoError(t, c.RunWebsite(context.Background(), site.ID))

	known, err := st.KnownURLs(context.Background(), site.ID)
	require.NoError(t, err)
	u := known[target]
	require.Equal(t, pipeline.StatusScraped, u.Status)
	require.Equal(t, 2, u.RetryCount)
}

func TestRunWebsitePermanentFailureLogsError(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)

	disc := &fakeDiscoverer{candidates: articleCandidates(1)}
	ext := &fakeExtractor{err: &pipeline.ExtractionFailure{
		URL:      "https://example.com/politics/story-a",
		Attempts: []pipeline.StrategyName{pipeline.StrategyStructural},
	}}
	c := New(Config{Workers: 1, CheckpointEvery: 100}, st, disc, ext, &fakeFetcher{}, nil, nil, quickRetry(), zap.NewNop())

	require.NoError(t, c.RunWebsite(context.Background(), site.ID))

	counts, err := st.CountURLs(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, 1, counts[pipeline.StatusFailed])

	cp, err := st.GetCheckpoint(context.Background(), site.ID)
	require.NoError(t, err)
	entries, err := st.ListErrors(context.Background(), cp.JobID, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ExtractionFailure", entries[0].Kind)
	require.Equal(t, "extract", entries[0].Context)
	require.NotNil(t, entries[0].URLID)
}

func TestRunWebsiteMarksNonArticleInvalid(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)

	disc := &fakeDiscoverer{candidates: []pipeline.Candidate{
		{URL: "https://example.com/politics/story-a", Method: pipeline.MethodHomepage},
		{URL: "https://example.com/tags/politics", Method: pipeline.MethodHomepage},
	}}
	c := New(Config{Workers: 2, CheckpointEvery: 100}, st, disc, &fakeExtractor{}, &fakeFetcher{}, nil, nil, quickRetry(), zap.NewNop())

	require.NoError(t, c.RunWebsite(context.Background(), site.ID))

	counts, err := st.CountURLs(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, 1, counts[pipeline.StatusScraped])
	require.Equal(t, 1, counts[pipeline.StatusInvalid])
}

func TestRunWebsiteResumesAfterCrash(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)
	ctx := context.Background()

	// Simulate a run that crashed after scraping 5 of 10 URLs with 2
	// more claimed in flight.
	candidates := articleCandidates(10)
	_, err := st.InsertCandidates(ctx, site.ID, candidates)
	require.NoError(t, err)

	now := time.Now().UTC()
	job := pipeline.ScrapingJob{
		ID: "crashed-job", WebsiteID: site.ID,
		Status: pipeline.JobStatusRunning, URLsFound: 10, URLsScraped: 5,
		StartedAt: &now,
	}
	require.NoError(t, st.CreateJob(ctx, job))

	claimed, err := st.ClaimPending(ctx, site.ID, 7)
	require.NoError(t, err)
	require.Len(t, claimed, 7)
	for _, u := range claimed[:5] {
		require.NoError(t, st.MarkURLValid(ctx, u.ID))
		_, err := st.SaveArticle(ctx, pipeline.Article{
			WebsiteID: site.ID, URLID: u.ID, URL: u.URL,
			Title: "done", Markdown: "done", Strategy: pipeline.StrategyStructural,
		}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, st.PutCheckpoint(ctx, pipeline.Checkpoint{
		WebsiteID: site.ID, JobID: job.ID, Step: pipeline.StepExtracting,
		URLsFound: 10, URLsScraped: 5,
	}))

	disc := &fakeDiscoverer{candidates: candidates}
	c := New(Config{Workers: 2, CheckpointEvery: 100}, st, disc, &fakeExtractor{}, &fakeFetcher{}, nil, nil, quickRetry(), zap.NewNop())

	require.NoError(t, c.RunWebsite(ctx, site.ID))

	// Discovery already completed in the crashed run and is not redone.
	require.Zero(t, disc.calls)

	counts, err := st.CountURLs(ctx, site.ID)
	require.NoError(t, err)
	require.Equal(t, 10, counts[pipeline.StatusScraped])
	require.Zero(t, counts[pipeline.StatusPending])
	require.Zero(t, counts[pipeline.StatusValidating])

	got, err := st.GetJob(ctx, "crashed-job")
	require.NoError(t, err)
	require.Equal(t, pipeline.JobStatusCompleted, got.Status)
	require.Equal(t, 10, got.URLsScraped)
}

func TestRunWebsiteCancellationLeavesURLsPending(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)

	disc := &fakeDiscoverer{candidates: articleCandidates(4)}
	fetcher := &fakeFetcher{block: true}
	c := New(Config{Workers: 2, CheckpointEvery: 100}, st, disc, &fakeExtractor{}, fetcher, nil, nil, quickRetry(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunWebsite(ctx, site.ID) }()

	require.Eventually(t, func() bool {
		counts, err := st.CountURLs(context.Background(), site.ID)
		return err == nil && counts[pipeline.StatusValidating]+counts[pipeline.StatusValid] > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	counts, err := st.CountURLs(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, 4, counts[pipeline.StatusPending])
	require.Zero(t, counts[pipeline.StatusValidating])
	require.Zero(t, counts[pipeline.StatusValid])
}

func TestRunWebsiteSecondRunFindsNothingNew(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)

	disc := &fakeDiscoverer{candidates: articleCandidates(3)}
	c := New(Config{Workers: 2, CheckpointEvery: 100}, st, disc, &fakeExtractor{}, &fakeFetcher{}, nil, nil, quickRetry(), zap.NewNop())

	require.NoError(t, c.RunWebsite(context.Background(), site.ID))
	require.NoError(t, c.RunWebsite(context.Background(), site.ID))

	cp, err := st.GetCheckpoint(context.Background(), site.ID)
	require.NoError(t, err)
	job, err := st.GetJob(context.Background(), cp.JobID)
	require.NoError(t, err)
	// The second job re-discovers the same URLs but inserts none.
	require.Zero(t, job.URLsFound)
	require.Equal(t, pipeline.JobStatusCompleted, job.Status)

	counts, err := st.CountURLs(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, 3, counts[pipeline.StatusScraped])
}

func TestConditionalRevisitSkipsUnchangedPage(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)
	ctx := context.Background()

	target := "https://example.com/politics/story-a"
	_, err := st.InsertCandidates(ctx, site.ID, []pipeline.Candidate{
		{URL: target, Method: pipeline.MethodRSS, ETag: `"v1"`},
	})
	require.NoError(t, err)

	// Prior article exists and the row is pending again, as after an
	// operator-triggered re-scrape. The conditional fetch replies 304.
	known, err := st.KnownURLs(ctx, site.ID)
	require.NoError(t, err)
	u := known[target]
	_, err = st.SaveArticle(ctx, pipeline.Article{
		WebsiteID: site.ID, URLID: u.ID, URL: target,
		Title: "cached", Markdown: "cached", Strategy: pipeline.StrategySimilarity,
	}, nil)
	require.NoError(t, err)
	st.SetURLStatus(u.ID, pipeline.StatusPending)

	fetcher := &conditionalFetcher{etag: `"v1"`}
	disc := &fakeDiscoverer{}
	c := New(Config{Workers: 1, CheckpointEvery: 100, RevisitPolicy: pipeline.RevisitConditional},
		st, disc, &fakeExtractor{}, fetcher, nil, nil, quickRetry(), zap.NewNop())

	require.NoError(t, c.RunWebsite(ctx, site.ID))

	got, err := st.GetArticleByURL(ctx, target)
	require.NoError(t, err)
	require.Equal(t, "cached", got.Title)
	require.True(t, fetcher.sawConditional)
}

// breakerFetcher simulates an open circuit breaker until a deadline.
type breakerFetcher struct {
	mu           sync.Mutex
	until        time.Time
	blockedCalls int
}

func (f *breakerFetcher) Fetch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Now().Before(f.until) {
		f.blockedCalls++
		return fetch.Response{}, &pipeline.RateLimitBlocked{
			Domain: "example.com",
			Until:  f.until.UTC().Format(time.RFC3339Nano),
		}
	}
	body := "<html><head><title>ok</title></head><body><p>body</p></body></html>"
	return fetch.Response{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

func TestRunWebsiteBreakerOpenPausesInsteadOfFailing(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)
	ctx := context.Background()

	fetcher := &breakerFetcher{until: time.Now().Add(300 * time.Millisecond)}
	disc := &fakeDiscoverer{candidates: articleCandidates(3)}
	retry := pipeline.NewRetryPolicy(1, time.Millisecond, 2*time.Millisecond)
	c := New(Config{Workers: 2, CheckpointEvery: 100}, st, disc, &fakeExtractor{}, fetcher, nil, nil, retry, zap.NewNop())

	require.NoError(t, c.RunWebsite(ctx, site.ID))

	counts, err := st.CountURLs(ctx, site.ID)
	require.NoError(t, err)
	require.Equal(t, 3, counts[pipeline.StatusScraped])
	require.Zero(t, counts[pipeline.StatusFailed])

	// Claiming holds off for the cooldown. Each URL hits the open
	// breaker once, plus at most one claim cycle that raced the pause;
	// without the pause the 300ms cooldown produces dozens of hits.
	fetcher.mu.Lock()
	blocked := fetcher.blockedCalls
	fetcher.mu.Unlock()
	require.LessOrEqual(t, blocked, 6)

	known, err := st.KnownURLs(ctx, site.ID)
	require.NoError(t, err)
	for _, u := range known {
		require.Zero(t, u.RetryCount)
	}

	// The block is logged once at the domain level, not per URL.
	cp, err := st.GetCheckpoint(ctx, site.ID)
	require.NoError(t, err)
	entries, err := st.ListErrors(ctx, cp.JobID, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "RateLimitBlocked", entries[0].Kind)
	require.Nil(t, entries[0].URLID)
}

// validatorFetcher serves an ETag and honors If-None-Match with a 304.
type validatorFetcher struct {
	mu             sync.Mutex
	etag           string
	sawConditional bool
}

func (f *validatorFetcher) Fetch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.ETag == f.etag {
		f.sawConditional = true
		return fetch.Response{URL: req.URL, StatusCode: 304, NotModified: true}, nil
	}
	h := http.Header{}
	h.Set("ETag", f.etag)
	body := "<html><head><title>ok</title></head><body><p>body</p></body></html>"
	return fetch.Response{URL: req.URL, StatusCode: 200, Headers: h, Body: []byte(body)}, nil
}

func TestRevisitUsesValidatorsFromLastFetch(t *testing.T) {
	t.Parallel()

	st := memory.New()
	site := newTestSite(t, st)
	ctx := context.Background()

	fetcher := &validatorFetcher{etag: `"v2"`}
	disc := &fakeDiscoverer{candidates: articleCandidates(1)}
	c := New(Config{Workers: 1, CheckpointEvery: 100, RevisitPolicy: pipeline.RevisitConditional},
		st, disc, &fakeExtractor{}, fetcher, nil, nil, quickRetry(), zap.NewNop())

	require.NoError(t, c.RunWebsite(ctx, site.ID))

	target := "https://example.com/politics/story-a"
	known, err := st.KnownURLs(ctx, site.ID)
	require.NoError(t, err)
	require.Equal(t, `"v2"`, known[target].ETag, "etag from the response persisted on the row")

	// Re-queue the row; the next visit sends the stored validator and
	// settles on the 304 without re-extracting.
	st.SetURLStatus(known[target].ID, pipeline.StatusPending)
	require.NoError(t, c.RunWebsite(ctx, site.ID))

	fetcher.mu.Lock()
	saw := fetcher.sawConditional
	fetcher.mu.Unlock()
	require.True(t, saw)

	counts, err := st.CountURLs(ctx, site.ID)
	require.NoError(t, err)
	require.Equal(t, 1, counts[pipeline.StatusScraped])
}

type conditionalFetcher struct {
	etag           string
	sawConditional bool
}

func (f *conditionalFetcher) Fetch(_ context.Context, req fetch.Request) (fetch.Response, error) {
	if req.ETag != "" && strings.EqualFold(req.ETag, f.etag) {
		f.sawConditional = true
		return fetch.Response{URL: req.URL, StatusCode: 304, NotModified: true}, nil
	}
	return fetch.Response{URL: req.URL, StatusCode: 200, Body: []byte("<html><body><p>x</p></body></html>")}, nil
}
