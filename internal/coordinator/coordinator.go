// Package coordinator drives the pipeline for each website: discovery,
// claim-based extraction fan-out, checkpointing, and resume after a
// crash. All URL state lives in the store; the coordinator holds only
// in-flight counters.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dmaraist/newsgather/internal/category"
	"github.com/dmaraist/newsgather/internal/discovery"
	"github.com/dmaraist/newsgather/internal/extract"
	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/metrics"
	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
)

// Fetcher is the slice of the fetch client the coordinator needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Renderer renders script-heavy pages. May be nil.
type Renderer interface {
	RenderScrolled(ctx context.Context, rawURL string) (string, error)
}

// DomainGuard exposes the shared guard's circuit breaker state. May be
// nil; the coordinator then relies on the cooldown deadlines carried by
// RateLimitBlocked errors.
type DomainGuard interface {
	Blocked(rawURL string) bool
}

// Discoverer finds candidate article URLs for a website.
type Discoverer interface {
	Discover(ctx context.Context, site pipeline.Website, known map[string]struct{}) ([]pipeline.Candidate, error)
}

// Extractor runs the strategy fallback over a fetched page.
type Extractor interface {
	RunPage(ctx context.Context, page *extract.Page) (*pipeline.ExtractResult, error)
}

// Config bounds the coordinator's fan-out and checkpoint cadence.
type Config struct {
	Workers         int
	CheckpointEvery int
	RevisitPolicy   pipeline.RevisitPolicy
}

// Coordinator runs websites through the discovery and extraction steps.
type Coordinator struct {
	cfg      Config
	store    store.Store
	engine   Discoverer
	chain    Extractor
	client   Fetcher
	renderer Renderer
	guard    DomainGuard
	resolver *category.Resolver
	retry    *pipeline.RetryPolicy
	logger   *zap.Logger
}

// New creates a Coordinator. renderer and guard may be nil; retry may
// be nil for default policy.
func New(cfg Config, st store.Store, engine Discoverer, chain Extractor, client Fetcher, renderer Renderer, guard DomainGuard, retry *pipeline.RetryPolicy, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 25
	}
	if cfg.RevisitPolicy == "" {
		cfg.RevisitPolicy = pipeline.RevisitAlways
	}
	if retry == nil {
		retry = pipeline.NewRetryPolicy(0, 0, 0)
	}
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		chain:    chain,
		client:   client,
		renderer: renderer,
		guard:    guard,
		resolver: category.NewResolver(st),
		retry:    retry,
		logger:   logger,
	}
}

// RunAll runs every active website in turn. A failing website is logged
// and does not stop the others; cancellation does.
func (c *Coordinator) RunAll(ctx context.Context) error {
	sites, err := c.store.ListWebsites(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list websites: %w", err)
	}
	for _, site := range sites {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.RunWebsite(ctx, site.ID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Error("website run failed",
				zap.Int64("website_id", site.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// run tracks one website run's mutable counters.
type run struct {
	mu          sync.Mutex
	job         pipeline.ScrapingJob
	site        pipeline.Website
	transitions int
	pausedUntil time.Time
}

// RunWebsite executes the full pipeline for one website. If a prior run
// crashed mid-way its checkpoint is picked up: in-flight URLs return to
// pending, the discovery step is skipped when it had already finished,
// and counters continue from the snapshot.
func (c *Coordinator) RunWebsite(ctx context.Context, websiteID int64) error {
	site, err := c.store.GetWebsite(ctx, websiteID)
	if err != nil {
		return fmt.Errorf("failed to load website %d: %w", websiteID, err)
	}

	r, resumeStep, err := c.openRun(ctx, site)
	if err != nil {
		return err
	}

	if resumeStep != pipeline.StepExtracting {
		if err := c.discover(ctx, r); err != nil {
			c.failRun(ctx, r, "discovery", err)
			return err
		}
	} else {
		c.logger.Info("resuming at extraction step",
			zap.Int64("website_id", site.ID),
			zap.String("job_id", r.job.ID),
		)
	}

	if err := c.extractAll(ctx, r); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Leave claimed URLs claimable by the next run.
			c.releaseInFlight(r)
			return err
		}
		c.failRun(ctx, r, "extraction", err)
		return err
	}

	return c.completeRun(ctx, r)
}

// openRun loads or creates the job for this run. It returns the step to
// resume from: StepExtracting when discovery had already completed.
func (c *Coordinator) openRun(ctx context.Context, site pipeline.Website) (*run, pipeline.JobStep, error) {
	reset, err := c.store.ResetInFlight(ctx, site.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to reset in-flight urls: %w", err)
	}
	if reset > 0 {
		c.logger.Info("returned in-flight urls to pending",
			zap.Int64("website_id", site.ID),
			zap.Int64("count", reset),
		)
	}

	cp, err := c.store.GetCheckpoint(ctx, site.ID)
	switch {
	case err == nil && (cp.Step == pipeline.StepDiscovering || cp.Step == pipeline.StepExtracting):
		job, jerr := c.store.GetJob(ctx, cp.JobID)
		if jerr != nil {
			return nil, "", fmt.Errorf("failed to load checkpointed job: %w", jerr)
		}
		resume := pipeline.StepDiscovering
		if cp.Step == pipeline.StepExtracting {
			resume = pipeline.StepExtracting
		}
		return &run{job: job, site: site}, resume, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, "", fmt.Errorf("failed to load checkpoint: %w", err)
	}

	now := time.Now().UTC()
	job := pipeline.ScrapingJob{
		ID:        uuid.NewString(),
		WebsiteID: site.ID,
		Status:    pipeline.JobStatusRunning,
		StartedAt: &now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, "", fmt.Errorf("failed to create job: %w", err)
	}
	return &run{job: job, site: site}, pipeline.StepIdle, nil
}

func (c *Coordinator) discover(ctx context.Context, r *run) error {
	if err := c.checkpoint(ctx, r, pipeline.StepDiscovering); err != nil {
		return err
	}

	known, err := c.store.KnownURLs(ctx, r.site.ID)
	if err != nil {
		return fmt.Errorf("failed to load known urls: %w", err)
	}
	knownSet := make(map[string]struct{}, len(known))
	for u := range known {
		knownSet[u] = struct{}{}
	}

	candidates, err := c.engine.Discover(ctx, r.site, knownSet)
	if err != nil {
		return fmt.Errorf("discovery failed for %s: %w", r.site.BaseURL, err)
	}

	inserted, err := c.store.InsertCandidates(ctx, r.site.ID, candidates)
	if err != nil {
		return fmt.Errorf("failed to persist candidates: %w", err)
	}
	r.mu.Lock()
	r.job.URLsFound += inserted
	r.mu.Unlock()

	c.logger.Info("discovery finished",
		zap.Int64("website_id", r.site.ID),
		zap.Int("candidates", len(candidates)),
		zap.Int("new", inserted),
	)
	return c.checkpoint(ctx, r, pipeline.StepExtracting)
}

func (c *Coordinator) extractAll(ctx context.Context, r *run) error {
	claimBatch := c.cfg.Workers * 2
	urls := make(chan pipeline.DiscoveredURL)
	var inFlight atomic.Int64

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(urls)
		for {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if c.domainPaused(r) {
				select {
				case <-time.After(50 * time.Millisecond):
				case <-gctx.Done():
					return gctx.Err()
				}
				continue
			}
			claimed, err := c.store.ClaimPending(gctx, r.site.ID, claimBatch)
			if err != nil {
				return fmt.Errorf("failed to claim pending urls: %w", err)
			}
			if len(claimed) == 0 {
				// A worker may still requeue its URL; drain only once
				// nothing is in flight.
				if inFlight.Load() == 0 {
					return nil
				}
				select {
				case <-time.After(20 * time.Millisecond):
				case <-gctx.Done():
					return gctx.Err()
				}
				continue
			}
			for _, u := range claimed {
				inFlight.Add(1)
				select {
				case urls <- u:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})

	for range c.cfg.Workers {
		g.Go(func() error {
			metrics.WorkerStarted()
			defer metrics.WorkerFinished()
			for u := range urls {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.processURL(gctx, r, u)
				inFlight.Add(-1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// processURL runs one claimed URL to its next state. Errors end in a
// store transition, never in a returned error: a URL failure must not
// bring down the worker pool.
func (c *Coordinator) processURL(ctx context.Context, r *run, u pipeline.DiscoveredURL) {
	if !discovery.IsArticleURL(u.URL, hostOf(r.site.BaseURL)) {
		if err := c.store.MarkURLInvalid(ctx, u.ID, "not an article url"); err != nil {
			c.logger.Warn("failed to mark url invalid", zap.Int64("url_id", u.ID), zap.Error(err))
		}
		c.noteTransition(ctx, r, false, false)
		return
	}
	if err := c.store.MarkURLValid(ctx, u.ID); err != nil {
		c.logger.Warn("failed to mark url valid", zap.Int64("url_id", u.ID), zap.Error(err))
		return
	}

	resp, err := c.fetchPage(ctx, u)
	if err != nil {
		c.handleFailure(ctx, r, u, "fetch", err)
		return
	}
	if resp.NotModified {
		c.handleNotModified(ctx, r, u)
		return
	}

	html := string(resp.Body)
	if c.renderer != nil && fetch.NeedsRendering(resp.Body) {
		rendered, rerr := c.renderer.RenderScrolled(ctx, u.URL)
		if rerr != nil {
			c.logger.Debug("render failed, using static body",
				zap.String("url", u.URL), zap.Error(rerr))
		} else {
			html = rendered
		}
	}

	if c.extractAndSave(ctx, r, u, html) {
		c.saveValidators(ctx, u.ID, resp)
	}
}

// extractAndSave runs the strategy chain over html and persists the
// article, reporting the outcome through the usual transitions. Returns
// true only when the article was saved.
func (c *Coordinator) extractAndSave(ctx context.Context, r *run, u pipeline.DiscoveredURL, html string) bool {
	page, err := extract.NewPage(u.URL, html)
	if err != nil {
		c.handleFailure(ctx, r, u, "parse", err)
		return false
	}
	result, err := c.chain.RunPage(ctx, page)
	if err != nil {
		c.handleFailure(ctx, r, u, "extract", err)
		return false
	}

	categoryIDs, err := c.resolver.Resolve(ctx, r.site.ID, result.Categories)
	if err != nil {
		c.handleFailure(ctx, r, u, "categories", err)
		return false
	}

	article := pipeline.Article{
		WebsiteID:   r.site.ID,
		URLID:       u.ID,
		URL:         u.URL,
		Title:       result.Title,
		Author:      result.Author,
		PublishedAt: result.PublishedAt,
		RawHTML:     result.RawHTML,
		Markdown:    result.Markdown,
		ImageURL:    result.ImageURL,
		Strategy:    result.Strategy,
		WordCount:   result.WordCount,
		ReadingTime: result.ReadingTime,
	}
	if _, err := c.store.SaveArticle(ctx, article, categoryIDs); err != nil {
		c.handleFailure(ctx, r, u, "save", err)
		return false
	}
	c.noteTransition(ctx, r, true, false)
	return true
}

// fetchPage fetches the URL, sending stored validators as a conditional
// request when the revisit policy asks for it.
func (c *Coordinator) fetchPage(ctx context.Context, u pipeline.DiscoveredURL) (fetch.Response, error) {
	req := fetch.Request{URL: u.URL}
	if c.cfg.RevisitPolicy == pipeline.RevisitConditional {
		req.ETag = u.ETag
		if u.LastModified != nil {
			req.LastModified = u.LastModified.UTC().Format(http.TimeFormat)
		}
	}
	return c.client.Fetch(ctx, req)
}

// handleNotModified settles a 304 reply. With an existing article the
// URL is simply re-marked scraped; without one the validators were stale
// and the page is fetched again unconditionally.
func (c *Coordinator) handleNotModified(ctx context.Context, r *run, u pipeline.DiscoveredURL) {
	existing, err := c.store.GetArticleByURL(ctx, u.URL)
	if err == nil {
		if _, serr := c.store.SaveArticle(ctx, existing, nil); serr != nil {
			c.handleFailure(ctx, r, u, "save", serr)
			return
		}
		c.noteTransition(ctx, r, true, false)
		return
	}

	resp, err := c.client.Fetch(ctx, fetch.Request{URL: u.URL})
	if err != nil {
		c.handleFailure(ctx, r, u, "fetch", err)
		return
	}
	if c.extractAndSave(ctx, r, u, string(resp.Body)) {
		c.saveValidators(ctx, u.ID, resp)
	}
}

// handleFailure applies retry policy to a failed URL: transient errors
// requeue with backoff until the ceiling, everything else fails
// terminally with an error log row.
func (c *Coordinator) handleFailure(ctx context.Context, r *run, u pipeline.DiscoveredURL, stage string, cause error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		// Leave the row claimed; the run-level cleanup resets it.
		return
	}

	// An open breaker is a domain condition, not a URL failure: the URL
	// goes back to pending with its retry budget intact and claiming
	// holds off until the cooldown passes.
	var blocked *pipeline.RateLimitBlocked
	if errors.As(cause, &blocked) {
		c.pauseDomain(ctx, r, blocked)
		if err := c.store.ReleaseURL(ctx, u.ID); err != nil {
			c.logger.Warn("failed to release url", zap.Int64("url_id", u.ID), zap.Error(err))
		}
		return
	}

	if c.retry.ShouldRetry(cause, u.RetryCount) {
		delay := c.retry.Backoff(u.RetryCount)
		c.logger.Debug("requeueing url",
			zap.String("url", u.URL),
			zap.Int("attempt", u.RetryCount),
			zap.Duration("backoff", delay),
			zap.Error(cause),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if err := c.store.RequeueURL(ctx, u.ID, cause.Error()); err != nil {
			c.logger.Warn("failed to requeue url", zap.Int64("url_id", u.ID), zap.Error(err))
		}
		return
	}

	metrics.ObserveExtractionFailed(pipeline.ErrorKind(cause))
	if err := c.store.FailURL(ctx, u.ID, cause.Error()); err != nil {
		c.logger.Warn("failed to fail url", zap.Int64("url_id", u.ID), zap.Error(err))
	}
	if _, err := c.store.AppendError(ctx, pipeline.ScrapingError{
		JobID:   r.job.ID,
		URLID:   &u.ID,
		Kind:    pipeline.ErrorKind(cause),
		Message: cause.Error(),
		Context: stage,
	}); err != nil {
		c.logger.Warn("failed to append error log", zap.Int64("url_id", u.ID), zap.Error(err))
	}
	c.noteTransition(ctx, r, false, true)
}

// pauseDomain suspends claiming until the breaker cooldown passes. Each
// cooldown episode is surfaced once as a domain-level error log entry,
// never as per-URL failures.
func (c *Coordinator) pauseDomain(ctx context.Context, r *run, blocked *pipeline.RateLimitBlocked) {
	until, err := time.Parse(time.RFC3339, blocked.Until)
	if err != nil {
		until = time.Now().Add(30 * time.Second)
	}

	r.mu.Lock()
	extended := until.After(r.pausedUntil)
	if extended {
		r.pausedUntil = until
	}
	r.mu.Unlock()
	if !extended {
		return
	}

	c.logger.Warn("circuit breaker open, pausing website",
		zap.Int64("website_id", r.site.ID),
		zap.String("domain", blocked.Domain),
		zap.Time("until", until),
	)
	if _, err := c.store.AppendError(ctx, pipeline.ScrapingError{
		JobID:   r.job.ID,
		Kind:    pipeline.ErrorKind(blocked),
		Message: blocked.Error(),
		Context: "guard",
	}); err != nil {
		c.logger.Warn("failed to append domain block entry", zap.Error(err))
	}
}

// domainPaused reports whether claiming should hold off for a breaker
// cooldown on the website's domain.
func (c *Coordinator) domainPaused(r *run) bool {
	if c.guard != nil && c.guard.Blocked(r.site.BaseURL) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.pausedUntil)
}

// saveValidators persists the response validators so the next
// conditional revisit can send them.
func (c *Coordinator) saveValidators(ctx context.Context, urlID int64, resp fetch.Response) {
	etag := resp.Headers.Get("ETag")
	var lastMod *time.Time
	if v := resp.Headers.Get("Last-Modified"); v != "" {
		if parsed, err := http.ParseTime(v); err == nil {
			parsed = parsed.UTC()
			lastMod = &parsed
		}
	}
	if etag == "" && lastMod == nil {
		return
	}
	if err := c.store.SetURLValidators(ctx, urlID, etag, lastMod); err != nil {
		c.logger.Warn("failed to save url validators", zap.Int64("url_id", urlID), zap.Error(err))
	}
}

// noteTransition updates run counters and checkpoints periodically.
func (c *Coordinator) noteTransition(ctx context.Context, r *run, scraped, failed bool) {
	r.mu.Lock()
	if scraped {
		r.job.URLsScraped++
	}
	if failed {
		r.job.URLsFailed++
	}
	r.transitions++
	due := r.transitions%c.cfg.CheckpointEvery == 0
	r.mu.Unlock()

	if due {
		if err := c.checkpoint(ctx, r, pipeline.StepExtracting); err != nil {
			c.logger.Warn("periodic checkpoint failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) checkpoint(ctx context.Context, r *run, step pipeline.JobStep) error {
	r.mu.Lock()
	cp := pipeline.Checkpoint{
		WebsiteID:   r.site.ID,
		JobID:       r.job.ID,
		Step:        step,
		URLsFound:   r.job.URLsFound,
		URLsScraped: r.job.URLsScraped,
		URLsFailed:  r.job.URLsFailed,
	}
	job := r.job
	r.mu.Unlock()

	if err := c.store.PutCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := c.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (c *Coordinator) completeRun(ctx context.Context, r *run) error {
	now := time.Now().UTC()
	r.mu.Lock()
	r.job.Status = pipeline.JobStatusCompleted
	r.job.FinishedAt = &now
	r.mu.Unlock()

	if err := c.checkpoint(ctx, r, pipeline.StepCompleted); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c.logger.Info("website run completed",
		zap.Int64("website_id", r.site.ID),
		zap.String("job_id", r.job.ID),
		zap.Int("found", r.job.URLsFound),
		zap.Int("scraped", r.job.URLsScraped),
		zap.Int("failed", r.job.URLsFailed),
	)
	return nil
}

func (c *Coordinator) failRun(ctx context.Context, r *run, stage string, cause error) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.job.Status = pipeline.JobStatusFailed
	r.job.FinishedAt = &now
	r.job.ErrorText = cause.Error()
	r.mu.Unlock()

	base := context.WithoutCancel(ctx)
	if err := c.checkpoint(base, r, pipeline.StepFailed); err != nil {
		c.logger.Warn("failed to checkpoint failed run", zap.Error(err))
	}
	if _, err := c.store.AppendError(base, pipeline.ScrapingError{
		JobID:   r.job.ID,
		Kind:    pipeline.ErrorKind(cause),
		Message: cause.Error(),
		Context: stage,
	}); err != nil {
		c.logger.Warn("failed to append run error", zap.Error(err))
	}
}

// releaseInFlight puts URLs claimed by a cancelled run back to pending
// so the next run picks them up cleanly.
func (c *Coordinator) releaseInFlight(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.store.ResetInFlight(ctx, r.site.ID); err != nil {
		c.logger.Warn("failed to release in-flight urls", zap.Error(err))
	}
	if err := c.checkpoint(ctx, r, pipeline.StepExtracting); err != nil {
		c.logger.Warn("failed to checkpoint cancelled run", zap.Error(err))
	}
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}
