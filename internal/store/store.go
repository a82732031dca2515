// Package store defines the persistence boundary of the crawl pipeline.
// The Postgres implementation owns the real schema; the memory
// implementation backs tests and local runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dmaraist/newsgather/internal/pipeline"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence provider consumed by the coordinator and the
// operator API. Implementations must enforce the uniqueness constraints:
// DiscoveredURL unique per (website_id, url), Category unique per
// (website_id, name), Article unique per url.
type Store interface {
	// Websites.
	CreateWebsite(ctx context.Context, site pipeline.Website) (int64, error)
	GetWebsite(ctx context.Context, id int64) (pipeline.Website, error)
	ListWebsites(ctx context.Context, activeOnly bool) ([]pipeline.Website, error)

	// Discovered URLs. InsertCandidates suppresses duplicates via the
	// uniqueness constraint and reports how many rows were actually new.
	InsertCandidates(ctx context.Context, websiteID int64, candidates []pipeline.Candidate) (int, error)
	KnownURLs(ctx context.Context, websiteID int64) (map[string]pipeline.DiscoveredURL, error)

	// ClaimPending atomically moves up to limit pending rows to
	// validating and returns them, so two workers can never hold the
	// same URL.
	ClaimPending(ctx context.Context, websiteID int64, limit int) ([]pipeline.DiscoveredURL, error)
	MarkURLValid(ctx context.Context, urlID int64) error
	MarkURLInvalid(ctx context.Context, urlID int64, reason string) error

	// RequeueURL returns a claimed URL to pending and bumps its retry
	// counter; FailURL is the terminal failure transition. ReleaseURL
	// also returns a claimed URL to pending but leaves the retry
	// counter alone, for domain-level pauses the URL did not cause.
	RequeueURL(ctx context.Context, urlID int64, errText string) error
	FailURL(ctx context.Context, urlID int64, errText string) error
	ReleaseURL(ctx context.Context, urlID int64) error

	// SetURLValidators records the ETag and Last-Modified observed on
	// the most recent successful fetch, for conditional revisits.
	SetURLValidators(ctx context.Context, urlID int64, etag string, lastModified *time.Time) error

	// ResetInFlight returns all non-terminal in-progress rows
	// (validating, valid) to pending. Called on resume after a crash.
	ResetInFlight(ctx context.Context, websiteID int64) (int64, error)
	CountURLs(ctx context.Context, websiteID int64) (map[pipeline.URLStatus]int, error)

	// Categories. FindOrCreate is atomic under concurrent callers.
	FindOrCreateCategory(ctx context.Context, websiteID int64, name, url string) (pipeline.Category, error)

	// SaveArticle upserts the article, replaces its category links, and
	// marks the URL scraped, all in one transaction. Overwriting an
	// already-scraped row is safe (at-least-once processing).
	SaveArticle(ctx context.Context, article pipeline.Article, categoryIDs []int64) (int64, error)
	GetArticleByURL(ctx context.Context, url string) (pipeline.Article, error)

	// Jobs.
	CreateJob(ctx context.Context, job pipeline.ScrapingJob) error
	UpdateJob(ctx context.Context, job pipeline.ScrapingJob) error
	GetJob(ctx context.Context, jobID string) (pipeline.ScrapingJob, error)
	ListJobs(ctx context.Context, websiteID int64) ([]pipeline.ScrapingJob, error)

	// Error log. Append-only; Resolve only sets the resolution fields.
	AppendError(ctx context.Context, entry pipeline.ScrapingError) (int64, error)
	ResolveError(ctx context.Context, errorID int64, resolution string) error
	ListErrors(ctx context.Context, jobID string, unresolvedOnly bool) ([]pipeline.ScrapingError, error)

	// Checkpoints, one per website.
	PutCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error
	GetCheckpoint(ctx context.Context, websiteID int64) (pipeline.Checkpoint, error)

	Close()
}
