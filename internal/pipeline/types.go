// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// URLStatus represents the lifecycle state of a discovered URL.
type URLStatus string

// URL status values persisted on DiscoveredURL rows. A URL is terminal
// once it reaches StatusScraped or StatusFailed.
const (
	StatusPending    URLStatus = "pending"
	StatusValidating URLStatus = "validating"
	StatusValid      URLStatus = "valid"
	StatusInvalid    URLStatus = "invalid"
	StatusScraped    URLStatus = "scraped"
	StatusFailed     URLStatus = "failed"
)

// Terminal reports whether no further automatic transition occurs for s.
func (s URLStatus) Terminal() bool {
	return s == StatusScraped || s == StatusFailed
}

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobStep identifies where a running job is in the pipeline.
type JobStep string

// Pipeline steps recorded on checkpoints.
const (
	StepIdle        JobStep = "idle"
	StepDiscovering JobStep = "discovering"
	StepExtracting  JobStep = "extracting"
	StepCompleted   JobStep = "completed"
	StepFailed      JobStep = "failed"
)

// DiscoveryMethod tags how a candidate article URL was found.
type DiscoveryMethod string

// Discovery methods in default fallback order.
const (
	MethodSitemap  DiscoveryMethod = "sitemap"
	MethodRSS      DiscoveryMethod = "rss"
	MethodCategory DiscoveryMethod = "category"
	MethodHomepage DiscoveryMethod = "homepage"
)

// StrategyName tags which extraction strategy produced an article.
type StrategyName string

// Extraction strategies in default fallback order.
const (
	StrategyStructural StrategyName = "structural"
	StrategySimilarity StrategyName = "similarity"
	StrategyGenerative StrategyName = "generative"
)

// Website is a registered news source.
type Website struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	BaseURL    string    `json:"base_url"`
	SitemapURL string    `json:"sitemap_url,omitempty"`
	RSSURL     string    `json:"rss_url,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Category is a per-website category. The same name on two websites is a
// distinct row; lookup is always scoped by WebsiteID.
type Category struct {
	ID        int64     `json:"id"`
	WebsiteID int64     `json:"website_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DiscoveredURL is the central coordination record of the pipeline. Its
// status field is the state machine that drives discovery and extraction;
// the (WebsiteID, URL) pair is unique.
type DiscoveredURL struct {
	ID           int64           `json:"id"`
	WebsiteID    int64           `json:"website_id"`
	URL          string          `json:"url"`
	Status       URLStatus       `json:"status"`
	Method       DiscoveryMethod `json:"discovery_method"`
	LastModified *time.Time      `json:"last_modified,omitempty"`
	ETag         string          `json:"etag,omitempty"`
	LastChecked  *time.Time      `json:"last_checked,omitempty"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error,omitempty"`
}

// Candidate is a URL produced by a discovery method before persistence.
type Candidate struct {
	URL          string
	Method       DiscoveryMethod
	LastModified *time.Time
	ETag         string
}

// Article holds the normalized content extracted from one DiscoveredURL.
// Exactly one row exists per URL in terminal scraped state; re-extraction
// overwrites it.
type Article struct {
	ID          int64        `json:"id"`
	WebsiteID   int64        `json:"website_id"`
	URLID       int64        `json:"url_id"`
	URL         string       `json:"url"`
	Title       string       `json:"title"`
	Author      string       `json:"author,omitempty"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
	RawHTML     string       `json:"raw_html"`
	Markdown    string       `json:"markdown"`
	ImageURL    string       `json:"image_url,omitempty"`
	Strategy    StrategyName `json:"extraction_strategy"`
	WordCount   int          `json:"word_count"`
	ReadingTime int          `json:"reading_time_minutes"`
	ScrapedAt   time.Time    `json:"scraped_at"`
}

// CategoryRef is a (name, url) pair found on an article page, preserved
// verbatim and resolved per website by the category resolver.
type CategoryRef struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// ExtractResult is what a strategy chain run returns to the coordinator.
type ExtractResult struct {
	Title       string
	Author      string
	PublishedAt *time.Time
	RawHTML     string
	Markdown    string
	ImageURL    string
	Categories  []CategoryRef
	Strategy    StrategyName
	WordCount   int
	ReadingTime int
}

// ScrapingJob is one discovery-or-extraction run over a website.
type ScrapingJob struct {
	ID          string     `json:"id"`
	WebsiteID   int64      `json:"website_id"`
	Status      JobStatus  `json:"status"`
	URLsFound   int        `json:"urls_found"`
	URLsScraped int        `json:"urls_scraped"`
	URLsFailed  int        `json:"urls_failed"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ErrorText   string     `json:"error_text,omitempty"`
}

// ScrapingError is an append-only error log row. Only the resolution
// fields are ever written after insert.
type ScrapingError struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	URLID      *int64     `json:"url_id,omitempty"`
	Kind       string     `json:"error_type"`
	Message    string     `json:"message"`
	Context    string     `json:"context,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// Checkpoint snapshots a website's pipeline progress so a crashed run can
// resume without redoing completed work.
type Checkpoint struct {
	WebsiteID   int64     `json:"website_id"`
	JobID       string    `json:"job_id"`
	Step        JobStep   `json:"step"`
	URLsFound   int       `json:"urls_found"`
	URLsScraped int       `json:"urls_scraped"`
	URLsFailed  int       `json:"urls_failed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RevisitPolicy controls whether re-discovery honors ETag/Last-Modified
// hints from prior runs.
type RevisitPolicy string

// Revisit policies accepted by the coordinator.
const (
	RevisitAlways      RevisitPolicy = "always"
	RevisitConditional RevisitPolicy = "conditional"
)
