// Package memory provides an in-memory store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
)

// Store implements store.Store with maps guarded by one mutex. All
// returned records are copies.
type Store struct {
	mu sync.Mutex

	websites    map[int64]pipeline.Website
	urls        map[int64]pipeline.DiscoveredURL
	urlsByKey   map[string]int64
	categories  map[int64]pipeline.Category
	articles    map[int64]pipeline.Article
	articleCats map[int64][]int64
	jobs        map[string]pipeline.ScrapingJob
	errLog      map[int64]pipeline.ScrapingError
	checkpoints map[int64]pipeline.Checkpoint

	nextID int64
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		websites:    make(map[int64]pipeline.Website),
		urls:        make(map[int64]pipeline.DiscoveredURL),
		urlsByKey:   make(map[string]int64),
		categories:  make(map[int64]pipeline.Category),
		articles:    make(map[int64]pipeline.Article),
		articleCats: make(map[int64][]int64),
		jobs:        make(map[string]pipeline.ScrapingJob),
		errLog:      make(map[int64]pipeline.ScrapingError),
		checkpoints: make(map[int64]pipeline.Checkpoint),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

func urlKey(websiteID int64, url string) string {
	return strconv.FormatInt(websiteID, 10) + "|" + url
}

// CreateWebsite registers a website.
func (s *Store) CreateWebsite(_ context.Context, site pipeline.Website) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site.ID = s.nextIDLocked()
	site.CreatedAt = time.Now().UTC()
	s.websites[site.ID] = site
	return site.ID, nil
}

// GetWebsite fetches one website by id.
func (s *Store) GetWebsite(_ context.Context, id int64) (pipeline.Website, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.websites[id]
	if !ok {
		return pipeline.Website{}, store.ErrNotFound
	}
	return site, nil
}

// ListWebsites returns registered websites ordered by id.
func (s *Store) ListWebsites(_ context.Context, activeOnly bool) ([]pipeline.Website, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sites []pipeline.Website
	for _, site := range s.websites {
		if activeOnly && !site.Active {
			continue
		}
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites, nil
}

// InsertCandidates adds new URLs as pending, skipping known ones.
func (s *Store) InsertCandidates(_ context.Context, websiteID int64, candidates []pipeline.Candidate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, c := range candidates {
		key := urlKey(websiteID, c.URL)
		if _, exists := s.urlsByKey[key]; exists {
			continue
		}
		id := s.nextIDLocked()
		s.urls[id] = pipeline.DiscoveredURL{
			ID:           id,
			WebsiteID:    websiteID,
			URL:          c.URL,
			Status:       pipeline.StatusPending,
			Method:       c.Method,
			LastModified: c.LastModified,
			ETag:         c.ETag,
		}
		s.urlsByKey[key] = id
		inserted++
	}
	return inserted, nil
}

// KnownURLs returns every discovered URL of a website keyed by URL.
func (s *Store) KnownURLs(_ context.Context, websiteID int64) (map[string]pipeline.DiscoveredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]pipeline.DiscoveredURL)
	for _, u := range s.urls {
		if u.WebsiteID == websiteID {
			known[u.URL] = u
		}
	}
	return known, nil
}

// ClaimPending moves up to limit pending rows to validating and returns
// them. Claims are ordered by id so runs are deterministic.
func (s *Store) ClaimPending(_ context.Context, websiteID int64, limit int) ([]pipeline.DiscoveredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, u := range s.urls {
		if u.WebsiteID == websiteID && u.Status == pipeline.StatusPending {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	now := time.Now().UTC()
	claimed := make([]pipeline.DiscoveredURL, 0, len(ids))
	for _, id := range ids {
		u := s.urls[id]
		u.Status = pipeline.StatusValidating
		u.LastChecked = &now
		s.urls[id] = u
		claimed = append(claimed, u)
	}
	return claimed, nil
}

func (s *Store) transition(urlID int64, from []pipeline.URLStatus, to pipeline.URLStatus, errText string, bumpRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[urlID]
	if !ok {
		return store.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if u.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	u.Status = to
	u.LastError = errText
	u.LastChecked = &now
	if bumpRetry {
		u.RetryCount++
	}
	s.urls[urlID] = u
	return nil
}

// MarkURLValid transitions a claimed URL from validating to valid.
func (s *Store) MarkURLValid(_ context.Context, urlID int64) error {
	return s.transition(urlID, []pipeline.URLStatus{pipeline.StatusValidating}, pipeline.StatusValid, "", false)
}

// MarkURLInvalid transitions a claimed URL to invalid.
func (s *Store) MarkURLInvalid(_ context.Context, urlID int64, reason string) error {
	return s.transition(urlID, []pipeline.URLStatus{pipeline.StatusValidating}, pipeline.StatusInvalid, reason, false)
}

// RequeueURL returns a claimed URL to pending and bumps its retry count.
func (s *Store) RequeueURL(_ context.Context, urlID int64, errText string) error {
	return s.transition(urlID,
		[]pipeline.URLStatus{pipeline.StatusValidating, pipeline.StatusValid},
		pipeline.StatusPending, errText, true)
}

// FailURL terminally fails a claimed URL.
func (s *Store) FailURL(_ context.Context, urlID int64, errText string) error {
	return s.transition(urlID,
		[]pipeline.URLStatus{pipeline.StatusValidating, pipeline.StatusValid},
		pipeline.StatusFailed, errText, false)
}

// ReleaseURL returns a claimed URL to pending without a retry bump.
func (s *Store) ReleaseURL(_ context.Context, urlID int64) error {
	return s.transition(urlID,
		[]pipeline.URLStatus{pipeline.StatusValidating, pipeline.StatusValid},
		pipeline.StatusPending, "", false)
}

// SetURLValidators stores the validators from the last successful fetch.
func (s *Store) SetURLValidators(_ context.Context, urlID int64, etag string, lastModified *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[urlID]
	if !ok {
		return store.ErrNotFound
	}
	u.ETag = etag
	u.LastModified = lastModified
	s.urls[urlID] = u
	return nil
}

// ResetInFlight returns in-progress rows to pending.
func (s *Store) ResetInFlight(_ context.Context, websiteID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, u := range s.urls {
		if u.WebsiteID != websiteID {
			continue
		}
		if u.Status == pipeline.StatusValidating || u.Status == pipeline.StatusValid {
			u.Status = pipeline.StatusPending
			s.urls[id] = u
			n++
		}
	}
	return n, nil
}

// CountURLs returns the website's URL counts grouped by status.
func (s *Store) CountURLs(_ context.Context, websiteID int64) (map[pipeline.URLStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[pipeline.URLStatus]int)
	for _, u := range s.urls {
		if u.WebsiteID == websiteID {
			counts[u.Status]++
		}
	}
	return counts, nil
}

// FindOrCreateCategory returns the website's category with the given
// name, creating it if absent.
func (s *Store) FindOrCreateCategory(_ context.Context, websiteID int64, name, url string) (pipeline.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cat := range s.categories {
		if cat.WebsiteID == websiteID && cat.Name == name {
			if cat.URL == "" && url != "" {
				cat.URL = url
				s.categories[cat.ID] = cat
			}
			return cat, nil
		}
	}
	cat := pipeline.Category{
		ID:        s.nextIDLocked(),
		WebsiteID: websiteID,
		Name:      name,
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}
	s.categories[cat.ID] = cat
	return cat, nil
}

// SaveArticle upserts the article by url, replaces its category links,
// and marks the source URL scraped.
func (s *Store) SaveArticle(_ context.Context, article pipeline.Article, categoryIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing int64
	for id, a := range s.articles {
		if a.URL == article.URL {
			existing = id
			break
		}
	}
	if existing == 0 {
		existing = s.nextIDLocked()
	}
	article.ID = existing
	article.ScrapedAt = time.Now().UTC()
	s.articles[existing] = article
	s.articleCats[existing] = append([]int64(nil), categoryIDs...)

	if u, ok := s.urls[article.URLID]; ok {
		u.Status = pipeline.StatusScraped
		u.LastError = ""
		s.urls[article.URLID] = u
	}
	return existing, nil
}

// GetArticleByURL fetches one article by its canonical URL.
func (s *Store) GetArticleByURL(_ context.Context, url string) (pipeline.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.articles {
		if a.URL == url {
			return a, nil
		}
	}
	return pipeline.Article{}, store.ErrNotFound
}

// SetURLStatus overrides a row's status directly, for building fixtures.
func (s *Store) SetURLStatus(urlID int64, status pipeline.URLStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.urls[urlID]; ok {
		u.Status = status
		s.urls[urlID] = u
	}
}

// ArticleCategories returns the category ids linked to an article.
func (s *Store) ArticleCategories(articleID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.articleCats[articleID]...)
}

// CreateJob inserts a job.
func (s *Store) CreateJob(_ context.Context, job pipeline.ScrapingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob rewrites a job's mutable fields.
func (s *Store) UpdateJob(_ context.Context, job pipeline.ScrapingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(_ context.Context, jobID string) (pipeline.ScrapingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ScrapingJob{}, store.ErrNotFound
	}
	return job, nil
}

// ListJobs returns a website's jobs, newest first.
func (s *Store) ListJobs(_ context.Context, websiteID int64) ([]pipeline.ScrapingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []pipeline.ScrapingJob
	for _, job := range s.jobs {
		if job.WebsiteID == websiteID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if jobs[i].StartedAt != nil {
			ti = *jobs[i].StartedAt
		}
		if jobs[j].StartedAt != nil {
			tj = *jobs[j].StartedAt
		}
		return ti.After(tj)
	})
	return jobs, nil
}

// AppendError inserts one error log row.
func (s *Store) AppendError(_ context.Context, entry pipeline.ScrapingError) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextIDLocked()
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	s.errLog[entry.ID] = entry
	return entry.ID, nil
}

// ResolveError sets the resolution fields on one error log row.
func (s *Store) ResolveError(_ context.Context, errorID int64, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.errLog[errorID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	entry.ResolvedAt = &now
	entry.Resolution = resolution
	s.errLog[errorID] = entry
	return nil
}

// ListErrors returns error log rows for a job, oldest first.
func (s *Store) ListErrors(_ context.Context, jobID string, unresolvedOnly bool) ([]pipeline.ScrapingError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []pipeline.ScrapingError
	for _, entry := range s.errLog {
		if entry.JobID != jobID {
			continue
		}
		if unresolvedOnly && entry.ResolvedAt != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].OccurredAt.Before(entries[j].OccurredAt) ||
			(entries[i].OccurredAt.Equal(entries[j].OccurredAt) && entries[i].ID < entries[j].ID)
	})
	return entries, nil
}

// PutCheckpoint upserts a website's checkpoint.
func (s *Store) PutCheckpoint(_ context.Context, cp pipeline.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.WebsiteID] = cp
	return nil
}

// GetCheckpoint fetches a website's checkpoint.
func (s *Store) GetCheckpoint(_ context.Context, websiteID int64) (pipeline.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[websiteID]
	if !ok {
		return pipeline.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}
