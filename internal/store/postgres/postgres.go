// Package postgres provides the Postgres-backed store implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements store.Store on top of a pgx connection pool.
type Store struct {
	pool db
}

var _ store.Store = (*Store)(nil)

// New creates a Store with its own connection pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool creates a Store over an existing pool-compatible handle.
func NewWithPool(pool db) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateWebsite inserts a website and returns its id.
func (s *Store) CreateWebsite(ctx context.Context, site pipeline.Website) (int64, error) {
	query := `
		INSERT INTO websites (name, base_url, sitemap_url, rss_url, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id;
	`
	var id int64
	err := s.pool.QueryRow(ctx, query,
		site.Name, site.BaseURL, site.SitemapURL, site.RSSURL, site.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert website: %w", err)
	}
	return id, nil
}

// GetWebsite fetches one website by id.
func (s *Store) GetWebsite(ctx context.Context, id int64) (pipeline.Website, error) {
	query := `
		SELECT id, name, base_url, sitemap_url, rss_url, active, created_at
		FROM websites WHERE id = $1;
	`
	var site pipeline.Website
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&site.ID, &site.Name, &site.BaseURL, &site.SitemapURL,
		&site.RSSURL, &site.Active, &site.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Website{}, store.ErrNotFound
	}
	if err != nil {
		return pipeline.Website{}, fmt.Errorf("failed to get website: %w", err)
	}
	return site, nil
}

// ListWebsites returns all websites, optionally only active ones.
func (s *Store) ListWebsites(ctx context.Context, activeOnly bool) ([]pipeline.Website, error) {
	query := `
		SELECT id, name, base_url, sitemap_url, rss_url, active, created_at
		FROM websites WHERE ($1 = false OR active) ORDER BY id;
	`
	rows, err := s.pool.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list websites: %w", err)
	}
	defer rows.Close()

	var sites []pipeline.Website
	for rows.Next() {
		var site pipeline.Website
		if err := rows.Scan(
			&site.ID, &site.Name, &site.BaseURL, &site.SitemapURL,
			&site.RSSURL, &site.Active, &site.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan website: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read websites: %w", err)
	}
	return sites, nil
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job pipeline.ScrapingJob) error {
	query := `
		INSERT INTO scraping_jobs (id, website_id, status, urls_found, urls_scraped, urls_failed, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.WebsiteID, job.Status,
		job.URLsFound, job.URLsScraped, job.URLsFailed, job.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// UpdateJob rewrites a job's mutable fields.
func (s *Store) UpdateJob(ctx context.Context, job pipeline.ScrapingJob) error {
	query := `
		UPDATE scraping_jobs
		SET status = $1, urls_found = $2, urls_scraped = $3, urls_failed = $4,
		    finished_at = $5, error_text = $6
		WHERE id = $7;
	`
	tag, err := s.pool.Exec(ctx, query,
		job.Status, job.URLsFound, job.URLsScraped, job.URLsFailed,
		job.FinishedAt, job.ErrorText, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (pipeline.ScrapingJob, error) {
	query := `
		SELECT id, website_id, status, urls_found, urls_scraped, urls_failed,
		       started_at, finished_at, error_text
		FROM scraping_jobs WHERE id = $1;
	`
	var job pipeline.ScrapingJob
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.WebsiteID, &job.Status,
		&job.URLsFound, &job.URLsScraped, &job.URLsFailed,
		&job.StartedAt, &job.FinishedAt, &job.ErrorText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.ScrapingJob{}, store.ErrNotFound
	}
	if err != nil {
		return pipeline.ScrapingJob{}, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns a website's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, websiteID int64) ([]pipeline.ScrapingJob, error) {
	query := `
		SELECT id, website_id, status, urls_found, urls_scraped, urls_failed,
		       started_at, finished_at, error_text
		FROM scraping_jobs WHERE website_id = $1 ORDER BY started_at DESC NULLS LAST;
	`
	rows, err := s.pool.Query(ctx, query, websiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []pipeline.ScrapingJob
	for rows.Next() {
		var job pipeline.ScrapingJob
		if err := rows.Scan(
			&job.ID, &job.WebsiteID, &job.Status,
			&job.URLsFound, &job.URLsScraped, &job.URLsFailed,
			&job.StartedAt, &job.FinishedAt, &job.ErrorText,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

// AppendError inserts one error log row and returns its id.
func (s *Store) AppendError(ctx context.Context, entry pipeline.ScrapingError) (int64, error) {
	query := `
		INSERT INTO scraping_errors (job_id, url_id, error_type, message, context, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id;
	`
	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	var id int64
	err := s.pool.QueryRow(ctx, query,
		entry.JobID, entry.URLID, entry.Kind, entry.Message, entry.Context, occurredAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append error: %w", err)
	}
	return id, nil
}

// ResolveError sets the resolution fields on one error log row.
func (s *Store) ResolveError(ctx context.Context, errorID int64, resolution string) error {
	query := `
		UPDATE scraping_errors SET resolved_at = now(), resolution = $1 WHERE id = $2;
	`
	tag, err := s.pool.Exec(ctx, query, resolution, errorID)
	if err != nil {
		return fmt.Errorf("failed to resolve error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListErrors returns error log rows for a job, oldest first.
func (s *Store) ListErrors(ctx context.Context, jobID string, unresolvedOnly bool) ([]pipeline.ScrapingError, error) {
	query := `
		SELECT id, job_id, url_id, error_type, message, context, occurred_at, resolved_at, resolution
		FROM scraping_errors
		WHERE job_id = $1 AND ($2 = false OR resolved_at IS NULL)
		ORDER BY occurred_at;
	`
	rows, err := s.pool.Query(ctx, query, jobID, unresolvedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var entries []pipeline.ScrapingError
	for rows.Next() {
		var entry pipeline.ScrapingError
		if err := rows.Scan(
			&entry.ID, &entry.JobID, &entry.URLID, &entry.Kind,
			&entry.Message, &entry.Context, &entry.OccurredAt,
			&entry.ResolvedAt, &entry.Resolution,
		); err != nil {
			return nil, fmt.Errorf("failed to scan error row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read error rows: %w", err)
	}
	return entries, nil
}

// PutCheckpoint upserts a website's checkpoint.
func (s *Store) PutCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error {
	query := `
		INSERT INTO checkpoints (website_id, job_id, step, urls_found, urls_scraped, urls_failed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (website_id) DO UPDATE
		SET job_id = EXCLUDED.job_id, step = EXCLUDED.step,
		    urls_found = EXCLUDED.urls_found, urls_scraped = EXCLUDED.urls_scraped,
		    urls_failed = EXCLUDED.urls_failed, updated_at = now();
	`
	_, err := s.pool.Exec(ctx, query,
		cp.WebsiteID, cp.JobID, cp.Step, cp.URLsFound, cp.URLsScraped, cp.URLsFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint fetches a website's checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, websiteID int64) (pipeline.Checkpoint, error) {
	query := `
		SELECT website_id, job_id, step, urls_found, urls_scraped, urls_failed, updated_at
		FROM checkpoints WHERE website_id = $1;
	`
	var cp pipeline.Checkpoint
	err := s.pool.QueryRow(ctx, query, websiteID).Scan(
		&cp.WebsiteID, &cp.JobID, &cp.Step,
		&cp.URLsFound, &cp.URLsScraped, &cp.URLsFailed, &cp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return pipeline.Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}
