package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
)

const discoveredURLColumns = `
	id, website_id, url, status, discovery_method,
	last_modified, etag, last_checked, retry_count, last_error
`

func scanDiscoveredURL(row pgx.Row) (pipeline.DiscoveredURL, error) {
	var u pipeline.DiscoveredURL
	err := row.Scan(
		&u.ID, &u.WebsiteID, &u.URL, &u.Status, &u.Method,
		&u.LastModified, &u.ETag, &u.LastChecked, &u.RetryCount, &u.LastError,
	)
	return u, err
}

// InsertCandidates inserts discovered URLs, skipping ones the website
// already has. Returns the number of rows actually inserted.
func (s *Store) InsertCandidates(ctx context.Context, websiteID int64, candidates []pipeline.Candidate) (int, error) {
	query := `
		INSERT INTO discovered_urls (website_id, url, status, discovery_method, last_modified, etag)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (website_id, url) DO NOTHING;
	`
	inserted := 0
	for _, c := range candidates {
		tag, err := s.pool.Exec(ctx, query,
			websiteID, c.URL, pipeline.StatusPending, c.Method, c.LastModified, c.ETag,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert candidate %s: %w", c.URL, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// KnownURLs returns every discovered URL of a website keyed by URL.
func (s *Store) KnownURLs(ctx context.Context, websiteID int64) (map[string]pipeline.DiscoveredURL, error) {
	query := `SELECT ` + discoveredURLColumns + ` FROM discovered_urls WHERE website_id = $1;`
	rows, err := s.pool.Query(ctx, query, websiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query known urls: %w", err)
	}
	defer rows.Close()

	known := make(map[string]pipeline.DiscoveredURL)
	for rows.Next() {
		u, err := scanDiscoveredURL(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discovered url: %w", err)
		}
		known[u.URL] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read known urls: %w", err)
	}
	return known, nil
}

// ClaimPending atomically transitions up to limit pending rows to
// validating and returns them. SKIP LOCKED keeps concurrent claimers
// from ever receiving the same row.
func (s *Store) ClaimPending(ctx context.Context, websiteID int64, limit int) ([]pipeline.DiscoveredURL, error) {
	query := `
		UPDATE discovered_urls
		SET status = $1, last_checked = now()
		WHERE id IN (
			SELECT id FROM discovered_urls
			WHERE website_id = $2 AND status = $3
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + discoveredURLColumns + `;
	`
	rows, err := s.pool.Query(ctx, query,
		pipeline.StatusValidating, websiteID, pipeline.StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending urls: %w", err)
	}
	defer rows.Close()

	var claimed []pipeline.DiscoveredURL
	for rows.Next() {
		u, err := scanDiscoveredURL(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed url: %w", err)
		}
		claimed = append(claimed, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed urls: %w", err)
	}
	return claimed, nil
}

func (s *Store) transitionURL(ctx context.Context, urlID int64, from []pipeline.URLStatus, to pipeline.URLStatus, errText string, bumpRetry bool) error {
	query := `
		UPDATE discovered_urls
		SET status = $1, last_error = $2, last_checked = now(),
		    retry_count = retry_count + $3
		WHERE id = $4 AND status = ANY($5);
	`
	bump := 0
	if bumpRetry {
		bump = 1
	}
	fromText := make([]string, len(from))
	for i, st := range from {
		fromText[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, query, to, errText, bump, urlID, fromText)
	if err != nil {
		return fmt.Errorf("failed to transition url %d to %s: %w", urlID, to, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkURLValid transitions a claimed URL from validating to valid.
func (s *Store) MarkURLValid(ctx context.Context, urlID int64) error {
	return s.transitionURL(ctx, urlID,
		[]pipeline.URLStatus{pipeline.StatusValidating}, pipeline.StatusValid, "", false)
}

// MarkURLInvalid transitions a claimed URL to invalid.
func (s *Store) MarkURLInvalid(ctx context.Context, urlID int64, reason string) error {
	return s.transitionURL(ctx, urlID,
		[]pipeline.URLStatus{pipeline.StatusValidating}, pipeline.StatusInvalid, reason, false)
}

// RequeueURL returns a claimed URL to pending and bumps its retry count.
func (s *Store) RequeueURL(ctx context.Context, urlID int64, errText string) error {
	return s.transitionURL(ctx, urlID,
		[]pipeline.URLStatus{pipeline.StatusValidating, pipeline.StatusValid},
		pipeline.StatusPending, errText, true)
}

// FailURL terminally fails a claimed URL.
func (s *Store) FailURL(ctx context.Context, urlID int64, errText string) error {
	return s.transitionURL(ctx, urlID,
		[]pipeline.URLStatus{pipeline.StatusValidating, pipeline.StatusValid},
		pipeline.StatusFailed, errText, false)
}

// ReleaseURL returns a claimed URL to pending without a retry bump.
// Used when the domain is paused and the URL itself did not fail.
func (s *Store) ReleaseURL(ctx context.Context, urlID int64) error {
	return s.transitionURL(ctx, urlID,
		[]pipeline.URLStatus{pipeline.StatusValidating, pipeline.StatusValid},
		pipeline.StatusPending, "", false)
}

// SetURLValidators stores the validators from the last successful fetch
// so later conditional revisits can send them.
func (s *Store) SetURLValidators(ctx context.Context, urlID int64, etag string, lastModified *time.Time) error {
	query := `UPDATE discovered_urls SET etag = $2, last_modified = $3 WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, urlID, etag, lastModified)
	if err != nil {
		return fmt.Errorf("failed to set validators for url %d: %w", urlID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ResetInFlight returns all of a website's in-progress rows to pending.
func (s *Store) ResetInFlight(ctx context.Context, websiteID int64) (int64, error) {
	query := `
		UPDATE discovered_urls
		SET status = $1
		WHERE website_id = $2 AND status = ANY($3);
	`
	tag, err := s.pool.Exec(ctx, query,
		pipeline.StatusPending, websiteID,
		[]string{string(pipeline.StatusValidating), string(pipeline.StatusValid)},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight urls: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountURLs returns the website's URL counts grouped by status.
func (s *Store) CountURLs(ctx context.Context, websiteID int64) (map[pipeline.URLStatus]int, error) {
	query := `
		SELECT status, count(*) FROM discovered_urls
		WHERE website_id = $1 GROUP BY status;
	`
	rows, err := s.pool.Query(ctx, query, websiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to count urls: %w", err)
	}
	defer rows.Close()

	counts := make(map[pipeline.URLStatus]int)
	for rows.Next() {
		var status pipeline.URLStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan url count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read url counts: %w", err)
	}
	return counts, nil
}
