package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
)

// FindOrCreateCategory returns the website's category with the given
// name, creating it if absent. The upsert makes concurrent callers with
// the same name converge on one row.
func (s *Store) FindOrCreateCategory(ctx context.Context, websiteID int64, name, url string) (pipeline.Category, error) {
	query := `
		INSERT INTO categories (website_id, name, url)
		VALUES ($1, $2, $3)
		ON CONFLICT (website_id, name) DO UPDATE
		SET url = CASE WHEN categories.url = '' THEN EXCLUDED.url ELSE categories.url END
		RETURNING id, website_id, name, url, created_at;
	`
	var cat pipeline.Category
	err := s.pool.QueryRow(ctx, query, websiteID, name, url).Scan(
		&cat.ID, &cat.WebsiteID, &cat.Name, &cat.URL, &cat.CreatedAt,
	)
	if err != nil {
		return pipeline.Category{}, fmt.Errorf("failed to find or create category %q: %w", name, err)
	}
	return cat, nil
}

// SaveArticle upserts the article by url, replaces its category links,
// and marks the source URL scraped, all in one transaction so a crash
// mid-save leaves the URL claimable rather than half-written.
func (s *Store) SaveArticle(ctx context.Context, article pipeline.Article, categoryIDs []int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsert := `
		INSERT INTO articles (website_id, url_id, url, title, author, published_at,
		                      raw_html, markdown, image_url, extraction_strategy,
		                      word_count, reading_time_minutes, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (url) DO UPDATE
		SET title = EXCLUDED.title, author = EXCLUDED.author,
		    published_at = EXCLUDED.published_at, raw_html = EXCLUDED.raw_html,
		    markdown = EXCLUDED.markdown, image_url = EXCLUDED.image_url,
		    extraction_strategy = EXCLUDED.extraction_strategy,
		    word_count = EXCLUDED.word_count,
		    reading_time_minutes = EXCLUDED.reading_time_minutes,
		    scraped_at = now()
		RETURNING id;
	`
	var articleID int64
	err = tx.QueryRow(ctx, upsert,
		article.WebsiteID, article.URLID, article.URL, article.Title, article.Author,
		article.PublishedAt, article.RawHTML, article.Markdown, article.ImageURL,
		article.Strategy, article.WordCount, article.ReadingTime,
	).Scan(&articleID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert article: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM article_categories WHERE article_id = $1;`, articleID); err != nil {
		return 0, fmt.Errorf("failed to clear category links: %w", err)
	}
	for _, catID := range categoryIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO article_categories (article_id, category_id) VALUES ($1, $2) ON CONFLICT DO NOTHING;`,
			articleID, catID,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to link category %d: %w", catID, err)
		}
	}

	markScraped := `
		UPDATE discovered_urls
		SET status = $1, last_error = '', last_checked = now()
		WHERE id = $2;
	`
	if _, err := tx.Exec(ctx, markScraped, pipeline.StatusScraped, article.URLID); err != nil {
		return 0, fmt.Errorf("failed to mark url scraped: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit article save: %w", err)
	}
	return articleID, nil
}

// GetArticleByURL fetches one article by its canonical URL.
func (s *Store) GetArticleByURL(ctx context.Context, url string) (pipeline.Article, error) {
	query := `
		SELECT id, website_id, url_id, url, title, author, published_at,
		       raw_html, markdown, image_url, extraction_strategy,
		       word_count, reading_time_minutes, scraped_at
		FROM articles WHERE url = $1;
	`
	var a pipeline.Article
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&a.ID, &a.WebsiteID, &a.URLID, &a.URL, &a.Title, &a.Author, &a.PublishedAt,
		&a.RawHTML, &a.Markdown, &a.ImageURL, &a.Strategy,
		&a.WordCount, &a.ReadingTime, &a.ScrapedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Article{}, store.ErrNotFound
	}
	if err != nil {
		return pipeline.Article{}, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}
