package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
)

func TestInsertCandidatesCountsOnlyNewRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	candidates := []pipeline.Candidate{
		{URL: "https://example.com/politics/new-bill", Method: pipeline.MethodSitemap},
		{URL: "https://example.com/politics/old-bill", Method: pipeline.MethodSitemap},
	}

	mock.ExpectExec("INSERT INTO discovered_urls").
		WithArgs(int64(7), candidates[0].URL, pipeline.StatusPending, pipeline.MethodSitemap, candidates[0].LastModified, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO discovered_urls").
		WithArgs(int64(7), candidates[1].URL, pipeline.StatusPending, pipeline.MethodSitemap, candidates[1].LastModified, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.InsertCandidates(context.Background(), 7, candidates)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingReturnsTransitionedRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	rows := pgxmock.NewRows([]string{
		"id", "website_id", "url", "status", "discovery_method",
		"last_modified", "etag", "last_checked", "retry_count", "last_error",
	}).AddRow(
		int64(1), int64(7), "https://example.com/a", pipeline.StatusValidating,
		pipeline.MethodRSS, (*time.Time)(nil), "", (*time.Time)(nil), 0, "",
	)

	mock.ExpectQuery("UPDATE discovered_urls").
		WithArgs(pipeline.StatusValidating, int64(7), pipeline.StatusPending, 5).
		WillReturnRows(rows)

	claimed, err := s.ClaimPending(context.Background(), 7, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, pipeline.StatusValidating, claimed[0].Status)
	require.Equal(t, "https://example.com/a", claimed[0].URL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueURLRejectsUnclaimedRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	mock.ExpectExec("UPDATE discovered_urls").
		WithArgs(pipeline.StatusPending, "timeout", 1, int64(9),
			[]string{string(pipeline.StatusValidating), string(pipeline.StatusValid)}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = s.RequeueURL(context.Background(), 9, "timeout")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseURLSkipsRetryBump(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	mock.ExpectExec("UPDATE discovered_urls").
		WithArgs(pipeline.StatusPending, "", 0, int64(9),
			[]string{string(pipeline.StatusValidating), string(pipeline.StatusValid)}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.ReleaseURL(context.Background(), 9))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetURLValidatorsUpdatesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	mod := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE discovered_urls").
		WithArgs(int64(9), `"v7"`, &mod).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.SetURLValidators(context.Background(), 9, `"v7"`, &mod))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateCategoryUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	created := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("INSERT INTO categories").
		WithArgs(int64(7), "Politics", "https://example.com/category/politics").
		WillReturnRows(pgxmock.NewRows([]string{"id", "website_id", "name", "url", "created_at"}).
			AddRow(int64(3), int64(7), "Politics", "https://example.com/category/politics", created))

	cat, err := s.FindOrCreateCategory(context.Background(), 7, "Politics", "https://example.com/category/politics")
	require.NoError(t, err)
	require.Equal(t, int64(3), cat.ID)
	require.Equal(t, "Politics", cat.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticleRunsOneTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	article := pipeline.Article{
		WebsiteID: 7,
		URLID:     11,
		URL:       "https://example.com/politics/new-bill",
		Title:     "New Bill Passes",
		Markdown:  "# New Bill Passes",
		RawHTML:   "<article></article>",
		Strategy:  pipeline.StrategyStructural,
		WordCount: 3,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO articles").
		WithArgs(article.WebsiteID, article.URLID, article.URL, article.Title, article.Author,
			article.PublishedAt, article.RawHTML, article.Markdown, article.ImageURL,
			article.Strategy, article.WordCount, article.ReadingTime).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec("DELETE FROM article_categories").
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO article_categories").
		WithArgs(int64(42), int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE discovered_urls").
		WithArgs(pipeline.StatusScraped, article.URLID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	id, err := s.SaveArticle(context.Background(), article, []int64{3})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetInFlightReportsRowCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	mock.ExpectExec("UPDATE discovered_urls").
		WithArgs(pipeline.StatusPending, int64(7),
			[]string{string(pipeline.StatusValidating), string(pipeline.StatusValid)}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := s.ResetInFlight(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWebsiteNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewWithPool(mock)

	mock.ExpectQuery("SELECT id, name, base_url").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err = s.GetWebsite(context.Background(), 99)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
