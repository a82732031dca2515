package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/guard"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

func newTestGuard(rps float64) *guard.Guard {
	return guard.New(guard.Config{
		DefaultRPS:   rps,
		DefaultBurst: 1,
		UserAgents:   []string{"test-agent/1.0"},
	}, zap.NewNop())
}

func TestClient_FetchSuccess(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	c := NewClient(Config{Timeout: 5 * time.Second}, newTestGuard(100), zap.NewNop())
	resp, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "hello")
	require.Equal(t, `"v1"`, resp.Headers.Get("ETag"))
	require.Equal(t, "test-agent/1.0", gotUA)
}

func TestClient_FetchNotFoundIsHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{Timeout: 5 * time.Second}, newTestGuard(100), zap.NewNop())
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL + "/missing"})

	var httpErr *pipeline.HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	require.Equal(t, pipeline.ClassPermanent, pipeline.Classify(err))
}

func TestClient_FetchServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{Timeout: 5 * time.Second}, newTestGuard(100), zap.NewNop())
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Equal(t, pipeline.ClassTransient, pipeline.Classify(err))
}

func TestClient_ConditionalGetNotModified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("<html>fresh</html>"))
	}))
	defer srv.Close()

	c := NewClient(Config{Timeout: 5 * time.Second}, newTestGuard(100), zap.NewNop())

	resp, err := c.Fetch(context.Background(), Request{URL: srv.URL, ETag: `"v1"`})
	require.NoError(t, err)
	require.True(t, resp.NotModified)
	require.Empty(t, resp.Body)
}

func TestClient_FetchCanceledMidFlight(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{Timeout: 10 * time.Second}, newTestGuard(100), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	resp, err := c.Fetch(ctx, Request{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second, "returns on cancellation, not on the request timeout")
	require.Zero(t, resp.StatusCode)
	require.Empty(t, resp.Body)
}

func TestClient_BreakerShortCircuits(t *testing.T) {
	t.Parallel()

	g := guard.New(guard.Config{
		DefaultRPS:       100,
		BreakerThreshold: 1,
		Cooldown:         time.Hour,
	}, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{Timeout: 5 * time.Second}, g, zap.NewNop())

	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)

	// The 429 tripped the breaker; the next fetch fails without a request.
	_, err = c.Fetch(context.Background(), Request{URL: srv.URL})
	var blocked *pipeline.RateLimitBlocked
	require.True(t, errors.As(err, &blocked))
}

func TestNeedsRendering(t *testing.T) {
	t.Parallel()

	require.True(t, NeedsRendering(nil))
	require.True(t, NeedsRendering([]byte(`<div id="root"></div><script src="app.js"></script>`)))
	require.True(t, NeedsRendering([]byte(`<div class="feed" data-infinite="true"></div>`)))

	long := make([]byte, 0, 4096)
	long = append(long, []byte("<html><body>")...)
	for range 400 {
		long = append(long, []byte("<p>static words here</p>")...)
	}
	require.False(t, NeedsRendering(long))
}
