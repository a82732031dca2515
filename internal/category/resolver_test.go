package category

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store/memory"
)

type countingFinder struct {
	mu    sync.Mutex
	calls int
	store *memory.Store
}

func (f *countingFinder) FindOrCreateCategory(ctx context.Context, websiteID int64, name, url string) (pipeline.Category, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.store.FindOrCreateCategory(ctx, websiteID, name, url)
}

func TestResolveCreatesOnceAndCaches(t *testing.T) {
	t.Parallel()

	finder := &countingFinder{store: memory.New()}
	r := NewResolver(finder)
	ctx := context.Background()

	refs := []pipeline.CategoryRef{
		{Name: "Politics", URL: "https://example.com/category/politics"},
		{Name: "Economy"},
	}

	first, err := r.Resolve(ctx, 1, refs)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := r.Resolve(ctx, 1, refs)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, finder.calls)
}

func TestResolveScopesByWebsite(t *testing.T) {
	t.Parallel()

	r := NewResolver(memory.New())
	ctx := context.Background()

	a, err := r.Resolve(ctx, 1, []pipeline.CategoryRef{{Name: "Politics"}})
	require.NoError(t, err)
	b, err := r.Resolve(ctx, 2, []pipeline.CategoryRef{{Name: "Politics"}})
	require.NoError(t, err)
	require.NotEqual(t, a[0], b[0])
}

func TestResolveSkipsEmptyAndCollapsesDuplicates(t *testing.T) {
	t.Parallel()

	r := NewResolver(memory.New())
	ctx := context.Background()

	ids, err := r.Resolve(ctx, 1, []pipeline.CategoryRef{
		{Name: "  World  "},
		{Name: ""},
		{Name: "World"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestResolveConcurrentSameNameOneRow(t *testing.T) {
	t.Parallel()

	finder := &countingFinder{store: memory.New()}
	r := NewResolver(finder)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan int64, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := r.Resolve(ctx, 1, []pipeline.CategoryRef{{Name: "Sports"}})
			require.NoError(t, err)
			require.Len(t, ids, 1)
			results <- ids[0]
		}()
	}
	wg.Wait()
	close(results)

	var first int64
	for id := range results {
		if first == 0 {
			first = id
			continue
		}
		require.Equal(t, first, id)
	}
}
