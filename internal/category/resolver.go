// Package category resolves category names found on article pages to
// persisted per-website category rows.
package category

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dmaraist/newsgather/internal/pipeline"
)

// Finder is the slice of the store the resolver needs.
type Finder interface {
	FindOrCreateCategory(ctx context.Context, websiteID int64, name, url string) (pipeline.Category, error)
}

// Resolver turns CategoryRefs into category ids, caching per
// (website, name) so repeated articles skip the round trip. Names are
// stored verbatim; only surrounding whitespace is trimmed before lookup.
type Resolver struct {
	finder Finder

	mu    sync.Mutex
	cache map[string]int64
}

// NewResolver creates a Resolver over the given store.
func NewResolver(finder Finder) *Resolver {
	return &Resolver{
		finder: finder,
		cache:  make(map[string]int64),
	}
}

// Resolve returns the ids for refs, creating missing categories. Refs
// with empty names are skipped; duplicate names within one call collapse
// to one id.
func (r *Resolver) Resolve(ctx context.Context, websiteID int64, refs []pipeline.CategoryRef) ([]int64, error) {
	var ids []int64
	seen := make(map[int64]struct{})
	for _, ref := range refs {
		name := strings.TrimSpace(ref.Name)
		if name == "" {
			continue
		}
		id, err := r.resolveOne(ctx, websiteID, name, ref.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve category %q: %w", name, err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Resolver) resolveOne(ctx context.Context, websiteID int64, name, url string) (int64, error) {
	key := cacheKey(websiteID, name)

	r.mu.Lock()
	if id, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	// The store upsert is the atomicity point; concurrent resolvers for
	// the same name converge on one row and the cache just fills twice.
	cat, err := r.finder.FindOrCreateCategory(ctx, websiteID, name, url)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.cache[key] = cat.ID
	r.mu.Unlock()
	return cat.ID, nil
}

func cacheKey(websiteID int64, name string) string {
	return fmt.Sprintf("%d|%s", websiteID, name)
}
