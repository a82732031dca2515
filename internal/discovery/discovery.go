// Package discovery finds candidate article URLs for a website through
// sitemaps, feeds, category pages, and homepage links. The engine is
// stateless: it returns deduplicated candidates for the coordinator to
// persist, and the (website_id, url) uniqueness constraint is the final
// arbiter against rows discovered in earlier runs.
package discovery

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/metrics"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

// ErrNoURLs is returned when every enabled method yielded zero URLs.
var ErrNoURLs = errors.New("all discovery methods yielded zero urls")

// Fetcher is the slice of the fetch client discovery needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Renderer runs scripted pagination in a headless browser.
type Renderer interface {
	RenderScrolled(ctx context.Context, rawURL string) (string, error)
}

// Config selects and bounds discovery methods.
type Config struct {
	Methods          []pipeline.DiscoveryMethod
	MaxCategoryPages int
	MaxSitemapDepth  int
}

// Engine runs the enabled discovery methods in their fallback order.
type Engine struct {
	cfg      Config
	client   Fetcher
	renderer Renderer
	logger   *zap.Logger
}

// New creates an Engine. renderer may be nil; scripted pagination is
// skipped without it.
func New(cfg Config, client Fetcher, renderer Renderer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []pipeline.DiscoveryMethod{
			pipeline.MethodSitemap,
			pipeline.MethodRSS,
			pipeline.MethodCategory,
			pipeline.MethodHomepage,
		}
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		renderer: renderer,
		logger:   logger,
	}
}

// Discover unions the results of every enabled method, deduplicated
// within the run. known holds canonical URLs already persisted for the
// website so re-discovery of an unchanged site yields nothing new. A
// failing method logs and falls through; only zero URLs across all
// methods is an error.
func (e *Engine) Discover(ctx context.Context, site pipeline.Website, known map[string]struct{}) ([]pipeline.Candidate, error) {
	seen := make(dedupSet, len(known))
	for url := range known {
		seen[url] = struct{}{}
	}

	var all []pipeline.Candidate
	for _, method := range e.cfg.Methods {
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		candidates, err := e.runMethod(ctx, method, site, seen)
		if err != nil {
			e.logger.Warn("discovery method failed",
				zap.String("method", string(method)),
				zap.String("website", site.BaseURL),
				zap.Error(err),
			)
		}
		if len(candidates) > 0 {
			metrics.ObserveURLsDiscovered(string(method), len(candidates))
			all = append(all, candidates...)
		}
	}

	if len(all) == 0 && len(known) == 0 {
		return nil, ErrNoURLs
	}
	return all, nil
}

func (e *Engine) runMethod(ctx context.Context, method pipeline.DiscoveryMethod, site pipeline.Website, seen dedupSet) ([]pipeline.Candidate, error) {
	switch method {
	case pipeline.MethodSitemap:
		return e.discoverSitemap(ctx, site, seen)
	case pipeline.MethodRSS:
		return e.discoverRSS(ctx, site, seen)
	case pipeline.MethodCategory:
		return e.discoverCategories(ctx, site, seen)
	case pipeline.MethodHomepage:
		return e.discoverHomepage(ctx, site, seen)
	default:
		return nil, errors.New("unknown discovery method")
	}
}
