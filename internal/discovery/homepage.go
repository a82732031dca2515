package discovery

import (
	"context"
	"fmt"

	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

// discoverHomepage extracts article links straight off the homepage. Last
// resort: it sees only what the front page happens to feature.
func (e *Engine) discoverHomepage(ctx context.Context, site pipeline.Website, seen dedupSet) ([]pipeline.Candidate, error) {
	resp, err := e.client.Fetch(ctx, fetch.Request{URL: site.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("fetch homepage: %w", err)
	}

	var out []pipeline.Candidate
	harvestLinks(string(resp.Body), site.BaseURL, site.BaseURL, pipeline.MethodHomepage, seen, &out)
	if len(out) == 0 {
		return nil, fmt.Errorf("homepage %s yielded no article links", site.BaseURL)
	}
	return out, nil
}
