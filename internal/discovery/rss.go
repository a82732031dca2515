package discovery

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

// Common feed locations tried when the website has no configured RSS URL.
var feedGuesses = []string{"/feed", "/rss", "/rss.xml", "/atom.xml", "/index.xml"}

// discoverRSS parses the website's RSS/Atom feed with gofeed and returns
// the item links as candidates.
func (e *Engine) discoverRSS(ctx context.Context, site pipeline.Website, seen dedupSet) ([]pipeline.Candidate, error) {
	feedURLs := []string{site.RSSURL}
	if site.RSSURL == "" {
		base := strings.TrimSuffix(site.BaseURL, "/")
		feedURLs = feedURLs[:0]
		for _, guess := range feedGuesses {
			feedURLs = append(feedURLs, base+guess)
		}
	}

	var lastErr error
	for _, feedURL := range feedURLs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		candidates, err := e.parseFeed(ctx, site, feedURL, seen)
		if err != nil {
			lastErr = err
			e.logger.Debug("feed candidate failed", zap.String("feed", feedURL), zap.Error(err))
			continue
		}
		return candidates, nil
	}
	return nil, fmt.Errorf("no usable feed: %w", lastErr)
}

func (e *Engine) parseFeed(ctx context.Context, site pipeline.Website, feedURL string, seen dedupSet) ([]pipeline.Candidate, error) {
	resp, err := e.client.Fetch(ctx, fetch.Request{URL: feedURL})
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feedURL, err)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &pipeline.ParseError{Source: feedURL, Err: err}
	}

	baseHost := hostOf(site.BaseURL)
	var out []pipeline.Candidate
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		canonical, err := CanonicalURL(link)
		if err != nil || !IsArticleURL(canonical, baseHost) || !seen.add(canonical) {
			continue
		}
		candidate := pipeline.Candidate{
			URL:    canonical,
			Method: pipeline.MethodRSS,
		}
		if item.UpdatedParsed != nil {
			candidate.LastModified = item.UpdatedParsed
		} else if item.PublishedParsed != nil {
			candidate.LastModified = item.PublishedParsed
		}
		out = append(out, candidate)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("feed %s yielded no article links", feedURL)
	}
	return out, nil
}
