// Package extract turns a fetched article page into normalized fields
// through an ordered fallback of strategies: structural (selectors),
// similarity (block clustering), then generative (model-assisted). The
// page is fetched once; strategies share the parsed document.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/metrics"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

// Page is one fetched article document shared by all strategies.
type Page struct {
	URL  string
	HTML string
	Doc  *goquery.Document
}

// NewPage parses raw HTML into a Page.
func NewPage(rawURL, html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &pipeline.ParseError{Source: rawURL, Err: err}
	}
	return &Page{URL: rawURL, HTML: html, Doc: doc}, nil
}

// Strategy is one extraction approach. A strategy succeeds only when it
// returns a result with non-empty title and markdown body.
type Strategy interface {
	Name() pipeline.StrategyName
	Extract(ctx context.Context, page *Page) (*pipeline.ExtractResult, error)
}

// Fetcher is the slice of the fetch client the chain needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Response, error)
}

// Chain runs strategies in order until one succeeds.
type Chain struct {
	strategies []Strategy
	client     Fetcher
	logger     *zap.Logger
}

// NewChain builds a Chain. Strategy order is the fallback order.
func NewChain(client Fetcher, strategies []Strategy, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		strategies: strategies,
		client:     client,
		logger:     logger,
	}
}

// Run fetches the URL and attempts each strategy in order. Total failure
// across all strategies is an ExtractionFailure; the chain never passes
// off empty content as success.
func (c *Chain) Run(ctx context.Context, rawURL string) (*pipeline.ExtractResult, error) {
	resp, err := c.client.Fetch(ctx, fetch.Request{URL: rawURL})
	if err != nil {
		return nil, err
	}

	page, err := NewPage(rawURL, string(resp.Body))
	if err != nil {
		return nil, err
	}
	return c.RunPage(ctx, page)
}

// RunPage runs the strategy fallback over an already-fetched page.
func (c *Chain) RunPage(ctx context.Context, page *Page) (*pipeline.ExtractResult, error) {
	if len(c.strategies) == 0 {
		return nil, fmt.Errorf("no extraction strategies configured")
	}

	var (
		attempted []pipeline.StrategyName
		lastErr   error
	)
	for _, strategy := range c.strategies {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempted = append(attempted, strategy.Name())

		result, err := strategy.Extract(ctx, page)
		if err != nil {
			lastErr = err
			c.logger.Debug("extraction strategy failed",
				zap.String("strategy", string(strategy.Name())),
				zap.String("url", page.URL),
				zap.Error(err),
			)
			continue
		}
		if strings.TrimSpace(result.Title) == "" || strings.TrimSpace(result.Markdown) == "" {
			lastErr = fmt.Errorf("strategy %s produced empty content", strategy.Name())
			continue
		}

		result.Strategy = strategy.Name()
		finishResult(result, page.Doc, page.URL)
		metrics.ObserveArticleExtracted(string(strategy.Name()))
		return result, nil
	}

	return nil, &pipeline.ExtractionFailure{
		URL:      page.URL,
		Attempts: attempted,
		Err:      lastErr,
	}
}
