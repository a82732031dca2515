package discovery

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

var categoryPathPattern = regexp.MustCompile(`(?i)/(category|categories|section|sections|topic|topics|news)/[a-z0-9-]+/?$`)

// paginationStrategy walks one category page's follow-up pages. It
// returns the number of new candidates it produced; strategies are tried
// in order until one yields nothing new.
type paginationStrategy func(ctx context.Context, e *Engine, site pipeline.Website, categoryURL string, seen dedupSet, out *[]pipeline.Candidate) int

// discoverCategories finds category listing pages from the homepage nav
// and crawls each one through its pagination.
func (e *Engine) discoverCategories(ctx context.Context, site pipeline.Website, seen dedupSet) ([]pipeline.Candidate, error) {
	resp, err := e.client.Fetch(ctx, fetch.Request{URL: site.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("fetch homepage: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(resp.Body)))
	if err != nil {
		return nil, &pipeline.ParseError{Source: site.BaseURL, Err: err}
	}

	categoryURLs := collectCategoryLinks(doc, site.BaseURL)
	if len(categoryURLs) == 0 {
		return nil, fmt.Errorf("no category links found on %s", site.BaseURL)
	}

	var out []pipeline.Candidate
	for _, categoryURL := range categoryURLs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		e.crawlCategory(ctx, site, categoryURL, seen, &out)
	}
	return out, nil
}

// crawlCategory harvests the first page, then tries pagination
// strategies in order until one yields no new URLs.
func (e *Engine) crawlCategory(ctx context.Context, site pipeline.Website, categoryURL string, seen dedupSet, out *[]pipeline.Candidate) {
	resp, err := e.client.Fetch(ctx, fetch.Request{URL: categoryURL})
	if err != nil {
		e.logger.Warn("category page fetch failed", zap.String("category", categoryURL), zap.Error(err))
		return
	}
	harvestLinks(string(resp.Body), categoryURL, site.BaseURL, pipeline.MethodCategory, seen, out)

	strategies := []paginationStrategy{paginateNumeric, paginateScripted}
	for _, strategy := range strategies {
		if strategy(ctx, e, site, categoryURL, seen, out) > 0 {
			return
		}
	}
}

// paginateNumeric follows ?page=N / /page/N style pagination until a page
// yields no new article links or the configured page cap is reached.
func paginateNumeric(ctx context.Context, e *Engine, site pipeline.Website, categoryURL string, seen dedupSet, out *[]pipeline.Candidate) int {
	maxPages := e.cfg.MaxCategoryPages
	if maxPages <= 0 {
		maxPages = 10
	}
	total := 0
	for page := 2; page <= maxPages; page++ {
		if ctx.Err() != nil {
			return total
		}
		pageURL := numericPageURL(categoryURL, page)
		resp, err := e.client.Fetch(ctx, fetch.Request{URL: pageURL})
		if err != nil {
			return total
		}
		added := harvestLinks(string(resp.Body), pageURL, site.BaseURL, pipeline.MethodCategory, seen, out)
		if added == 0 {
			return total
		}
		total += added
	}
	return total
}

// paginateScripted hands the category page to the headless renderer,
// which scrolls and clicks "load more" triggers. Used when numeric
// pagination produced nothing and the page looks script-driven.
func paginateScripted(ctx context.Context, e *Engine, site pipeline.Website, categoryURL string, seen dedupSet, out *[]pipeline.Candidate) int {
	if e.renderer == nil {
		return 0
	}
	html, err := e.renderer.RenderScrolled(ctx, categoryURL)
	if err != nil {
		e.logger.Debug("scripted pagination failed", zap.String("category", categoryURL), zap.Error(err))
		return 0
	}
	return harvestLinks(html, categoryURL, site.BaseURL, pipeline.MethodCategory, seen, out)
}

func numericPageURL(categoryURL string, page int) string {
	u, err := url.Parse(categoryURL)
	if err != nil {
		return categoryURL
	}
	// WordPress-style path pagination when the category path has no query.
	if u.RawQuery == "" {
		return strings.TrimSuffix(categoryURL, "/") + fmt.Sprintf("/page/%d", page)
	}
	q := u.Query()
	q.Set("page", fmt.Sprint(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// collectCategoryLinks pulls likely category listing URLs out of a
// homepage document, bounded to the site's own host.
func collectCategoryLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := resolveHref(base, href)
		if resolved == "" || !sameHost(hostOf(resolved), base.Hostname()) {
			return
		}
		if !categoryPathPattern.MatchString(resolved) {
			return
		}
		if _, ok := seen[resolved]; ok {
			return
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	})
	return out
}

// harvestLinks extracts article candidates from an HTML listing page.
// Returns how many new candidates were appended.
func harvestLinks(html, pageURL, baseURL string, method pipeline.DiscoveryMethod, seen dedupSet, out *[]pipeline.Candidate) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return 0
	}
	baseHost := hostOf(baseURL)

	added := 0
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved := resolveHref(base, href)
		if resolved == "" {
			return
		}
		canonical, err := CanonicalURL(resolved)
		if err != nil || !IsArticleURL(canonical, baseHost) || !seen.add(canonical) {
			return
		}
		*out = append(*out, pipeline.Candidate{URL: canonical, Method: method})
		added++
	})
	return added
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
