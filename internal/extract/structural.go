package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dmaraist/newsgather/internal/pipeline"
)

// Schema holds the CSS selectors a structural extraction needs. Schemas
// are registered per website host; DefaultSchema covers generic article
// markup when no site-specific one exists.
type Schema struct {
	Title      string
	Author     string
	Date       string
	Body       string
	Image      string
	Categories string
}

// DefaultSchema matches common article markup (semantic HTML5, WordPress,
// most news CMSes).
var DefaultSchema = Schema{
	Title:      "h1, .entry-title, .article-title, .post-title",
	Author:     `[rel="author"], .author-name, .byline a, meta[name="author"]`,
	Date:       `time[datetime], .published, .post-date`,
	Body:       "article, .entry-content, .article-body, .post-content, .story-body, main",
	Image:      `meta[property="og:image"], article img`,
	Categories: `a[rel="category"], a[rel="category tag"]`,
}

// Structural extracts fields with per-site CSS selectors. Fast and
// precise when the schema matches; first in the chain.
type Structural struct {
	schemas map[string]Schema
	cleaner *cleaner
}

// NewStructural builds the strategy. schemas is keyed by host; a
// "default" entry overrides DefaultSchema.
func NewStructural(schemas map[string]Schema) *Structural {
	if schemas == nil {
		schemas = map[string]Schema{}
	}
	return &Structural{
		schemas: schemas,
		cleaner: newCleaner(),
	}
}

// Name implements Strategy.
func (s *Structural) Name() pipeline.StrategyName { return pipeline.StrategyStructural }

// Extract implements Strategy.
func (s *Structural) Extract(_ context.Context, page *Page) (*pipeline.ExtractResult, error) {
	schema := s.schemaFor(page.URL)

	titleSel := page.Doc.Find(schema.Title).First()
	title := strings.TrimSpace(titleSel.Text())
	if title == "" {
		title = metaTitle(page.Doc)
	}

	bodySel := page.Doc.Find(schema.Body).First()
	if bodySel.Length() == 0 {
		return nil, fmt.Errorf("body selector %q matched nothing", schema.Body)
	}
	cleanedHTML, markdown, err := s.cleaner.Clean(bodySel)
	if err != nil {
		return nil, fmt.Errorf("clean body: %w", err)
	}
	if title == "" || strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("schema produced empty title or body")
	}

	result := &pipeline.ExtractResult{
		Title:    title,
		RawHTML:  cleanedHTML,
		Markdown: markdown,
		Strategy: pipeline.StrategyStructural,
	}

	if schema.Author != "" {
		result.Author = firstText(page.Doc, schema.Author)
	}
	if schema.Date != "" {
		result.PublishedAt = dateFromSelector(page.Doc, schema.Date)
	}
	if result.PublishedAt == nil {
		result.PublishedAt = metaDate(page.Doc)
	}
	if schema.Categories != "" {
		result.Categories = categoriesFromSelector(page.Doc, schema.Categories, page.URL)
	}
	return result, nil
}

func (s *Structural) schemaFor(pageURL string) Schema {
	if u, err := url.Parse(pageURL); err == nil {
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if schema, ok := s.schemas[host]; ok {
			return schema
		}
	}
	if schema, ok := s.schemas["default"]; ok {
		return schema
	}
	return DefaultSchema
}

func firstText(doc *goquery.Document, selector string) string {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	if content, ok := sel.Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(sel.Text())
}

func dateFromSelector(doc *goquery.Document, selector string) *time.Time {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	if datetime, ok := sel.Attr("datetime"); ok {
		if ts := parseDate(datetime); ts != nil {
			return ts
		}
	}
	if content, ok := sel.Attr("content"); ok {
		if ts := parseDate(content); ts != nil {
			return ts
		}
	}
	return parseDate(sel.Text())
}

func categoriesFromSelector(doc *goquery.Document, selector, pageURL string) []pipeline.CategoryRef {
	base, _ := url.Parse(pageURL)
	seen := make(map[string]struct{})
	var refs []pipeline.CategoryRef
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		name := strings.TrimSpace(sel.Text())
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		ref := pipeline.CategoryRef{Name: name}
		if href, ok := sel.Attr("href"); ok && base != nil {
			if u, err := url.Parse(href); err == nil {
				ref.URL = base.ResolveReference(u).String()
			}
		}
		refs = append(refs, ref)
	})
	return refs
}

func metaTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
