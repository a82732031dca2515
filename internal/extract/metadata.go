package extract

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"github.com/dmaraist/newsgather/internal/pipeline"
)

const wordsPerMinute = 200

// finishResult fills in derived metadata: word count, reading time,
// categories, and the primary image.
func finishResult(result *pipeline.ExtractResult, doc *goquery.Document, pageURL string) {
	result.WordCount = countWords(result.Markdown)
	result.ReadingTime = readingTime(result.WordCount)
	if len(result.Categories) == 0 {
		result.Categories = detectCategories(doc, pageURL)
	}
	if result.ImageURL == "" {
		result.ImageURL = bestImage(doc, pageURL)
	}
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

func readingTime(wordCount int) int {
	if wordCount == 0 {
		return 0
	}
	minutes := (wordCount + wordsPerMinute - 1) / wordsPerMinute
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// detectCategories pulls category references off the page: rel=category
// links, breadcrumbs, and /category/ style hrefs. Names are preserved
// verbatim; no cross-site normalization happens here or anywhere.
func detectCategories(doc *goquery.Document, pageURL string) []pipeline.CategoryRef {
	base, _ := url.Parse(pageURL)
	seen := make(map[string]struct{})
	var refs []pipeline.CategoryRef

	add := func(sel *goquery.Selection) {
		name := strings.TrimSpace(sel.Text())
		if name == "" || len(name) > 60 {
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
	}

	doc.Find(`a[rel="category"], a[rel="category tag"]`).Each(func(_ int, sel *goquery.Selection) {
		add(sel)
	})
	doc.Find(`a[href*="/category/"], a[href*="/section/"], a[href*="/topic/"]`).Each(func(_ int, sel *goquery.Selection) {
		add(sel)
	})
	doc.Find(`.breadcrumb a, .breadcrumbs a, nav[aria-label="breadcrumb"] a`).Each(func(_ int, sel *goquery.Selection) {
		add(sel)
	})
	return refs
}

// bestImage picks the article's primary image. og:image wins outright;
// otherwise inline images are scored on dimensions and penalized for
// icon/logo/avatar hints.
func bestImage(doc *goquery.Document, pageURL string) string {
	if og, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}

	base, _ := url.Parse(pageURL)
	bestScore := 0
	best := ""
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		score := scoreImage(sel, src)
		if score > bestScore {
			bestScore = score
			best = src
		}
	})
	if best == "" {
		return ""
	}
	if base != nil {
		if u, err := url.Parse(best); err == nil {
			return base.ResolveReference(u).String()
		}
	}
	return best
}

var badImageHints = []string{"icon", "logo", "avatar", "sprite", "pixel", "badge", "button"}

func scoreImage(sel *goquery.Selection, src string) int {
	score := 10
	lower := strings.ToLower(src)
	for _, hint := range badImageHints {
		if strings.Contains(lower, hint) {
			return 0
		}
	}
	width := attrInt(sel, "width")
	height := attrInt(sel, "height")
	if width > 0 && height > 0 {
		if width < 100 || height < 100 {
			return 0
		}
		score += (width * height) / 10000
	}
	if alt, ok := sel.Attr("alt"); ok && strings.TrimSpace(alt) != "" {
		score += 5
	}
	return score
}

func attrInt(sel *goquery.Selection, name string) int {
	raw, ok := sel.Attr(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(raw, "px")))
	if err != nil {
		return 0
	}
	return n
}

// parseDate runs araddon/dateparse over a raw date string, returning nil
// for anything it cannot make sense of.
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	ts, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil
	}
	return &ts
}

// metaDate checks the usual meta tags for a publish timestamp.
func metaDate(doc *goquery.Document) *time.Time {
	selectors := []string{
		`meta[property="article:published_time"]`,
		`meta[name="publish-date"]`,
		`meta[name="date"]`,
		`time[datetime]`,
	}
	for _, selector := range selectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		raw, ok := sel.Attr("content")
		if !ok {
			raw, ok = sel.Attr("datetime")
		}
		if !ok {
			continue
		}
		if ts := parseDate(raw); ts != nil {
			return ts
		}
	}
	return nil
}
