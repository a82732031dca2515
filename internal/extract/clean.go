package extract

import (
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// Selectors removed from article bodies before conversion: navigation,
// ads, share widgets, tag lists, comment sections.
var boilerplateSelectors = []string{
	"nav", "header", "footer", "aside", "form", "iframe",
	"script", "style", "noscript",
	".nav", ".navbar", ".menu", ".sidebar",
	".ad", ".ads", ".advertisement", "[class*=banner]",
	".share", ".social", ".share-buttons", "[class*=share-]",
	".comments", "#comments", ".comment-section",
	".related", ".related-posts", ".recommended",
	".newsletter", ".subscribe", ".paywall",
	".tags", ".tag-list", ".post-tags",
}

// cleaner turns a raw article body fragment into sanitized HTML and the
// canonical markdown representation.
type cleaner struct {
	sanitizer *bluemonday.Policy
	converter *md.Converter
}

func newCleaner() *cleaner {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("src", "alt", "title").OnElements("img")

	converter := md.NewConverter("", true, nil)
	return &cleaner{
		sanitizer: policy,
		converter: converter,
	}
}

// Clean strips boilerplate from the body selection, sanitizes the
// remaining HTML, and converts it to markdown. The markdown is the
// canonical stored content; empty markdown means the strategy failed.
func (c *cleaner) Clean(body *goquery.Selection) (cleanedHTML, markdown string, err error) {
	clone := body.Clone()
	for _, selector := range boilerplateSelectors {
		clone.Find(selector).Remove()
	}

	rawHTML, err := goquery.OuterHtml(clone)
	if err != nil {
		return "", "", fmt.Errorf("serialize body: %w", err)
	}

	cleanedHTML = c.sanitizer.Sanitize(rawHTML)
	markdown, err = c.converter.ConvertString(cleanedHTML)
	if err != nil {
		return "", "", fmt.Errorf("convert markdown: %w", err)
	}
	return cleanedHTML, normalizeWhitespace(markdown), nil
}

// CleanHTMLString is Clean for strategies that hold an HTML fragment
// rather than a goquery selection.
func (c *cleaner) CleanHTMLString(fragment string) (cleanedHTML, markdown string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return "", "", fmt.Errorf("parse fragment: %w", err)
	}
	return c.Clean(doc.Selection.Find("body"))
}

func normalizeWhitespace(markdown string) string {
	lines := strings.Split(markdown, "\n")
	var out []string
	blankRun := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blankRun = 0
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
