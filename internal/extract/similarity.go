package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/dmaraist/newsgather/internal/pipeline"
)

// Similarity extracts the article body without a schema: it scores the
// page's text blocks on how much they look like prose (text mass,
// paragraph density, low link density) and takes the best cluster. When
// block scoring is inconclusive it falls back to a readability pass over
// the whole document. Second in the chain, for domains with no schema.
type Similarity struct {
	cleaner *cleaner
}

// NewSimilarity builds the strategy.
func NewSimilarity() *Similarity {
	return &Similarity{cleaner: newCleaner()}
}

// Name implements Strategy.
func (s *Similarity) Name() pipeline.StrategyName { return pipeline.StrategySimilarity }

// Minimum prose score for a block to win outright; below this the
// readability fallback decides.
const minBlockScore = 200.0

// Extract implements Strategy.
func (s *Similarity) Extract(_ context.Context, page *Page) (*pipeline.ExtractResult, error) {
	title := metaTitle(page.Doc)

	var bodyHTML string
	if best := bestTextBlock(page.Doc); best != nil {
		html, err := goquery.OuterHtml(best)
		if err == nil {
			bodyHTML = html
		}
	}

	if bodyHTML == "" {
		readTitle, readHTML, err := readabilityPass(page)
		if err != nil {
			return nil, err
		}
		bodyHTML = readHTML
		if title == "" {
			title = readTitle
		}
	}

	_, markdown, err := s.cleaner.CleanHTMLString(bodyHTML)
	if err != nil {
		return nil, fmt.Errorf("clean body: %w", err)
	}
	if title == "" || strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("no title or body cluster found")
	}

	return &pipeline.ExtractResult{
		Title:       title,
		Author:      firstText(page.Doc, `[rel="author"], .author-name, .byline, meta[name="author"]`),
		PublishedAt: metaDate(page.Doc),
		RawHTML:     bodyHTML,
		Markdown:    markdown,
		Strategy:    pipeline.StrategySimilarity,
	}, nil
}

// bestTextBlock scores candidate containers and returns the winner, or
// nil when nothing clears the threshold.
func bestTextBlock(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestScore := minBlockScore

	doc.Find("article, main, section, div").Each(func(_ int, sel *goquery.Selection) {
		score := proseScore(sel)
		if score > bestScore {
			bestScore = score
			best = sel
		}
	})
	return best
}

// proseScore measures how article-like a block's text is. Link-heavy
// blocks (navs, listings) score near zero.
func proseScore(sel *goquery.Selection) float64 {
	text := strings.TrimSpace(sel.Text())
	textLen := float64(len(text))
	if textLen < 250 {
		return 0
	}

	linkLen := 0.0
	sel.Find("a").Each(func(_ int, a *goquery.Selection) {
		linkLen += float64(len(strings.TrimSpace(a.Text())))
	})
	linkDensity := linkLen / textLen
	if linkDensity > 0.5 {
		return 0
	}

	paragraphs := float64(sel.Find("p").Length())
	commas := float64(strings.Count(text, ",") + strings.Count(text, "."))

	return textLen*(1-linkDensity) + paragraphs*25 + commas*2
}

func readabilityPass(page *Page) (title, bodyHTML string, err error) {
	parsedURL, err := url.Parse(page.URL)
	if err != nil {
		return "", "", fmt.Errorf("parse page url: %w", err)
	}
	article, err := readability.FromReader(strings.NewReader(page.HTML), parsedURL)
	if err != nil {
		return "", "", fmt.Errorf("readability: %w", err)
	}
	return strings.TrimSpace(article.Title), strings.TrimSpace(article.Content), nil
}
