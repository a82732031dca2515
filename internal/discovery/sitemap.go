package discovery

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

// sitemapEntry is one <url> or <sitemap> element. Both document kinds
// share the loc/lastmod shape.
type sitemapEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type sitemapDoc struct {
	XMLName  xml.Name       `xml:""`
	URLs     []sitemapEntry `xml:"url"`
	Sitemaps []sitemapEntry `xml:"sitemap"`
}

// discoverSitemap walks the sitemap tree starting from the website's
// configured sitemap (or /sitemap.xml), following nested indexes up to
// maxDepth. Malformed entries are skipped and logged, never fatal for
// the rest of the document.
func (e *Engine) discoverSitemap(ctx context.Context, site pipeline.Website, seen dedupSet) ([]pipeline.Candidate, error) {
	start := site.SitemapURL
	if start == "" {
		start = strings.TrimSuffix(site.BaseURL, "/") + "/sitemap.xml"
	}

	var out []pipeline.Candidate
	if err := e.walkSitemap(ctx, site, start, 0, seen, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (e *Engine) walkSitemap(
	ctx context.Context,
	site pipeline.Website,
	sitemapURL string,
	depth int,
	seen dedupSet,
	out *[]pipeline.Candidate,
) error {
	maxDepth := e.cfg.MaxSitemapDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if depth > maxDepth {
		return nil
	}

	resp, err := e.client.Fetch(ctx, fetch.Request{URL: sitemapURL})
	if err != nil {
		return fmt.Errorf("fetch sitemap %s: %w", sitemapURL, err)
	}

	body, err := maybeGunzip(resp.Body, sitemapURL, resp.Headers.Get("Content-Type"))
	if err != nil {
		return &pipeline.ParseError{Source: sitemapURL, Err: err}
	}

	doc, err := parseSitemap(body)
	if err != nil {
		return &pipeline.ParseError{Source: sitemapURL, Err: err}
	}

	for _, child := range doc.Sitemaps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		loc := strings.TrimSpace(child.Loc)
		if loc == "" {
			continue
		}
		if err := e.walkSitemap(ctx, site, loc, depth+1, seen, out); err != nil {
			// A broken nested sitemap costs its own subtree only.
			e.logger.Warn("nested sitemap failed",
				zap.String("sitemap", loc),
				zap.Error(err),
			)
		}
	}

	baseHost := hostOf(site.BaseURL)
	for _, entry := range doc.URLs {
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			continue
		}
		canonical, err := CanonicalURL(loc)
		if err != nil {
			e.logger.Debug("skipping malformed sitemap entry", zap.String("loc", loc), zap.Error(err))
			continue
		}
		if !IsArticleURL(canonical, baseHost) || !seen.add(canonical) {
			continue
		}
		*out = append(*out, pipeline.Candidate{
			URL:          canonical,
			Method:       pipeline.MethodSitemap,
			LastModified: parseLastMod(entry.LastMod),
		})
	}
	return nil
}

// parseSitemap decodes a urlset or sitemapindex document, tolerating
// junk elements by decoding token-by-token and skipping what it cannot
// understand.
func parseSitemap(body []byte) (sitemapDoc, error) {
	var doc sitemapDoc
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.Strict = false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever decoded before the document broke.
			if len(doc.URLs) > 0 || len(doc.Sitemaps) > 0 {
				return doc, nil
			}
			return doc, fmt.Errorf("decode sitemap: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "url":
			var entry sitemapEntry
			if err := decoder.DecodeElement(&entry, &start); err != nil {
				continue
			}
			doc.URLs = append(doc.URLs, entry)
		case "sitemap":
			var entry sitemapEntry
			if err := decoder.DecodeElement(&entry, &start); err != nil {
				continue
			}
			doc.Sitemaps = append(doc.Sitemaps, entry)
		}
	}
	if len(doc.URLs) == 0 && len(doc.Sitemaps) == 0 {
		return doc, fmt.Errorf("no url or sitemap entries found")
	}
	return doc, nil
}

func maybeGunzip(body []byte, sourceURL, contentType string) ([]byte, error) {
	gzipped := strings.HasSuffix(sourceURL, ".gz") ||
		strings.Contains(contentType, "gzip") ||
		(len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b)
	if !gzipped {
		return body, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer reader.Close()
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	return decompressed, nil
}

var lastModLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
}

func parseLastMod(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range lastModLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return &ts
		}
	}
	return nil
}
