package discovery

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Path patterns that identify listing or meta pages rather than articles.
var nonArticlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/tags?/`),
	regexp.MustCompile(`(?i)/authors?/`),
	regexp.MustCompile(`(?i)/page/\d+`),
	regexp.MustCompile(`(?i)[?&]page=\d+`),
	regexp.MustCompile(`(?i)/search[/?]`),
	regexp.MustCompile(`(?i)/wp-(admin|login|json)`),
	regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|svg|css|js|pdf|zip|xml|ico)$`),
	regexp.MustCompile(`(?i)/(privacy|terms|about|contact|advertise|subscribe|newsletter|feed|rss)(/|$)`),
}

// Query parameters that only carry tracking state.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"mc_cid":       {},
	"mc_eid":       {},
	"ref":          {},
}

// CanonicalURL normalizes a URL so two spellings of the same article
// compare equal: lowercased scheme/host, default ports and fragments
// removed, tracking parameters stripped, no trailing slash on paths.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""

	q := u.Query()
	for param := range trackingParams {
		q.Del(param)
	}
	u.RawQuery = q.Encode()

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// IsArticleURL applies the non-article classifier. baseHost restricts
// candidates to the website's own host (www. prefixes compare equal).
func IsArticleURL(rawURL, baseHost string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !sameHost(u.Hostname(), baseHost) {
		return false
	}
	if u.Path == "" || u.Path == "/" {
		return false
	}
	full := u.Path
	if u.RawQuery != "" {
		full += "?" + u.RawQuery
	}
	for _, pattern := range nonArticlePatterns {
		if pattern.MatchString(full) {
			return false
		}
	}
	return true
}

func sameHost(a, b string) bool {
	return strings.TrimPrefix(strings.ToLower(a), "www.") == strings.TrimPrefix(strings.ToLower(b), "www.")
}

// dedupSet tracks canonical URLs already produced in a discovery run.
type dedupSet map[string]struct{}

// add reports true when canonical was not seen before.
func (s dedupSet) add(canonical string) bool {
	if _, ok := s[canonical]; ok {
		return false
	}
	s[canonical] = struct{}{}
	return true
}
