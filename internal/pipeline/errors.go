package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass groups failures by how the retry policy treats them.
type ErrorClass string

// Failure classes. Unknown failures are retried like transient ones but
// logged distinctly for operator review.
const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassUnknown   ErrorClass = "unknown"
)

// NetworkError wraps timeouts, refused connections, and DNS failures.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError reports a non-success HTTP status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d fetching %s", e.StatusCode, e.URL)
}

// Transient reports whether the status is worth retrying. 429 and the 5xx
// family are transient; 404/410 mean the resource is gone.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ParseError reports a malformed document (sitemap XML, feed, HTML).
// Permanent for that document, but never aborts the batch.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractionFailure means every strategy in the chain was exhausted.
type ExtractionFailure struct {
	URL      string
	Attempts []StrategyName
	Err      error
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extraction exhausted %d strategies for %s: %v", len(e.Attempts), e.URL, e.Err)
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }

// RateLimitBlocked is returned while a domain's circuit breaker is open.
// The whole domain pauses; individual URLs stay pending.
type RateLimitBlocked struct {
	Domain string
	Until  string
}

func (e *RateLimitBlocked) Error() string {
	return fmt.Sprintf("domain %s blocked by circuit breaker until %s", e.Domain, e.Until)
}

// Classify maps an error onto the retry taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Transient() {
			return ClassTransient
		}
		return ClassPermanent
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return ClassPermanent
	}
	var exErr *ExtractionFailure
	if errors.As(err, &exErr) {
		return ClassPermanent
	}
	var blocked *RateLimitBlocked
	if errors.As(err, &blocked) {
		return ClassTransient
	}
	var stdNetErr net.Error
	if errors.As(err, &stdNetErr) {
		if stdNetErr.Timeout() {
			return ClassTransient
		}
		return ClassUnknown
	}
	return ClassUnknown
}

// ErrorKind returns the taxonomy name recorded on ScrapingError rows.
func ErrorKind(err error) string {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "NetworkError"
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return "HttpError"
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return "ParseError"
	}
	var exErr *ExtractionFailure
	if errors.As(err, &exErr) {
		return "ExtractionFailure"
	}
	var blocked *RateLimitBlocked
	if errors.As(err, &blocked) {
		return "RateLimitBlocked"
	}
	return "Unknown"
}
