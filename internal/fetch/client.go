// Package fetch performs guarded HTTP fetches for discovery and
// extraction. All requests go through the shared guard before touching
// the network.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/guard"
	"github.com/dmaraist/newsgather/internal/metrics"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
}

// Request captures everything needed to fetch a URL. ETag and
// LastModified, when set, turn the fetch into a conditional GET.
type Request struct {
	URL          string
	Headers      http.Header
	ETag         string
	LastModified string
}

// Response is the result of a fetch. NotModified is set on a 304 reply
// to a conditional request; Body is empty in that case.
type Response struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	NotModified bool
}

// Client fetches pages with Colly, paced and identified by the guard.
type Client struct {
	cfg           Config
	guard         *guard.Guard
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewClient builds a Client around a shared transport with pooling.
func NewClient(cfg Config, g *guard.Guard, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Client{
		cfg:           cfg,
		guard:         g,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single guarded HTTP GET. Non-2xx statuses come back
// as *pipeline.HTTPError, transport failures as *pipeline.NetworkError,
// and an open circuit breaker as *pipeline.RateLimitBlocked.
func (c *Client) Fetch(ctx context.Context, request Request) (Response, error) {
	if c.guard != nil {
		if err := c.guard.Wait(ctx, request.URL); err != nil {
			return Response{}, err
		}
	}

	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector := c.buildCollector(request, start, &result, &fetchErr)

	resp, err := c.runCollector(ctx, collector, request.URL, &result, &fetchErr)
	if err != nil {
		c.report(request.URL, resp.StatusCode, nil)
		return Response{}, err
	}

	c.report(request.URL, resp.StatusCode, resp.Body)
	metrics.ObservePageFetched(hostLabel(request.URL), strconv.Itoa(resp.StatusCode))
	return resp, nil
}

func (c *Client) buildCollector(request Request, start time.Time, result *Response, fetchErr *error) *colly.Collector {
	collector := c.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	if c.guard != nil {
		collector.UserAgent = c.guard.UserAgent(request.URL)
	}
	timeout := c.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
		if request.ETag != "" {
			r.Headers.Set("If-None-Match", request.ETag)
		}
		if request.LastModified != "" {
			r.Headers.Set("If-Modified-Since", request.LastModified)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result.StatusCode = r.StatusCode
			if r.Headers != nil {
				result.Headers = r.Headers.Clone()
			}
			if r.Request != nil && r.Request.URL != nil {
				result.URL = r.Request.URL.String()
			}
		}
		*fetchErr = err
	})

	return collector
}

// runCollector drives Visit on its own goroutine so a canceled caller
// returns immediately. The callbacks write through result and fetchErr;
// those are snapshotted only after Visit returns, inside the goroutine,
// so a caller that left on cancellation never races with them.
func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, result *Response, fetchErr *error) (Response, error) {
	type outcome struct {
		resp     Response
		visitErr error
		cbErr    error
	}
	done := make(chan outcome, 1)
	go func() {
		visitErr := collector.Visit(rawURL)
		done <- outcome{resp: *result, visitErr: visitErr, cbErr: *fetchErr}
	}()

	var out outcome
	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case out = <-done:
	}
	resp := out.resp
	if out.visitErr == nil && out.cbErr == nil {
		return resp, nil
	}

	// A 304 on a conditional GET surfaces through OnError; it is a
	// successful "nothing changed" answer, not a failure.
	if resp.StatusCode == http.StatusNotModified {
		resp.NotModified = true
		return resp, nil
	}
	err := out.cbErr
	if err == nil {
		err = out.visitErr
	}
	return resp, classifyFetchError(rawURL, resp.StatusCode, err)
}

// classifyFetchError maps raw transport errors onto the pipeline taxonomy
// so the retry policy can reason about them.
func classifyFetchError(rawURL string, statusCode int, err error) error {
	if statusCode >= 400 {
		return &pipeline.HTTPError{URL: rawURL, StatusCode: statusCode}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &pipeline.NetworkError{URL: rawURL, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &pipeline.NetworkError{URL: rawURL, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &pipeline.NetworkError{URL: rawURL, Err: err}
	}
	return fmt.Errorf("fetch %s: %w", rawURL, err)
}

func (c *Client) report(rawURL string, statusCode int, body []byte) {
	if c.guard == nil || statusCode == 0 {
		return
	}
	c.guard.ReportResult(rawURL, statusCode, body)
}

func hostLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
