// Package guard paces outbound requests per domain and reacts to
// anti-scraping signals. Every component that touches the network holds a
// reference to one shared Guard; there is no ambient global state.
package guard

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dmaraist/newsgather/internal/metrics"
	"github.com/dmaraist/newsgather/internal/pipeline"
)

// Config holds guard configuration.
type Config struct {
	DefaultRPS       float64
	DefaultBurst     int
	UserAgents       []string
	RotatePerRequest bool
	BreakerThreshold int
	Cooldown         time.Duration
}

// Guard manages per-domain rate limits, user-agent rotation, and the
// per-domain circuit breaker.
type Guard struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int

	identity *identityPool
	breaker  *breaker
	logger   *zap.Logger
}

// New creates a Guard.
func New(cfg Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Guard{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		identity:     newIdentityPool(cfg.UserAgents, cfg.RotatePerRequest),
		breaker:      newBreaker(cfg.BreakerThreshold, cfg.Cooldown),
		logger:       logger,
	}
}

// Wait blocks until a token is available for the URL's domain, respecting
// the context. If the domain's circuit breaker is open it fails fast with
// a RateLimitBlocked error instead of waiting.
func (g *Guard) Wait(ctx context.Context, rawURL string) error {
	domain := domainOf(rawURL)

	if until, open := g.breaker.openUntil(domain); open {
		return &pipeline.RateLimitBlocked{
			Domain: domain,
			Until:  until.Format(time.RFC3339),
		}
	}

	g.mu.Lock()
	limiter, exists := g.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(g.defaultRate, g.defaultBurst)
		g.limiters[domain] = limiter
	}
	g.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// UserAgent returns the identity to present for the URL's domain.
func (g *Guard) UserAgent(rawURL string) string {
	return g.identity.userAgent(domainOf(rawURL))
}

// ReportResult feeds the fetch outcome back into the guard. Soft-block
// signals (429, 403, CAPTCHA markers) rotate the domain's identity and
// count toward the circuit breaker; a success resets the count.
func (g *Guard) ReportResult(rawURL string, statusCode int, body []byte) {
	domain := domainOf(rawURL)
	if !isSoftBlock(statusCode, body) {
		g.breaker.reset(domain)
		return
	}

	g.identity.rotate(domain)
	if g.breaker.markFailure(domain) {
		metrics.ObserveBreakerOpen(domain)
		g.logger.Warn("circuit breaker opened",
			zap.String("domain", domain),
			zap.Int("status", statusCode),
		)
	}
}

// Blocked reports whether the domain's circuit breaker is currently open.
func (g *Guard) Blocked(rawURL string) bool {
	_, open := g.breaker.openUntil(domainOf(rawURL))
	return open
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
