package guard

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

const (
	defaultBreakerThreshold = 5
	defaultCooldown         = 5 * time.Minute
)

// breaker tracks sustained soft-block signals per domain and suspends a
// domain for a cooldown window once the threshold is crossed.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	counts    map[string]int
	openedAt  map[string]time.Time
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		counts:    make(map[string]int),
		openedAt:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// markFailure increments the counter for domain and returns true the
// moment the breaker trips open.
func (b *breaker) markFailure(domain string) bool {
	key := strings.ToLower(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, open := b.openedAt[key]; open {
		return false
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.openedAt[key] = b.now()
		return true
	}
	return false
}

// openUntil reports whether the domain is suspended and until when. An
// expired cooldown closes the breaker half-open: the count resets so one
// more burst of failures is needed to trip it again.
func (b *breaker) openUntil(domain string) (time.Time, bool) {
	key := strings.ToLower(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	opened, ok := b.openedAt[key]
	if !ok {
		return time.Time{}, false
	}
	until := opened.Add(b.cooldown)
	if b.now().After(until) {
		delete(b.openedAt, key)
		b.counts[key] = 0
		return time.Time{}, false
	}
	return until, true
}

func (b *breaker) reset(domain string) {
	key := strings.ToLower(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, open := b.openedAt[key]; !open {
		b.counts[key] = 0
	}
}

var captchaMarkers = [][]byte{
	[]byte("g-recaptcha"),
	[]byte("cf-challenge"),
	[]byte("hcaptcha"),
	[]byte("Are you a robot"),
}

// isSoftBlock detects rate limiting and anti-bot challenges from the
// response. 403 counts because sustained 403s on a site that served
// content before usually mean an IP-level ban, not a missing page.
func isSoftBlock(statusCode int, body []byte) bool {
	if statusCode == 429 || statusCode == 403 {
		return true
	}
	if statusCode != 200 || len(body) == 0 {
		return false
	}
	for _, marker := range captchaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}
