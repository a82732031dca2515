package guard

import (
	"strings"
	"sync"
)

const defaultUserAgent = "newsgather-bot/1.0"

// identityPool hands out user agents from a configured pool. In
// per-request mode every call advances the pool; otherwise each domain
// keeps a stable identity until a soft-block forces a rotation.
type identityPool struct {
	mu         sync.Mutex
	agents     []string
	next       int
	perRequest bool
	sessions   map[string]string
}

func newIdentityPool(agents []string, perRequest bool) *identityPool {
	if len(agents) == 0 {
		agents = []string{defaultUserAgent}
	}
	return &identityPool{
		agents:     agents,
		perRequest: perRequest,
		sessions:   make(map[string]string),
	}
}

func (p *identityPool) userAgent(domain string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perRequest {
		return p.advanceLocked()
	}
	key := strings.ToLower(domain)
	if ua, ok := p.sessions[key]; ok {
		return ua
	}
	ua := p.advanceLocked()
	p.sessions[key] = ua
	return ua
}

// rotate discards the domain's session identity so the next request
// presents a fresh one.
func (p *identityPool) rotate(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, strings.ToLower(domain))
}

func (p *identityPool) advanceLocked() string {
	ua := p.agents[p.next%len(p.agents)]
	p.next++
	return ua
}
