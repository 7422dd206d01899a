package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/dndgpt/internal/identity"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a pool of token buckets keyed by anonymous user, falling
// back to the remote IP when no identity is present.
type RateLimiter struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	now   func() time.Time
}

// NewRateLimiter creates a limiter pool. Non-positive values fall back to
// 1 request per second with a burst of 10.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		now:   time.Now,
	}
}

func (p *RateLimiter) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = p.now()
		return e.limiter
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{limiter: l, lastSeen: p.now()}
	return l
}

// Allow consumes one token for key.
func (p *RateLimiter) Allow(key string) bool {
	return p.get(key).Allow()
}

// Prune drops buckets unused for longer than idle and returns how many were
// removed.
func (p *RateLimiter) Prune(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-idle)
	removed := 0
	for key, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (p *RateLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Middleware rejects requests over the limit with 429 and a plain-text body.
func (p *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := identity.UserIDFromContext(r.Context())
		if key == "" {
			key = "ip:" + identity.IPFromRequest(r)
		}
		if !p.Allow(key) {
			slog.Warn("Rate limited", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
