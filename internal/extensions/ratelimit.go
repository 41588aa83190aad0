package extensions

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/metrics"
)

// Limiter hands out per-domain tokens.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// NewLimiter builds a limiter allowing rps requests per second per domain.
// A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the URL's domain.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = strings.ToLower(u.Hostname())
	}
	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// RateLimit delays requests so each domain sees at most the configured rate.
type RateLimit struct {
	crawler.BaseExtension
	limiter *Limiter
}

// NewRateLimit builds the rate limiting extension.
func NewRateLimit(limiter *Limiter) *RateLimit {
	return &RateLimit{limiter: limiter}
}

// HandleRequest waits for a token; it only fails when ctx ends.
func (r *RateLimit) HandleRequest(ctx context.Context, req *crawler.Request) (*crawler.Request, *crawler.Response, error) {
	if err := r.limiter.Wait(ctx, req.URL); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}
