// Package extensions provides the stock pipeline extensions: link depth
// limits, retries, per-domain rate limiting, robots.txt and item export.
package extensions

import (
	"time"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Extension identifiers accepted by Registry.
const (
	NameDepth     = "depth"
	NameRetry     = "retry"
	NameRateLimit = "ratelimit"
	NameRobots    = "robots"
	NameExport    = "export"
)

// Settings configures every stock extension. A zero section leaves its
// extension disabled where that makes sense.
type Settings struct {
	MaxDepth  int
	RateLimit RateLimitSettings
	Robots    RobotsSettings
	Retry     RetrySettings
	Export    ExportSettings
}

// RateLimitSettings caps requests per domain.
type RateLimitSettings struct {
	RPS   float64
	Burst int
}

// RobotsSettings toggles robots.txt enforcement.
type RobotsSettings struct {
	Enabled   bool
	UserAgent string
	Timeout   time.Duration
}

// RetrySettings bounds retries of transient failures.
type RetrySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Registry returns the stock extension factories bound to settings.
func Registry(settings Settings) *crawler.Registry[crawler.ExtensionFactory] {
	reg := crawler.NewRegistry[crawler.ExtensionFactory]("extension")
	reg.Register(NameDepth, func(env crawler.ExtensionEnv) (crawler.Extension, error) {
		return NewDepth(settings.MaxDepth, env.Logger), nil
	})
	reg.Register(NameRetry, func(env crawler.ExtensionEnv) (crawler.Extension, error) {
		if settings.Retry.MaxAttempts < 0 {
			return nil, crawler.ErrNotEnabled
		}
		policy := NewExponentialRetryPolicy(settings.Retry.MaxAttempts, settings.Retry.BaseDelay, settings.Retry.MaxDelay)
		return NewRetry(policy, env.Logger), nil
	})
	reg.Register(NameRateLimit, func(crawler.ExtensionEnv) (crawler.Extension, error) {
		if settings.RateLimit.RPS <= 0 {
			return nil, crawler.ErrNotEnabled
		}
		return NewRateLimit(NewLimiter(settings.RateLimit.RPS, settings.RateLimit.Burst)), nil
	})
	reg.Register(NameRobots, func(env crawler.ExtensionEnv) (crawler.Extension, error) {
		if !settings.Robots.Enabled {
			return nil, crawler.ErrNotEnabled
		}
		return NewRobots(nil, settings.Robots.UserAgent, settings.Robots.Timeout, env.Logger), nil
	})
	reg.Register(NameExport, func(env crawler.ExtensionEnv) (crawler.Extension, error) {
		if settings.Export.Store == nil || settings.Export.Hasher == nil {
			return nil, crawler.ErrNotEnabled
		}
		return NewExport(settings.Export, env.RunID, env.Logger), nil
	})
	return reg
}
