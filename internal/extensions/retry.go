package extensions

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/metrics"
)

// MetaRetryTimes counts how many times a request has been retried.
const MetaRetryTimes = "retry_times"

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ExponentialRetryPolicy decides when and how long to back off between
// attempts, with jitter.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy; zero values fall back to 3
// attempts, 250ms base and 5s cap.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		maxAttempts: 3,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		p.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		p.maxDelay = maxDelay
	}
	return p
}

// ShouldRetry reports whether a request that failed with err on the given
// zero-based attempt deserves another try.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *crawler.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Response() != nil && retryableStatus[httpErr.Response().Status]
	}
	var clientErr *crawler.ClientError
	if errors.As(err, &clientErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Backoff returns the wait before the next attempt.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Retry reschedules requests that failed with a transient error.
type Retry struct {
	crawler.BaseExtension
	policy *ExponentialRetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// NewRetry builds the retry extension.
func NewRetry(policy *ExponentialRetryPolicy, logger *zap.Logger) *Retry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retry{policy: policy, sleep: sleepWithContext, logger: logger.Named("retry")}
}

// HandleError returns a copy of req to reschedule, or passes when the error
// is permanent or attempts are exhausted.
func (r *Retry) HandleError(ctx context.Context, req *crawler.Request, err error) (*crawler.Request, *crawler.Response, error) {
	attempt := retryTimes(req)
	if !r.policy.ShouldRetry(err, attempt) {
		if attempt > 0 {
			r.logger.Debug("gave up retrying", zap.Stringer("request", req), zap.Int("attempts", attempt), zap.Error(err))
		}
		return nil, nil, nil
	}
	delay := r.policy.Backoff(attempt)
	r.logger.Debug("retrying request",
		zap.Stringer("request", req),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	if serr := r.sleep(ctx, delay); serr != nil {
		return nil, nil, serr
	}
	metrics.ObserveRetry(req.URL)
	return req.Replace(
		crawler.WithDontFilter(true),
		crawler.WithMeta(MetaRetryTimes, attempt+1),
	), nil, nil
}

func retryTimes(req *crawler.Request) int {
	if n, ok := req.Meta[MetaRetryTimes].(int); ok {
		return n
	}
	return 0
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
