package extensions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/metrics"
)

const maxRobotsBytes = 1 << 20

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Robots drops requests disallowed by the target host's robots.txt.
// Hosts whose robots.txt cannot be fetched are treated as allow-all.
type Robots struct {
	crawler.BaseExtension
	client    *http.Client
	cache     sync.Map
	userAgent string
	logger    *zap.Logger
}

// NewRobots builds the robots extension. A nil client gets one with the
// given timeout and a transport that retries timeouts.
func NewRobots(client *http.Client, userAgent string, timeout time.Duration, logger *zap.Logger) *Robots {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: &retryingTransport{base: http.DefaultTransport, backoff: robotsRetryBackoff},
		}
	}
	if userAgent == "" {
		userAgent = "*"
	}
	return &Robots{client: client, userAgent: userAgent, logger: logger.Named("robots")}
}

// HandleRequest ignores requests robots.txt forbids.
func (r *Robots) HandleRequest(ctx context.Context, req *crawler.Request) (*crawler.Request, *crawler.Response, error) {
	if !r.Allowed(ctx, req.URL) {
		return nil, nil, fmt.Errorf("%w: forbidden by robots.txt: %s", crawler.ErrIgnoreRequest, req.URL)
	}
	return nil, nil, nil
}

// Allowed reports whether rawURL may be fetched.
func (r *Robots) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return true
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		metrics.ObserveRobotsFailure()
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.EscapedPath())
}

func (r *Robots) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := r.cache.Load(hostKey); ok {
		data, assertOK := cached.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	r.cache.Store(hostKey, data)
	return data, nil
}

// retryingTransport retries transient timeouts while fetching robots.txt
// and falls back to an allow-all document once the backoff is exhausted.
type retryingTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
}

func (t *retryingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		clone := req.Clone(req.Context())
		resp, err := t.base.RoundTrip(clone)
		if err == nil {
			return resp, nil
		}
		if !isTransientNetError(err) || req.Context().Err() != nil {
			return nil, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt >= len(t.backoff) {
			return allowAllRobots(req), nil
		}
		if serr := sleepWithContext(req.Context(), t.backoff[attempt]); serr != nil {
			return nil, serr
		}
	}
}

func isTransientNetError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func allowAllRobots(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}
