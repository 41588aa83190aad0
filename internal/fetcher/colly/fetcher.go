// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Config sets defaults applied when a request leaves a setting open.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	VerifyTLS       bool
	FollowRedirects bool
	Proxy           string
	MaxBodySize     int
}

// DefaultConfig mirrors a plain browser-like client.
func DefaultConfig() Config {
	return Config{
		UserAgent:       "crawlengine/1.0",
		Timeout:         crawler.DefaultTimeout,
		VerifyTLS:       true,
		FollowRedirects: true,
	}
}

// Fetcher runs each request through a fresh single-use collector sharing one
// pooled transport and cookie jar.
type Fetcher struct {
	cfg       Config
	transport *http.Transport
	jar       http.CookieJar
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	jar, _ := cookiejar.New(nil)
	if cfg.Timeout <= 0 {
		cfg.Timeout = crawler.DefaultTimeout
	}
	return &Fetcher{cfg: cfg, transport: newHTTPTransport(), jar: jar}
}

// Fetch performs req. Status codes of 400 and above are returned as
// *crawler.HTTPError with the response attached; failures without a response
// are *crawler.ClientError.
func (f *Fetcher) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	target, err := req.TargetURL()
	if err != nil {
		return nil, &crawler.ClientError{Request: req, Err: err}
	}
	body, err := req.BodyBytes()
	if err != nil {
		return nil, &crawler.ClientError{Request: req, Err: err}
	}
	collector, err := f.buildCollector(req)
	if err != nil {
		return nil, &crawler.ClientError{Request: req, Err: err}
	}

	var (
		resp     *crawler.Response
		fetchErr error
	)
	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		resp = &crawler.Response{
			URL:      r.Request.URL.String(),
			Status:   r.StatusCode,
			Headers:  r.Headers.Clone(),
			Body:     append([]byte(nil), r.Body...),
			Request:  req,
			Duration: time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := f.runCollector(ctx, collector, req, target, body); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, &crawler.ClientError{Request: req, Err: fetchErr}
	}
	if resp == nil {
		return nil, &crawler.ClientError{Request: req, Err: errors.New("no response received")}
	}
	if resp.Status >= http.StatusBadRequest {
		return nil, &crawler.HTTPError{Resp: resp}
	}
	return resp, nil
}

func (f *Fetcher) buildCollector(req *crawler.Request) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.MaxBodySize > 0 {
		opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodySize))
	}
	collector := colly.NewCollector(opts...)
	collector.SetCookieJar(f.jar)

	transport, err := f.transportFor(req)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)

	follow := f.cfg.FollowRedirects
	if req.AllowRedirects != nil {
		follow = *req.AllowRedirects
	}
	if !follow {
		collector.SetRedirectHandler(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})
	}
	return collector, nil
}

// transportFor returns the shared transport unless the request needs its own
// proxy or TLS settings.
func (f *Fetcher) transportFor(req *crawler.Request) (http.RoundTripper, error) {
	proxy := f.cfg.Proxy
	if req.Proxy != "" {
		proxy = req.Proxy
	}
	verify := f.cfg.VerifyTLS
	if req.VerifyTLS != nil {
		verify = *req.VerifyTLS
	}
	if proxy == "" && verify {
		return f.transport, nil
	}
	t := f.transport.Clone()
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	if !verify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opted out per request
	}
	return t, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, req *crawler.Request, target string, body []byte) error {
	hdr := req.Headers.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	if req.JSON != nil && hdr.Get("Content-Type") == "" {
		hdr.Set("Content-Type", "application/json")
	}
	if req.Auth != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(req.Auth.Username + ":" + req.Auth.Password))
		hdr.Set("Authorization", "Basic "+creds)
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(req.Method, target, bytesReader(body), nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return &crawler.ClientError{Request: req, Err: err}
		}
		return nil
	}
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
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}
