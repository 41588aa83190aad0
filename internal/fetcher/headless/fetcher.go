// Package headless renders pages in headless Chrome through chromedp.
package headless

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// ErrUnsupportedMethod is returned for anything but GET.
var ErrUnsupportedMethod = errors.New("headless transport only supports GET")

// Config controls the browser.
type Config struct {
	MaxParallel int
	UserAgent   string
	Timeout     time.Duration
	// WaitSelector must be ready before the DOM is captured.
	WaitSelector string
	// SettleDelay lets late scripts finish after WaitSelector is ready.
	SettleDelay time.Duration
}

// Fetcher returns the rendered DOM as the response body.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New starts an exec allocator. The browser itself launches on first fetch.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Fetcher{cfg: cfg, slots: slots, allocator: allocCtx, allocCancel: allocCancel}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates to the request URL and captures the document.
func (f *Fetcher) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, &crawler.ClientError{Request: req, Err: ErrUnsupportedMethod}
	}
	target, err := req.TargetURL()
	if err != nil {
		return nil, &crawler.ClientError{Request: req, Err: err}
	}
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.timeout(req))
	defer cancel()

	meta := newDocumentMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	var html, finalURL string
	err = chromedp.Run(tabCtx,
		f.setupAction(req),
		chromedp.Navigate(target),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
	}
	if err != nil {
		return nil, &crawler.ClientError{Request: req, Err: fmt.Errorf("chromedp run: %w", err)}
	}

	status, headers, docURL := meta.snapshot(target, finalURL)
	resp := &crawler.Response{
		URL:      docURL,
		Status:   status,
		Headers:  headers,
		Body:     []byte(html),
		Request:  req,
		Duration: time.Since(start),
	}
	if status >= http.StatusBadRequest {
		return nil, &crawler.HTTPError{Resp: resp}
	}
	return resp, nil
}

func (f *Fetcher) setupAction(req *crawler.Request) chromedp.Action {
	headers := req.Headers.Clone()
	if req.Auth != nil {
		if headers == nil {
			headers = http.Header{}
		}
		creds := base64.StdEncoding.EncodeToString([]byte(req.Auth.Username + ":" + req.Auth.Password))
		headers.Set("Authorization", "Basic "+creds)
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) timeout(req *crawler.Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return f.cfg.Timeout
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots != nil {
		<-f.slots
	}
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
