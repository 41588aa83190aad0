// Package auto fetches with a cheap HTTP probe and re-fetches through a
// browser only when the probed page looks like it needs script execution.
package auto

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// Detector decides whether a probed response must be rendered.
type Detector interface {
	NeedsRender(resp *crawler.Response) bool
}

// Fetcher tries probe first and promotes GET requests to render when the
// detector asks for it. A failed render falls back to the probe response.
type Fetcher struct {
	probe    crawler.Fetcher
	render   crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New wires the two transports. A nil detector uses NewHeuristic(0).
func New(probe, render crawler.Fetcher, detector Detector, logger *zap.Logger) (*Fetcher, error) {
	if probe == nil || render == nil {
		return nil, errors.New("auto fetcher needs probe and render transports")
	}
	if detector == nil {
		detector = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{probe: probe, render: render, detector: detector, logger: logger.Named("auto_fetcher")}, nil
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	resp, err := f.probe.Fetch(ctx, req)
	if err != nil || req.Method != http.MethodGet || !f.detector.NeedsRender(resp) {
		return resp, err
	}
	f.logger.Debug("promoting to headless", zap.String("url", req.URL))
	rendered, rerr := f.render.Fetch(ctx, req)
	if rerr != nil {
		if ctx.Err() != nil {
			return nil, rerr
		}
		f.logger.Warn("headless render failed, keeping probe response", zap.String("url", req.URL), zap.Error(rerr))
		return resp, nil
	}
	return rendered, nil
}
