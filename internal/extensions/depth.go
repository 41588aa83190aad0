package extensions

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// MetaDepth records how many links away from a start request a request is.
const MetaDepth = "depth"

// Depth stamps every request with its link depth and drops discovered
// requests deeper than max. A max of zero means unlimited.
type Depth struct {
	crawler.BaseExtension
	max    int
	logger *zap.Logger
}

// NewDepth builds the depth extension.
func NewDepth(maxDepth int, logger *zap.Logger) *Depth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Depth{max: maxDepth, logger: logger.Named("depth")}
}

// HandleStartRequests marks start requests as depth 0.
func (d *Depth) HandleStartRequests(_ context.Context, results []any) ([]any, error) {
	for _, r := range results {
		if req, ok := r.(*crawler.Request); ok && req != nil {
			if req.Meta == nil {
				req.Meta = map[string]any{}
			}
			if _, set := req.Meta[MetaDepth]; !set {
				req.Meta[MetaDepth] = 0
			}
		}
	}
	return results, nil
}

// HandleSpiderOutput sets child depth to parent depth + 1 and filters
// requests past the limit. Items pass through.
func (d *Depth) HandleSpiderOutput(_ context.Context, resp *crawler.Response, results []any) ([]any, error) {
	parent := depthOf(resp.Request)
	out := make([]any, 0, len(results))
	for _, r := range results {
		req, ok := r.(*crawler.Request)
		if !ok || req == nil {
			out = append(out, r)
			continue
		}
		depth := parent + 1
		if d.max > 0 && depth > d.max {
			d.logger.Debug("ignoring link beyond max depth",
				zap.Stringer("request", req),
				zap.Int("depth", depth),
				zap.Int("max_depth", d.max),
			)
			continue
		}
		if req.Meta == nil {
			req.Meta = map[string]any{}
		}
		req.Meta[MetaDepth] = depth
		out = append(out, req)
	}
	return out, nil
}

func depthOf(req *crawler.Request) int {
	if req == nil {
		return 0
	}
	if n, ok := req.Meta[MetaDepth].(int); ok {
		return n
	}
	return 0
}
