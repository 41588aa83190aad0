package spider

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlengine/internal/crawler"
)

// MetaRequestIndex holds a StaticSpider request's position in its list.
const MetaRequestIndex = "request_index"

// Result is the outcome of one StaticSpider request: a response or an error.
type Result struct {
	Request  *crawler.Request
	Response *crawler.Response
	Err      error
}

// StaticSpider fetches a fixed list of requests once each, bypassing the
// duplicate gate, and records every outcome by position.
type StaticSpider struct {
	requests []*crawler.Request

	mu      sync.Mutex
	results []Result
}

// NewStaticSpider copies reqs so the caller's requests are left untouched.
func NewStaticSpider(reqs ...*crawler.Request) *StaticSpider {
	s := &StaticSpider{
		requests: make([]*crawler.Request, 0, len(reqs)),
		results:  make([]Result, len(reqs)),
	}
	for i, r := range reqs {
		s.requests = append(s.requests, r.Replace(
			crawler.WithDontFilter(true),
			crawler.WithMeta(MetaRequestIndex, i),
			crawler.WithCallback(s.record),
			crawler.WithErrback(s.recordError),
		))
		s.results[i].Request = r
	}
	return s
}

// NewStaticSpiderFromURLs builds GET requests for urls.
func NewStaticSpiderFromURLs(urls ...string) *StaticSpider {
	reqs := make([]*crawler.Request, len(urls))
	for i, u := range urls {
		reqs[i] = crawler.NewRequest(u)
	}
	return NewStaticSpider(reqs...)
}

// StartRequests returns the configured requests.
func (s *StaticSpider) StartRequests(context.Context) ([]*crawler.Request, error) {
	return s.requests, nil
}

// Parse records responses for requests without the spider's callback.
func (s *StaticSpider) Parse(ctx context.Context, resp *crawler.Response) ([]any, error) {
	return s.record(ctx, resp)
}

// Results returns one entry per configured request, in order. Entries with
// neither Response nor Err were never completed.
func (s *StaticSpider) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

func (s *StaticSpider) record(_ context.Context, resp *crawler.Response) ([]any, error) {
	s.set(resp.Request, func(r *Result) { r.Response, r.Err = resp, nil })
	return nil, nil
}

func (s *StaticSpider) recordError(_ context.Context, req *crawler.Request, err error) error {
	s.set(req, func(r *Result) { r.Response, r.Err = nil, err })
	return nil
}

func (s *StaticSpider) set(req *crawler.Request, apply func(*Result)) {
	if req == nil {
		return
	}
	i, ok := req.Meta[MetaRequestIndex].(int)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.results) {
		apply(&s.results[i])
	}
}
