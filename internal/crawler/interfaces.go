package crawler

import (
	"context"
	"time"
)

// Queue holds requests waiting for a worker.
type Queue interface {
	Push(req *Request)
	Pop(ctx context.Context) (*Request, error)
	Len() int
}

// DupeFilter decides whether a request has been seen before.
type DupeFilter interface {
	IsDuplicated(req *Request) bool
}

// Fetcher performs the transport call for a request. Failures without a
// response are reported as *ClientError and error statuses as *HTTPError.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Spider produces the initial requests and parses responses.
type Spider interface {
	StartRequests(ctx context.Context) ([]*Request, error)
	Parse(ctx context.Context, resp *Response) ([]any, error)
}

// SpiderLifecycle is implemented by spiders that need setup and teardown
// around a run.
type SpiderLifecycle interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
