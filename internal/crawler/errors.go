package crawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIgnoreRequest drops a request on purpose. It is reported through a
	// request_ignored event rather than as a failure.
	ErrIgnoreRequest = errors.New("request ignored")
	// ErrStopCrawler asks the Runner to shut the whole pool down.
	ErrStopCrawler = errors.New("stop crawler")
	// ErrNotEnabled is returned by an extension factory that declines to install.
	ErrNotEnabled = errors.New("extension not enabled")
	// ErrUnknownComponent is returned when a registry has no entry for a name.
	ErrUnknownComponent = errors.New("unknown component")
)

// ClientError reports a transport failure that produced no response.
type ClientError struct {
	Request *Request
	Err     error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Request, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Response is always nil for client errors.
func (e *ClientError) Response() *Response { return nil }

// HTTPError reports an error status. The response is kept for inspection.
type HTTPError struct {
	Resp *Response
}

func (e *HTTPError) Error() string {
	if e.Resp == nil {
		return "http error"
	}
	return fmt.Sprintf("http status %d for %s", e.Resp.Status, e.Resp.URL)
}

// Response returns the error response.
func (e *HTTPError) Response() *Response { return e.Resp }

// ContractError reports an extension or handler returning values the engine
// cannot interpret. It aborts the run.
type ContractError struct {
	Extension string
	Hook      string
	Reason    string
}

func (e *ContractError) Error() string {
	if e.Extension == "" {
		return fmt.Sprintf("contract violation in %s: %s", e.Hook, e.Reason)
	}
	return fmt.Sprintf("contract violation in %s.%s: %s", e.Extension, e.Hook, e.Reason)
}

// IsFetchError reports whether err is a ClientError or an HTTPError.
func IsFetchError(err error) bool {
	var clientErr *ClientError
	var httpErr *HTTPError
	return errors.As(err, &clientErr) || errors.As(err, &httpErr)
}

// mustPropagate reports errors that are never handled locally: cancellation of
// the run, explicit stop requests and contract violations.
func mustPropagate(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStopCrawler) {
		return true
	}
	var contractErr *ContractError
	if errors.As(err, &contractErr) {
		return true
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return true
	}
	return false
}
