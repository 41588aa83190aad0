package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/metrics"
)

// Components are the collaborators an Engine orchestrates.
type Components struct {
	Queue      Queue
	DupeFilter DupeFilter
	Fetcher    Fetcher
	Spider     Spider
	Pipeline   *Pipeline
	Bus        *Bus
	Clock      Clock
	RunID      string
}

// Engine moves a single request through the extension pipeline, the transport
// and the spider, and is the only path by which requests reach the queue.
type Engine struct {
	queue    Queue
	dupes    DupeFilter
	fetcher  Fetcher
	spider   Spider
	pipeline *Pipeline
	bus      *Bus
	clock    Clock
	runID    string
	logger   *zap.Logger

	outstanding atomic.Int64
	detach      []func()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewEngine validates c and wires the pipeline and spider lifecycle to the bus.
func NewEngine(c Components, logger *zap.Logger) (*Engine, error) {
	switch {
	case c.Queue == nil:
		return nil, errors.New("engine: queue is required")
	case c.DupeFilter == nil:
		return nil, errors.New("engine: dupe filter is required")
	case c.Fetcher == nil:
		return nil, errors.New("engine: fetcher is required")
	case c.Spider == nil:
		return nil, errors.New("engine: spider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Pipeline == nil {
		c.Pipeline = NewPipeline()
	}
	if c.Bus == nil {
		c.Bus = NewBus(logger)
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	e := &Engine{
		queue:    c.Queue,
		dupes:    c.DupeFilter,
		fetcher:  c.Fetcher,
		spider:   c.Spider,
		pipeline: c.Pipeline,
		bus:      c.Bus,
		clock:    c.Clock,
		runID:    c.RunID,
		logger:   logger.Named("engine").With(zap.String("run_id", c.RunID)),
	}
	e.detach = append(e.detach, e.pipeline.Attach(e.bus))
	if lc, ok := e.spider.(SpiderLifecycle); ok {
		e.detach = append(e.detach,
			e.bus.Subscribe(EventRunStarted, func(ctx context.Context, _ Event) error { return lc.Open(ctx) }),
			e.bus.Subscribe(EventRunStopped, func(ctx context.Context, _ Event) error { return lc.Close(ctx) }),
		)
	}
	return e, nil
}

// Close removes the engine's bus subscriptions.
func (e *Engine) Close() {
	for _, off := range e.detach {
		off()
	}
	e.detach = nil
}

// Bus returns the lifecycle bus the engine publishes on.
func (e *Engine) Bus() *Bus { return e.bus }

// RunID returns the identifier stamped on every event.
func (e *Engine) RunID() string { return e.runID }

// Pending reports requests scheduled but not yet fully processed.
func (e *Engine) Pending() int64 { return e.outstanding.Load() }

// QueueLen reports the number of queued requests.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Schedule admits req to the queue unless the dupe filter rejects it. It
// reports whether the request was enqueued.
func (e *Engine) Schedule(ctx context.Context, req *Request) (bool, error) {
	if req == nil {
		return false, &ContractError{Hook: "Schedule", Reason: "nil request"}
	}
	if e.dupes.IsDuplicated(req) {
		e.logger.Debug("filtered duplicate request", zap.Stringer("request", req))
		e.publish(ctx, Event{Type: EventRequestDropped, Request: req})
		return false, nil
	}
	e.publish(ctx, Event{Type: EventRequestScheduled, Request: req})
	metrics.SetOutstanding(e.outstanding.Add(1))
	e.queue.Push(req)
	metrics.SetQueueDepth(e.queue.Len())
	return true, nil
}

// complete marks a popped request as fully processed.
func (e *Engine) complete() {
	metrics.SetOutstanding(e.outstanding.Add(-1))
	metrics.SetQueueDepth(e.queue.Len())
}

// StartRequests asks the spider for its initial requests and threads them
// through HandleStartRequests.
func (e *Engine) StartRequests(ctx context.Context) (reqs []*Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start requests panic: %v", r)
		}
	}()
	initial, err := e.spider.StartRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("spider start requests: %w", err)
	}
	items := make([]any, 0, len(initial))
	for _, req := range initial {
		items = append(items, req)
	}
	items, err = e.pipeline.HandleStartRequests(ctx, items)
	if err != nil {
		return nil, err
	}
	reqs = make([]*Request, 0, len(items))
	for _, item := range items {
		req, ok := item.(*Request)
		if !ok || req == nil {
			return nil, &ContractError{Hook: "HandleStartRequests", Reason: fmt.Sprintf("expected *Request, got %T", item)}
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Process handles one dequeued request end to end. Only errors that must stop
// the run are returned: cancellation, ErrStopCrawler and contract violations.
// Everything else is logged and routed to the request's errback, including a
// panic raised by an extension hook.
func (e *Engine) Process(ctx context.Context, req *Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("request processing panic: %v", r)
			e.logger.Error("request processing panicked", zap.Stringer("request", req), zap.Error(perr))
			e.handleFailure(ctx, req, perr)
			err = nil
		}
	}()

	next, resp, err := e.download(ctx, req)
	if err != nil {
		if mustPropagate(ctx, err) {
			return err
		}
		e.handleFailure(ctx, req, err)
		return nil
	}
	if next != nil {
		_, err := e.Schedule(ctx, next)
		return err
	}
	return e.handleResponse(ctx, resp)
}

// download yields either a request to reschedule or a response to parse.
func (e *Engine) download(ctx context.Context, req *Request) (*Request, *Response, error) {
	next, resp, err := e.pipeline.HandleRequest(ctx, req)
	if err == nil && next != nil {
		return next, nil, nil
	}
	if err == nil && resp == nil {
		resp, err = e.fetch(ctx, req)
	}
	if err != nil {
		if mustPropagate(ctx, err) {
			return nil, nil, err
		}
		next, resp, err = e.pipeline.HandleError(ctx, req, err)
		if err != nil {
			return nil, nil, err
		}
		if next != nil {
			return next, nil, nil
		}
	}

	next, err = e.pipeline.HandleResponse(ctx, req, resp)
	if err != nil {
		return nil, nil, err
	}
	if next != nil {
		return next, nil, nil
	}
	resp.Request = req
	return nil, resp, nil
}

func (e *Engine) fetch(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := e.fetcher.Fetch(ctx, req)
	outcome := "ok"
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		outcome = "http_error"
	case err != nil:
		outcome = "client_error"
	}
	size := 0
	if resp != nil {
		size = len(resp.Body)
	}
	metrics.ObserveFetch(req.URL, outcome, size, time.Since(start))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &ContractError{Hook: "Fetch", Reason: "fetcher returned neither response nor error"}
	}
	return resp, nil
}

func (e *Engine) handleFailure(ctx context.Context, req *Request, err error) {
	switch {
	case errors.Is(err, ErrIgnoreRequest):
		e.logger.Debug("ignored request", zap.Stringer("request", req), zap.Error(err))
		e.publish(ctx, Event{Type: EventRequestIgnored, Request: req, Err: err})
	case IsFetchError(err):
		e.logger.Info("failed to fetch", zap.Stringer("request", req), zap.Error(err))
		e.publishFailure(ctx, req, err)
	default:
		e.logger.Warn("failed to fetch", zap.Stringer("request", req), zap.Error(err))
		e.publishFailure(ctx, req, err)
	}
	e.callErrback(ctx, req, err)
}

func (e *Engine) handleResponse(ctx context.Context, resp *Response) error {
	e.publish(ctx, Event{Type: EventResponseReceived, Request: resp.Request, Response: resp})

	results, err := e.parse(ctx, resp)
	if err != nil {
		if mustPropagate(ctx, err) {
			return err
		}
		if errors.Is(err, ErrIgnoreRequest) {
			e.logger.Debug("ignored response", zap.Stringer("request", resp.Request), zap.Error(err))
			e.publish(ctx, Event{Type: EventRequestIgnored, Request: resp.Request, Response: resp, Err: err})
			return nil
		}
		e.logger.Warn("failed to parse", zap.Stringer("request", resp.Request), zap.Error(err))
		return nil
	}

	for _, result := range results {
		child, ok := result.(*Request)
		if !ok || child == nil {
			continue
		}
		if _, err := e.Schedule(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) parse(ctx context.Context, resp *Response) ([]any, error) {
	req := resp.Request
	var results []any
	err := e.pipeline.HandleSpiderInput(ctx, resp)
	if err != nil {
		if mustPropagate(ctx, err) {
			return nil, err
		}
		e.callErrback(ctx, req, err)
	} else {
		handler := e.spider.Parse
		if req.Callback != nil {
			handler = req.Callback
		}
		results, err = invokeHandler(ctx, handler, resp)
	}
	if err != nil {
		if mustPropagate(ctx, err) {
			return nil, err
		}
		resolved, handled, cerr := e.pipeline.HandleSpiderError(ctx, resp, err)
		if cerr != nil {
			return nil, cerr
		}
		if !handled {
			return nil, err
		}
		results = resolved
	}
	if len(results) == 0 {
		return nil, nil
	}
	return e.pipeline.HandleSpiderOutput(ctx, resp, results)
}

func invokeHandler(ctx context.Context, handler ResponseHandler, resp *Response) (results []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, resp)
}

// callErrback notifies the request's errback. Its failures are logged and
// never escape.
func (e *Engine) callErrback(ctx context.Context, req *Request, cause error) {
	if req.Errback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("errback panicked", zap.Stringer("request", req), zap.Any("panic", r))
		}
	}()
	if err := req.Errback(ctx, req, cause); err != nil {
		e.logger.Error("errback failed", zap.Stringer("request", req), zap.Error(err))
	}
}

func (e *Engine) publishFailure(ctx context.Context, req *Request, err error) {
	evt := Event{Type: EventRequestFailed, Request: req, Err: err}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		evt.Response = httpErr.Response()
	}
	e.publish(ctx, evt)
}

func (e *Engine) publish(ctx context.Context, evt Event) {
	evt.RunID = e.runID
	if evt.Time.IsZero() {
		evt.Time = e.clock.Now()
	}
	e.bus.Publish(ctx, evt.Type, evt)
}
