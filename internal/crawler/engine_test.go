package crawler_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/dupefilter"
	"github.com/JakeFAU/crawlengine/internal/eventbus"
	"github.com/JakeFAU/crawlengine/internal/queue/memory"
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []string
	errors map[string]error
	status map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{errors: map[string]error{}, status: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if err, ok := f.errors[req.URL]; ok {
		return nil, err
	}
	status := http.StatusOK
	if s, ok := f.status[req.URL]; ok {
		status = s
	}
	resp := &crawler.Response{URL: req.URL, Status: status, Headers: http.Header{}, Body: []byte("body of " + req.URL)}
	if status >= 400 {
		return nil, &crawler.HTTPError{Resp: resp}
	}
	return resp, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type funcSpider struct {
	start func(context.Context) ([]*crawler.Request, error)
	parse func(context.Context, *crawler.Response) ([]any, error)
}

func (s *funcSpider) StartRequests(ctx context.Context) ([]*crawler.Request, error) {
	if s.start == nil {
		return nil, nil
	}
	return s.start(ctx)
}

func (s *funcSpider) Parse(ctx context.Context, resp *crawler.Response) ([]any, error) {
	if s.parse == nil {
		return nil, nil
	}
	return s.parse(ctx, resp)
}

type eventLog struct {
	mu     sync.Mutex
	events []crawler.Event
}

func (l *eventLog) attach(bus *crawler.Bus) {
	for _, topic := range crawler.LifecycleTopics {
		bus.Subscribe(topic, func(_ context.Context, evt crawler.Event) error {
			l.mu.Lock()
			l.events = append(l.events, evt)
			l.mu.Unlock()
			return nil
		})
	}
}

func (l *eventLog) count(topic eventbus.Topic) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, evt := range l.events {
		if evt.Type == topic {
			n++
		}
	}
	return n
}

type testEngine struct {
	engine  *crawler.Engine
	queue   *memory.Queue
	fetcher *fakeFetcher
	events  *eventLog
}

func newTestEngine(t *testing.T, spider crawler.Spider, exts ...crawler.Extension) testEngine {
	t.Helper()
	q := memory.NewFIFO()
	f := newFakeFetcher()
	bus := crawler.NewBus(zap.NewNop())
	log := &eventLog{}
	log.attach(bus)
	e, err := crawler.NewEngine(crawler.Components{
		Queue:      q,
		DupeFilter: dupefilter.NewMemory(),
		Fetcher:    f,
		Spider:     spider,
		Pipeline:   crawler.NewPipeline(exts...),
		Bus:        bus,
		RunID:      "run-test",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return testEngine{engine: e, queue: q, fetcher: f, events: log}
}

func TestNewEngineValidates(t *testing.T) {
	t.Parallel()

	_, err := crawler.NewEngine(crawler.Components{}, nil)
	require.Error(t, err)
}

func TestScheduleFiltersDuplicates(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, &funcSpider{})
	ctx := context.Background()

	ok, err := te.engine.Schedule(ctx, crawler.NewRequest("https://example.com/"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = te.engine.Schedule(ctx, crawler.NewRequest("https://example.com/"))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = te.engine.Schedule(ctx, crawler.NewRequest("https://example.com/", crawler.WithDontFilter(true)))
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 2, te.queue.Len())
	require.EqualValues(t, 2, te.engine.Pending())
	require.Equal(t, 2, te.events.count(crawler.EventRequestScheduled))
	require.Equal(t, 1, te.events.count(crawler.EventRequestDropped))

	_, err = te.engine.Schedule(ctx, nil)
	var contractErr *crawler.ContractError
	require.ErrorAs(t, err, &contractErr)
}

type shortCircuit struct {
	crawler.BaseExtension
	resp *crawler.Response
}

func (s *shortCircuit) HandleRequest(context.Context, *crawler.Request) (*crawler.Request, *crawler.Response, error) {
	return nil, s.resp, nil
}

func TestProcessShortCircuitSkipsTransport(t *testing.T) {
	t.Parallel()

	var parsed []*crawler.Response
	spider := &funcSpider{parse: func(_ context.Context, resp *crawler.Response) ([]any, error) {
		parsed = append(parsed, resp)
		return nil, nil
	}}
	canned := &crawler.Response{URL: "https://cache/", Status: http.StatusOK}
	te := newTestEngine(t, spider, &shortCircuit{resp: canned})

	req := crawler.NewRequest("https://example.com/")
	require.NoError(t, te.engine.Process(context.Background(), req))

	require.Empty(t, te.fetcher.Calls())
	require.Len(t, parsed, 1)
	require.Same(t, canned, parsed[0])
	require.Same(t, req, parsed[0].Request)
	require.Equal(t, 1, te.events.count(crawler.EventResponseReceived))
}

func TestProcessSchedulesCallbackResults(t *testing.T) {
	t.Parallel()

	var items []any
	spider := &funcSpider{parse: func(context.Context, *crawler.Response) ([]any, error) {
		t.Fatal("Parse must not run when a callback is set")
		return nil, nil
	}}
	te := newTestEngine(t, spider)
	callback := func(_ context.Context, resp *crawler.Response) ([]any, error) {
		items = append(items, resp.URL)
		return []any{
			crawler.NewRequest("https://example.com/child"),
			map[string]string{"title": "x"},
			nil,
		}, nil
	}

	require.NoError(t, te.engine.Process(context.Background(),
		crawler.NewRequest("https://example.com/", crawler.WithCallback(callback))))
	require.Equal(t, []any{"https://example.com/"}, items)
	require.Equal(t, 1, te.queue.Len())

	child, err := te.queue.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://example.com/child", child.URL)
}

func TestProcessFetchErrorCallsErrback(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, &funcSpider{})
	te.fetcher.status["https://example.com/missing"] = http.StatusNotFound

	var got error
	errback := func(_ context.Context, _ *crawler.Request, err error) error {
		got = err
		return errors.New("errback failures are swallowed")
	}
	err := te.engine.Process(context.Background(),
		crawler.NewRequest("https://example.com/missing", crawler.WithErrback(errback)))
	require.NoError(t, err)

	var httpErr *crawler.HTTPError
	require.ErrorAs(t, got, &httpErr)
	require.Equal(t, http.StatusNotFound, httpErr.Response().Status)
	require.Zero(t, te.events.count(crawler.EventResponseReceived))
	require.Equal(t, 1, te.events.count(crawler.EventRequestFailed))
}

type ignoreAll struct{ crawler.BaseExtension }

func (ignoreAll) HandleRequest(context.Context, *crawler.Request) (*crawler.Request, *crawler.Response, error) {
	return nil, nil, crawler.ErrIgnoreRequest
}

func TestProcessIgnoredRequest(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, &funcSpider{}, ignoreAll{})
	require.NoError(t, te.engine.Process(context.Background(), crawler.NewRequest("https://example.com/")))
	require.Empty(t, te.fetcher.Calls())
	require.Equal(t, 1, te.events.count(crawler.EventRequestIgnored))
}

type recoverer struct{ crawler.BaseExtension }

func (recoverer) HandleError(_ context.Context, req *crawler.Request, _ error) (*crawler.Request, *crawler.Response, error) {
	return nil, &crawler.Response{URL: req.URL, Status: http.StatusOK}, nil
}

func TestProcessHandleErrorRecoversResponse(t *testing.T) {
	t.Parallel()

	parsed := 0
	spider := &funcSpider{parse: func(context.Context, *crawler.Response) ([]any, error) {
		parsed++
		return nil, nil
	}}
	te := newTestEngine(t, spider, recoverer{})
	te.fetcher.errors["https://example.com/"] = &crawler.ClientError{Err: errors.New("connection refused")}

	require.NoError(t, te.engine.Process(context.Background(), crawler.NewRequest("https://example.com/")))
	require.Equal(t, 1, parsed)
}

type suppressor struct {
	crawler.BaseExtension
	mu   sync.Mutex
	seen []error
}

func (s *suppressor) HandleSpiderError(_ context.Context, _ *crawler.Response, err error) ([]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, err)
	return []any{}, true
}

func TestProcessSpiderErrorObservedOnce(t *testing.T) {
	t.Parallel()

	parseErr := errors.New("bad markup")
	spider := &funcSpider{parse: func(context.Context, *crawler.Response) ([]any, error) {
		return nil, parseErr
	}}
	sup := &suppressor{}
	te := newTestEngine(t, spider, sup)

	require.NoError(t, te.engine.Process(context.Background(), crawler.NewRequest("https://example.com/")))
	require.Len(t, sup.seen, 1)
	require.Same(t, parseErr, sup.seen[0])
	require.Zero(t, te.queue.Len())
}

type inputRejecter struct {
	crawler.BaseExtension
	err error
}

func (r inputRejecter) HandleSpiderInput(context.Context, *crawler.Response) error {
	return r.err
}

func TestProcessSpiderInputErrorReachesErrbackAndSpiderErrorHook(t *testing.T) {
	t.Parallel()

	inputErr := errors.New("unsupported content type")
	spider := &funcSpider{parse: func(context.Context, *crawler.Response) ([]any, error) {
		t.Fatal("Parse must not run when spider input is rejected")
		return nil, nil
	}}
	sup := &suppressor{}
	te := newTestEngine(t, spider, inputRejecter{err: inputErr}, sup)

	var errbacks []error
	errback := func(_ context.Context, _ *crawler.Request, err error) error {
		errbacks = append(errbacks, err)
		return nil
	}
	require.NoError(t, te.engine.Process(context.Background(),
		crawler.NewRequest("https://example.com/", crawler.WithErrback(errback))))

	require.Len(t, errbacks, 1)
	require.Same(t, inputErr, errbacks[0])
	require.Len(t, sup.seen, 1)
	require.Same(t, inputErr, sup.seen[0])
}

type panickingHook struct{ crawler.BaseExtension }

func (panickingHook) HandleRequest(context.Context, *crawler.Request) (*crawler.Request, *crawler.Response, error) {
	panic("hook exploded")
}

func TestProcessExtensionPanicCallsErrback(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, &funcSpider{}, panickingHook{})

	var got error
	errback := func(_ context.Context, _ *crawler.Request, err error) error {
		got = err
		return nil
	}
	require.NotPanics(t, func() {
		require.NoError(t, te.engine.Process(context.Background(),
			crawler.NewRequest("https://example.com/", crawler.WithErrback(errback))))
	})
	require.ErrorContains(t, got, "hook exploded")
	require.Empty(t, te.fetcher.Calls())
	require.Equal(t, 1, te.events.count(crawler.EventRequestFailed))
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	spider := &funcSpider{parse: func(context.Context, *crawler.Response) ([]any, error) {
		panic("nil map")
	}}
	sup := &suppressor{}
	te := newTestEngine(t, spider, sup)

	require.NotPanics(t, func() {
		require.NoError(t, te.engine.Process(context.Background(), crawler.NewRequest("https://example.com/")))
	})
	require.Len(t, sup.seen, 1)
	require.ErrorContains(t, sup.seen[0], "handler panic")
}

func TestProcessPropagatesStopCrawler(t *testing.T) {
	t.Parallel()

	spider := &funcSpider{parse: func(context.Context, *crawler.Response) ([]any, error) {
		return nil, crawler.ErrStopCrawler
	}}
	sup := &suppressor{}
	te := newTestEngine(t, spider, sup)

	err := te.engine.Process(context.Background(), crawler.NewRequest("https://example.com/"))
	require.ErrorIs(t, err, crawler.ErrStopCrawler)
	require.Empty(t, sup.seen, "stop requests bypass the spider error hook")
}

func TestProcessPropagatesCancellation(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t, &funcSpider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	te.fetcher.errors["https://example.com/"] = context.Canceled

	err := te.engine.Process(ctx, crawler.NewRequest("https://example.com/"))
	require.ErrorIs(t, err, context.Canceled)
}

type rescheduler struct{ crawler.BaseExtension }

func (rescheduler) HandleResponse(_ context.Context, req *crawler.Request, resp *crawler.Response) (*crawler.Request, error) {
	if resp.Status == http.StatusOK && req.Meta["rescheduled"] == nil {
		return req.Replace(crawler.WithDontFilter(true), crawler.WithMeta("rescheduled", true)), nil
	}
	return nil, nil
}

func TestProcessHandleResponseReschedules(t *testing.T) {
	t.Parallel()

	parsed := 0
	spider := &funcSpider{parse: func(context.Context, *crawler.Response) ([]any, error) {
		parsed++
		return nil, nil
	}}
	te := newTestEngine(t, spider, rescheduler{})

	require.NoError(t, te.engine.Process(context.Background(), crawler.NewRequest("https://example.com/")))
	require.Zero(t, parsed)
	require.Equal(t, 1, te.queue.Len())

	again, err := te.queue.Pop(context.Background())
	require.NoError(t, err)
	require.NoError(t, te.engine.Process(context.Background(), again))
	require.Equal(t, 1, parsed)
}

func TestStartRequestsContract(t *testing.T) {
	t.Parallel()

	spider := &funcSpider{start: func(context.Context) ([]*crawler.Request, error) {
		return []*crawler.Request{crawler.NewRequest("https://example.com/")}, nil
	}}
	te := newTestEngine(t, spider, &badStart{})

	_, err := te.engine.StartRequests(context.Background())
	var contractErr *crawler.ContractError
	require.ErrorAs(t, err, &contractErr)
}

type badStart struct{ crawler.BaseExtension }

func (badStart) HandleStartRequests(_ context.Context, results []any) ([]any, error) {
	return append(results, "not a request"), nil
}

func newQueue() crawler.Queue { return memory.NewFIFO() }

func newDupes() crawler.DupeFilter { return dupefilter.NewMemory() }
