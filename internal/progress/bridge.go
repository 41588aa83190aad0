package progress

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawlengine/internal/crawler"
	"github.com/JakeFAU/crawlengine/internal/eventbus"
	"github.com/JakeFAU/crawlengine/internal/metrics"
)

// Bridge translates lifecycle bus events into progress events.
type Bridge struct {
	emitter Emitter

	mu      sync.Mutex
	started map[string]time.Time
}

// NewBridge builds a bridge emitting to emitter.
func NewBridge(emitter Emitter) *Bridge {
	return &Bridge{emitter: emitter, started: make(map[string]time.Time)}
}

// Attach subscribes b to every lifecycle topic on bus and returns the func
// that removes all of those subscriptions.
func (b *Bridge) Attach(bus *crawler.Bus) func() {
	unsubs := make([]func(), 0, len(crawler.LifecycleTopics))
	for _, topic := range crawler.LifecycleTopics {
		unsubs = append(unsubs, bus.Subscribe(topic, b.handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Attach is shorthand for NewBridge(emitter).Attach(bus).
func Attach(bus *crawler.Bus, emitter Emitter) func() {
	return NewBridge(emitter).Attach(bus)
}

func (b *Bridge) handle(_ context.Context, evt crawler.Event) error {
	if out, ok := b.Translate(evt); ok {
		b.emitter.Emit(out)
	}
	return nil
}

// Translate maps one lifecycle event. It reports false for events that carry
// nothing worth recording.
func (b *Bridge) Translate(evt crawler.Event) (Event, bool) {
	out := Event{RunID: evt.RunID, TS: evt.Time}
	switch evt.Type {
	case crawler.EventRunStarted:
		b.mu.Lock()
		b.started[evt.RunID] = evt.Time
		b.mu.Unlock()
		out.Stage = StageRunStart
	case crawler.EventRunStopped:
		b.mu.Lock()
		if start, ok := b.started[evt.RunID]; ok && evt.Time.After(start) {
			out.Dur = evt.Time.Sub(start)
		}
		delete(b.started, evt.RunID)
		b.mu.Unlock()
		out.Stage = StageRunDone
		if evt.Err != nil {
			out.Stage = StageRunError
			out.Note = evt.Err.Error()
		}
	case crawler.EventRequestScheduled, crawler.EventRequestDropped, crawler.EventRequestIgnored:
		if evt.Request == nil {
			return Event{}, false
		}
		out.Stage = requestStages[evt.Type]
		out.URL = evt.Request.URL
		out.Site = metrics.SanitizeSite(evt.Request.URL)
		if evt.Err != nil {
			out.Note = evt.Err.Error()
		}
	case crawler.EventResponseReceived:
		if evt.Response == nil {
			return Event{}, false
		}
		fillFetch(&out, evt.Response)
	case crawler.EventRequestFailed:
		switch {
		case evt.Response != nil:
			fillFetch(&out, evt.Response)
		case evt.Request != nil:
			out.Stage = StageFetchError
			out.URL = evt.Request.URL
			out.Site = metrics.SanitizeSite(evt.Request.URL)
		default:
			return Event{}, false
		}
		if evt.Err != nil {
			out.Note = evt.Err.Error()
		}
	default:
		return Event{}, false
	}
	return out, true
}

var requestStages = map[eventbus.Topic]Stage{
	crawler.EventRequestScheduled: StageRequestScheduled,
	crawler.EventRequestDropped:   StageRequestDropped,
	crawler.EventRequestIgnored:   StageRequestIgnored,
}

func fillFetch(out *Event, resp *crawler.Response) {
	out.Stage = StageFetchDone
	out.URL = resp.URL
	out.Site = metrics.SanitizeSite(resp.URL)
	out.Bytes = int64(len(resp.Body))
	out.StatusClass = ClassifyStatus(resp.Status)
	if resp.Duration > 0 {
		out.Dur = resp.Duration
	}
}
