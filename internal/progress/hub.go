package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HubConfig controls buffering and batching. Zero values take defaults.
type HubConfig struct {
	// BufferSize is the capacity of the intake channel (4096).
	BufferSize int
	// MaxBatchEvents flushes once this many events are pending (1000).
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first pending event waits (500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call (10s).
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c HubConfig) withDefaults() HubConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches events on a background goroutine and hands each batch to every
// sink in order. Emit never blocks; events that do not fit in the buffer are
// counted and dropped.
type Hub struct {
	cfg    HubConfig
	sinks  []Sink
	logger *zap.Logger

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	closed      atomic.Bool
	dropped     atomic.Int64
	droppedLog  atomic.Int64
	dropWarning rate.Sometimes

	closeOnce sync.Once
	closeCtx  context.Context
}

var _ Emitter = (*Hub)(nil)

// NewHub starts a hub delivering to sinks. Nil sinks are skipped.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:         cfg,
		logger:      cfg.Logger.Named("progress"),
		events:      make(chan Event, cfg.BufferSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		dropWarning: rate.Sometimes{Interval: dropLogInterval},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit validates and enqueues evt. Events emitted after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.droppedLog.Add(1)
		h.dropWarning.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.droppedLog.Swap(0)))
		})
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops intake, flushes what is buffered, closes the sinks and waits for
// the background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	var (
		batch    = make([]Event, 0, h.cfg.MaxBatchEvents)
		deadline <-chan time.Time
	)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents:
				batch = h.flush(batch)
				deadline = nil
			case deadline == nil:
				deadline = time.After(h.cfg.MaxBatchWait)
			}
		case <-deadline:
			batch = h.flush(batch)
			deadline = nil
		case <-h.stop:
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			return
		}
	}
}

// flush delivers batch and returns it emptied for reuse.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("events", len(out)),
				zap.Error(err),
			)
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	for _, sink := range h.sinks {
		if err := sink.Close(h.closeCtx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
