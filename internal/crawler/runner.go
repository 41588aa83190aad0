package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlengine/internal/metrics"
)

// Stats is a point-in-time view of a Runner.
type Stats struct {
	RunID        string    `json:"run_id"`
	Running      bool      `json:"running"`
	Workers      int       `json:"workers"`
	Busy         int       `json:"busy"`
	InFlight     []string  `json:"in_flight"`
	QueueLen     int       `json:"queue_len"`
	Pending      int64     `json:"pending"`
	ProducerDone bool      `json:"producer_done"`
	StartedAt    time.Time `json:"started_at"`
}

// Runner drives one producer and a fixed pool of workers over an Engine
// until the crawl is quiescent, Stop is called or the context ends.
type Runner struct {
	engine  *Engine
	workers int
	logger  *zap.Logger

	mu        sync.Mutex
	running   bool
	stopping  bool
	cancel    context.CancelFunc
	startedAt time.Time

	slots        []atomic.Pointer[Request]
	producerDone atomic.Bool
}

// NewRunner builds a Runner with the given number of workers.
func NewRunner(engine *Engine, workers int, logger *zap.Logger) (*Runner, error) {
	if engine == nil {
		return nil, errors.New("runner: engine is required")
	}
	if workers <= 0 {
		return nil, fmt.Errorf("runner: workers must be > 0, got %d", workers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:  engine,
		workers: workers,
		logger:  logger.Named("runner").With(zap.String("run_id", engine.RunID())),
	}, nil
}

// Run publishes run_started, crawls until shutdown and publishes run_stopped.
// It returns nil on a clean stop, including cancellation of ctx, and the
// offending error when an extension or handler violated its contract. Calling
// Run while a run is in progress returns immediately.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Warn("run already in progress")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.stopping = false
	r.cancel = cancel
	r.startedAt = r.engine.clock.Now()
	r.slots = make([]atomic.Pointer[Request], r.workers)
	r.producerDone.Store(false)
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		r.running = false
		r.cancel = nil
		r.mu.Unlock()
	}()

	r.logger.Info("run started", zap.Int("workers", r.workers))
	r.engine.publish(runCtx, Event{Type: EventRunStarted})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.produce(gctx) })
	for i := range r.workers {
		g.Go(func() error { return r.work(gctx, i) })
	}
	err := g.Wait()

	status := "completed"
	switch {
	case err != nil:
		status = "failed"
		r.logger.Error("run aborted", zap.Error(err))
	case ctx.Err() != nil:
		status = "canceled"
	}
	metrics.ObserveRun(status)
	r.engine.publish(context.WithoutCancel(ctx), Event{Type: EventRunStopped, Err: err})
	r.logger.Info("run stopped", zap.String("status", status), zap.Int("queue_len", r.engine.QueueLen()))
	return err
}

// Stop cancels the current run. It is safe to call from any goroutine,
// including a worker, and repeated calls are no-ops.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.stopping {
		return
	}
	r.stopping = true
	r.logger.Info("shutdown now")
	r.cancel()
}

// Stats snapshots the runner state.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	running := r.running
	startedAt := r.startedAt
	slots := r.slots
	r.mu.Unlock()

	st := Stats{
		RunID:        r.engine.RunID(),
		Running:      running,
		Workers:      r.workers,
		InFlight:     []string{},
		QueueLen:     r.engine.QueueLen(),
		Pending:      r.engine.Pending(),
		ProducerDone: r.producerDone.Load(),
		StartedAt:    startedAt,
	}
	for i := range slots {
		if req := slots[i].Load(); req != nil {
			st.Busy++
			st.InFlight = append(st.InFlight, req.URL)
		}
	}
	return st
}

func (r *Runner) produce(ctx context.Context) error {
	defer func() {
		r.producerDone.Store(true)
		r.logger.Debug("producer finished")
		r.stopIfQuiescent()
	}()

	reqs, err := r.engine.StartRequests(ctx)
	if err != nil {
		if mustPropagate(ctx, err) {
			return r.handleRunError(ctx, "producer", err)
		}
		r.logger.Error("failed to get start requests", zap.Error(err))
		return nil
	}
	for _, req := range reqs {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := r.engine.Schedule(ctx, req); err != nil {
			return r.handleRunError(ctx, "producer", err)
		}
	}
	return nil
}

func (r *Runner) work(ctx context.Context, index int) error {
	logger := r.logger.With(zap.Int("worker", index))
	slot := &r.slots[index]
	for {
		req, err := r.engine.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d pop: %w", index, err)
		}

		slot.Store(req)
		metrics.IncActiveWorkers()
		logger.Debug("processing request", zap.Stringer("request", req))
		perr := r.engine.Process(ctx, req)
		metrics.DecActiveWorkers()
		slot.Store(nil)
		r.engine.complete()

		if perr != nil {
			return r.handleRunError(ctx, fmt.Sprintf("worker %d", index), perr)
		}
		r.stopIfQuiescent()
	}
}

// handleRunError turns a propagated error into the goroutine's exit value.
func (r *Runner) handleRunError(ctx context.Context, who string, err error) error {
	switch {
	case errors.Is(err, ErrStopCrawler):
		r.logger.Info("stop requested", zap.String("by", who), zap.Error(err))
		r.Stop()
		return nil
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return nil
	}
	r.logger.Error("fatal run error", zap.String("by", who), zap.Error(err))
	return err
}

func (r *Runner) stopIfQuiescent() {
	if r.quiescent() {
		r.logger.Info("crawl is quiescent")
		r.Stop()
	}
}

// quiescent reports whether no work remains: the producer has finished, the
// queue is empty, no worker holds a request and every scheduled request has
// been processed.
func (r *Runner) quiescent() bool {
	if !r.producerDone.Load() || r.engine.QueueLen() > 0 {
		return false
	}
	for i := range r.slots {
		if r.slots[i].Load() != nil {
			return false
		}
	}
	return r.engine.Pending() == 0
}
