package progress

import "context"

// Sink consumes batches of progress events. The hub calls Consume from a
// single goroutine with a per-call deadline in ctx.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events without blocking.
type Emitter interface {
	Emit(evt Event)
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// Close does nothing.
func (SinkFunc) Close(context.Context) error { return nil }
