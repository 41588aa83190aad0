package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Extension intercepts requests, responses, errors and spider results as they
// move through the engine. Embed BaseExtension and override only the hooks
// you need.
//
// Short-circuit hooks return at most one non-nil value; returning all nils
// passes control to the next extension. Accumulating hooks receive the
// previous extension's output and return the input for the next one.
type Extension interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	// HandleRequest runs before the transport. A *Request is rescheduled, a
	// *Response replaces the transport call and an error fails the request.
	HandleRequest(ctx context.Context, req *Request) (*Request, *Response, error)
	// HandleResponse runs after a response is obtained. A *Request is
	// rescheduled in place of parsing the response.
	HandleResponse(ctx context.Context, req *Request, resp *Response) (*Request, error)
	// HandleError runs when HandleRequest or the transport fails. A *Request is
	// rescheduled, a *Response recovers the request and an error replaces err.
	HandleError(ctx context.Context, req *Request, err error) (*Request, *Response, error)
	// HandleSpiderInput runs before the spider handler. An error is treated as
	// a handler failure.
	HandleSpiderInput(ctx context.Context, resp *Response) error
	HandleSpiderOutput(ctx context.Context, resp *Response, results []any) ([]any, error)
	// HandleSpiderError resolves a handler failure when handled is true; the
	// returned results then stand in for the handler's output.
	HandleSpiderError(ctx context.Context, resp *Response, err error) (results []any, handled bool)
	HandleStartRequests(ctx context.Context, results []any) ([]any, error)
}

// BaseExtension implements every Extension hook as a pass-through.
type BaseExtension struct{}

// Open does nothing.
func (BaseExtension) Open(context.Context) error { return nil }

// Close does nothing.
func (BaseExtension) Close(context.Context) error { return nil }

// HandleRequest passes.
func (BaseExtension) HandleRequest(context.Context, *Request) (*Request, *Response, error) {
	return nil, nil, nil
}

// HandleResponse passes.
func (BaseExtension) HandleResponse(context.Context, *Request, *Response) (*Request, error) {
	return nil, nil
}

// HandleError passes.
func (BaseExtension) HandleError(context.Context, *Request, error) (*Request, *Response, error) {
	return nil, nil, nil
}

// HandleSpiderInput passes.
func (BaseExtension) HandleSpiderInput(context.Context, *Response) error { return nil }

// HandleSpiderOutput returns results unchanged.
func (BaseExtension) HandleSpiderOutput(_ context.Context, _ *Response, results []any) ([]any, error) {
	return results, nil
}

// HandleSpiderError leaves the error unresolved.
func (BaseExtension) HandleSpiderError(context.Context, *Response, error) ([]any, bool) {
	return nil, false
}

// HandleStartRequests returns results unchanged.
func (BaseExtension) HandleStartRequests(_ context.Context, results []any) ([]any, error) {
	return results, nil
}

// ExtensionEnv is handed to extension factories.
type ExtensionEnv struct {
	RunID  string
	Bus    *Bus
	Logger *zap.Logger
}

// ExtensionFactory builds an extension. Returning ErrNotEnabled skips it.
type ExtensionFactory func(env ExtensionEnv) (Extension, error)

type namedExtension struct {
	name string
	ext  Extension
}

// Pipeline is an ordered, immutable chain of extensions.
type Pipeline struct {
	entries []namedExtension
	logger  *zap.Logger
}

// NewPipeline chains exts in the given order.
func NewPipeline(exts ...Extension) *Pipeline {
	p := &Pipeline{logger: zap.NewNop()}
	for _, ext := range exts {
		if ext == nil {
			continue
		}
		p.entries = append(p.entries, namedExtension{name: fmt.Sprintf("%T", ext), ext: ext})
	}
	return p
}

// BuildPipeline resolves names, followed by defaults, through registry. A name
// listed twice is installed once, at its first position.
func BuildPipeline(names, defaults []string, registry *Registry[ExtensionFactory], env ExtensionEnv) (*Pipeline, error) {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{logger: logger.Named("pipeline")}
	seen := make(map[string]struct{})
	for _, name := range append(append([]string(nil), names...), defaults...) {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		factory, err := registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		ext, err := factory(env)
		if errors.Is(err, ErrNotEnabled) {
			p.logger.Debug("extension not enabled", zap.String("extension", name))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("build extension %s: %w", name, err)
		}
		if ext == nil {
			return nil, &ContractError{Extension: name, Hook: "factory", Reason: "factory returned no extension"}
		}
		p.entries = append(p.entries, namedExtension{name: name, ext: ext})
	}
	p.logger.Info("pipeline ready", zap.Strings("extensions", p.Names()))
	return p, nil
}

// Names lists the installed extensions in order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.name
	}
	return names
}

// Len reports the number of installed extensions.
func (p *Pipeline) Len() int { return len(p.entries) }

// Attach subscribes Open and Close to the run lifecycle on bus and returns the
// func that detaches them.
func (p *Pipeline) Attach(bus *Bus) func() {
	offStart := bus.Subscribe(EventRunStarted, func(ctx context.Context, _ Event) error {
		return p.Open(ctx)
	})
	offStop := bus.Subscribe(EventRunStopped, func(ctx context.Context, _ Event) error {
		return p.Close(ctx)
	})
	return func() {
		offStart()
		offStop()
	}
}

// Open opens every extension in order, continuing past failures.
func (p *Pipeline) Open(ctx context.Context) error {
	var errs []error
	for _, e := range p.entries {
		if err := e.ext.Open(ctx); err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every extension in order, continuing past failures.
func (p *Pipeline) Close(ctx context.Context) error {
	var errs []error
	for _, e := range p.entries {
		if err := e.ext.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// HandleRequest returns the first non-empty answer.
func (p *Pipeline) HandleRequest(ctx context.Context, req *Request) (*Request, *Response, error) {
	for _, e := range p.entries {
		next, resp, err := e.ext.HandleRequest(ctx, req)
		if count(next != nil, resp != nil, err != nil) > 1 {
			return nil, nil, &ContractError{Extension: e.name, Hook: "HandleRequest", Reason: "more than one of request, response and error returned"}
		}
		if next != nil || resp != nil || err != nil {
			return next, resp, err
		}
	}
	return nil, nil, nil
}

// HandleResponse returns the first replacement request or error.
func (p *Pipeline) HandleResponse(ctx context.Context, req *Request, resp *Response) (*Request, error) {
	for _, e := range p.entries {
		next, err := e.ext.HandleResponse(ctx, req, resp)
		if next != nil && err != nil {
			return nil, &ContractError{Extension: e.name, Hook: "HandleResponse", Reason: "both request and error returned"}
		}
		if next != nil || err != nil {
			return next, err
		}
	}
	return nil, nil
}

// HandleError returns the first non-empty answer, or err itself when no
// extension responds.
func (p *Pipeline) HandleError(ctx context.Context, req *Request, err error) (*Request, *Response, error) {
	for _, e := range p.entries {
		next, resp, replaced := e.ext.HandleError(ctx, req, err)
		if count(next != nil, resp != nil, replaced != nil) > 1 {
			return nil, nil, &ContractError{Extension: e.name, Hook: "HandleError", Reason: "more than one of request, response and error returned"}
		}
		if next != nil || resp != nil || replaced != nil {
			return next, resp, replaced
		}
	}
	return nil, nil, err
}

// HandleSpiderInput stops at the first error.
func (p *Pipeline) HandleSpiderInput(ctx context.Context, resp *Response) error {
	for _, e := range p.entries {
		if err := e.ext.HandleSpiderInput(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

// HandleSpiderOutput threads results through every extension.
func (p *Pipeline) HandleSpiderOutput(ctx context.Context, resp *Response, results []any) ([]any, error) {
	for _, e := range p.entries {
		out, err := e.ext.HandleSpiderOutput(ctx, resp, results)
		if err != nil {
			return nil, err
		}
		results = out
	}
	return results, nil
}

// HandleSpiderError returns the first resolution. handled is false when every
// extension declined.
func (p *Pipeline) HandleSpiderError(ctx context.Context, resp *Response, err error) ([]any, bool, error) {
	for _, e := range p.entries {
		results, handled := e.ext.HandleSpiderError(ctx, resp, err)
		if !handled && results != nil {
			return nil, false, &ContractError{Extension: e.name, Hook: "HandleSpiderError", Reason: "results returned without handling the error"}
		}
		if handled {
			return results, true, nil
		}
	}
	return nil, false, nil
}

// HandleStartRequests threads the start requests through every extension.
func (p *Pipeline) HandleStartRequests(ctx context.Context, results []any) ([]any, error) {
	for _, e := range p.entries {
		out, err := e.ext.HandleStartRequests(ctx, results)
		if err != nil {
			return nil, err
		}
		results = out
	}
	return results, nil
}

func count(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
