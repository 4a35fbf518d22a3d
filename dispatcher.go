package twinstack

import (
	"context"
	"fmt"
	"sync"
)

// A Dispatcher is a synchronous, in-process, typed query/response channel.
// Sibling modules use it to ask each other fixed-shape questions (the engine
// module answering "engine:list", the model module answering
// "model:asset:get") without holding direct references to each other.
//
// It replaces a stringly-typed event bus with compile-time-typed registration:
// RegisterQuery pins the request and response types of a name, and Ask fails
// with a ValidationError when the caller's types do not match. Hidden coupling
// is avoided while the module boundaries stay decoupled.
//
// The zero value is ready for use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]any
}

// RegisterQuery binds the named query to a handler. Registering a name twice
// panics: two modules answering the same question is a wiring bug, not a
// runtime condition.
func RegisterQuery[Req, Resp any](d *Dispatcher, name string, handler func(ctx context.Context, req Req) (Resp, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = make(map[string]any)
	}
	if _, dup := d.handlers[name]; dup {
		panic(fmt.Sprintf("twinstack: duplicate dispatcher registration for %q", name))
	}
	d.handlers[name] = handler
}

// Ask invokes the named query synchronously and returns its typed response.
func Ask[Req, Resp any](d *Dispatcher, ctx context.Context, name string, req Req) (Resp, error) {
	d.mu.RLock()
	h := d.handlers[name]
	d.mu.RUnlock()

	var zero Resp
	if h == nil {
		return zero, validationErrorf("no handler registered for query %q", name)
	}
	handler, ok := h.(func(ctx context.Context, req Req) (Resp, error))
	if !ok {
		return zero, validationErrorf("query %q is registered with a different request/response shape", name)
	}
	return handler(ctx, req)
}
