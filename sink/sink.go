// Package sink persists or forwards sealed writables. Every sink is safe for
// concurrent use; the engine writes records in pagination order and logs
// sink errors without aborting the run.
package sink

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/hazyhaar/harvest/writable"
)

// Sink receives sealed writables.
type Sink interface {
	Write(ctx context.Context, w *writable.Writable) error
	Close() error
}

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink: closed")

// Func adapts a callback to Sink. Close is a no-op.
type Func func(ctx context.Context, w *writable.Writable) error

func (f Func) Write(ctx context.Context, w *writable.Writable) error { return f(ctx, w) }
func (f Func) Close() error                                         { return nil }

// Multi writes every record to each sink in order.
type Multi []Sink

func (m Multi) Write(ctx context.Context, w *writable.Writable) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Router sends each record to the sink registered for its schema name,
// falling back to a default sink.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Sink
	fallback Sink
}

// NewRouter creates a Router. fallback may be nil, in which case records of
// unrouted schemas are dropped.
func NewRouter(fallback Sink) *Router {
	return &Router{routes: make(map[string]Sink), fallback: fallback}
}

// Route registers s for records of schema name.
func (r *Router) Route(name string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = s
}

func (r *Router) Write(ctx context.Context, w *writable.Writable) error {
	r.mu.RLock()
	s, ok := r.routes[w.Meta().Schema]
	if !ok {
		s = r.fallback
	}
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	if err := s.Write(ctx, w); err != nil {
		return fmt.Errorf("sink: route %q: %w", w.Meta().Schema, err)
	}
	return nil
}

// Close closes every routed sink and the fallback once each.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[Sink]bool{}
	var errs []error
	closeOnce := func(s Sink) {
		if s == nil {
			return
		}
		// Func and Multi are not comparable and cannot be deduplicated.
		if reflect.TypeOf(s).Comparable() {
			if seen[s] {
				return
			}
			seen[s] = true
		}
		errs = append(errs, s.Close())
	}
	for _, s := range r.routes {
		closeOnce(s)
	}
	closeOnce(r.fallback)
	return errors.Join(errs...)
}
