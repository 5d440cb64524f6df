// Package event provides a small typed publish/subscribe channel with
// explicit unsubscribe and listener-exception isolation.
package event

import (
	"log/slog"
	"sync"
)

// Emitter fans events out to subscribed listeners. A panicking listener
// is recovered and logged; it never breaks the emitting operation or
// the other listeners.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   map[int]func(T)
	nextID int
	logger *slog.Logger
}

// NewEmitter creates an emitter logging listener panics to logger.
func NewEmitter[T any](logger *slog.Logger) *Emitter[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter[T]{
		subs:   make(map[int]func(T)),
		logger: logger,
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribe is idempotent.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subs[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// Emit delivers the event to every listener synchronously.
func (e *Emitter[T]) Emit(ev T) {
	e.mu.Lock()
	listeners := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		e.call(fn, ev)
	}
}

func (e *Emitter[T]) call(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked", "panic", r)
		}
	}()
	fn(ev)
}

// Len returns the number of active subscriptions.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
