package storekit

import (
	"context"
	"sync"
)

// Lazy builds a value on first use and caches it. A failed build is not
// cached, so the next Get tries again. Drivers use it to defer network
// clients until the first operation.
type Lazy[T any] struct {
	build func(ctx context.Context) (T, error)

	mu    sync.Mutex
	value T
	ready bool
}

// NewLazy returns a Lazy that calls build on first use.
func NewLazy[T any](build func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{build: build}
}

// Ready wraps an already built value.
func Ready[T any](v T) *Lazy[T] {
	return &Lazy[T]{value: v, ready: true}
}

// Get returns the value, building it if needed.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return l.value, nil
	}
	v, err := l.build(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	l.value, l.ready = v, true
	return v, nil
}
