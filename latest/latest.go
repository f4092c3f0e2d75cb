// Package latest runs work where only the most recent request matters.
package latest

import (
	"context"
	"errors"
	"sync"
)

var ErrSuperseded = errors.New("superseded by a newer call")

type call struct {
	cancel context.CancelFunc
}

// Group keeps at most one live call per key. Starting a call cancels the
// context of the previous call for that key, whose result is then discarded
// in favor of ErrSuperseded.
type Group[K comparable, T any] struct {
	mu    sync.Mutex
	calls map[K]*call
}

func (g *Group[K, T]) Do(ctx context.Context, key K, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &call{cancel: cancel}
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call)
	}
	if prev, ok := g.calls[key]; ok {
		prev.cancel()
	}
	g.calls[key] = c
	g.mu.Unlock()

	v, err := fn(ctx)

	g.mu.Lock()
	current := g.calls[key] == c
	if current {
		delete(g.calls, key)
	}
	g.mu.Unlock()

	if !current {
		var zero T
		return zero, ErrSuperseded
	}
	return v, err
}

type waiter struct {
	ready      chan struct{}
	superseded bool
}

// Serial runs one function at a time. While a run is in progress at most one
// caller waits for its turn; a newer caller takes the waiting slot and the
// caller it displaced returns ErrSuperseded without running.
type Serial struct {
	mu      sync.Mutex
	running bool
	waiting *waiter
}

func (s *Serial) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if !s.running {
		s.running = true
		s.mu.Unlock()
		defer s.done()
		return fn(ctx)
	}
	if s.waiting != nil {
		s.waiting.superseded = true
		close(s.waiting.ready)
	}
	w := &waiter{ready: make(chan struct{})}
	s.waiting = w
	s.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		s.mu.Lock()
		if s.waiting == w {
			s.waiting = nil
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()
		// the slot was handed over or taken concurrently
		<-w.ready
	}
	if w.superseded {
		return ErrSuperseded
	}
	defer s.done()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// done hands the run to the waiting caller, if any.
func (s *Serial) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.waiting; w != nil {
		s.waiting = nil
		close(w.ready)
		return
	}
	s.running = false
}
