// Package spike provides a primitive to handle spike-like load on retrieving external resources
package spike

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCleanupInterval = 5 * time.Millisecond
	defaultFetchTimeout    = 10 * time.Second
)

// Manager collapses concurrent lookups of the same key into one fetch and
// keeps successful results for a short time. Errors are never cached.
type Manager[K comparable, T any] struct {
	handler      Handler[K, T]
	fetchTimeout time.Duration

	mu       sync.Mutex
	inflight map[K][]chan<- result[T]
}

type Handler[K comparable, T any] struct {
	Fetch  func(ctx context.Context, k K) (T, error)
	Set    func(k K, v T)
	Get    func(k K) (T, bool)
	Delete func(k K)
}

type result[T any] struct {
	v T
	e error
}

// NewCustomManager creates a new Manager with a custom cache implementation controlled by client code
func NewCustomManager[K comparable, T any](h Handler[K, T], fetchTimeout time.Duration) *Manager[K, T] {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Manager[K, T]{
		handler:      h,
		fetchTimeout: fetchTimeout,
		inflight:     make(map[K][]chan<- result[T]),
	}
}

// NewManager creates a new Manager backed by an in-process expiring cache
func NewManager[K comparable, T any](fetch func(ctx context.Context, k K) (T, error), cacheTime time.Duration) *Manager[K, T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	key := func(k K) string { return fmt.Sprint(k) }
	return NewCustomManager[K, T](Handler[K, T]{
		Fetch: fetch,
		Set: func(k K, v T) {
			g.Set(key(k), v, cacheTime)
		},
		Get: func(k K) (T, bool) {
			v, ok := g.Get(key(k))
			if !ok {
				var rt T
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
		Delete: func(k K) {
			g.Delete(key(k))
		},
	}, defaultFetchTimeout)
}

func (m *Manager[K, T]) GetResult(ctx context.Context, k K) (T, error) { //nolint:ireturn
	if r, ok := m.handler.Get(k); ok {
		return r, nil
	}

	resChan := make(chan result[T], 1)
	m.mu.Lock()
	if r, ok := m.handler.Get(k); ok {
		m.mu.Unlock()
		return r, nil
	}
	waiters, running := m.inflight[k]
	m.inflight[k] = append(waiters, resChan)
	m.mu.Unlock()

	if !running {
		go m.fetch(k)
	}

	select {
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	case completed := <-resChan:
		return completed.v, completed.e
	}
}

// fetch runs detached from any single caller so one caller giving up does not
// fail the others.
func (m *Manager[K, T]) fetch(k K) {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	v, err := m.handler.Fetch(ctx, k)
	if err == nil {
		m.handler.Set(k, v)
	}

	m.mu.Lock()
	waiters := m.inflight[k]
	delete(m.inflight, k)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- result[T]{v: v, e: err}
		close(ch)
	}
}

// Forget drops a cached result so the next lookup fetches again.
func (m *Manager[K, T]) Forget(k K) {
	if m.handler.Delete != nil {
		m.handler.Delete(k)
	}
}
