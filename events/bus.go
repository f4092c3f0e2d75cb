// Package events fans out engine events to registered subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrBusClosed = errors.New("event bus is closed")

const subscriberBuffer = 64

type subscription[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (s *subscription[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// Bus delivers every published value to every subscriber in publish order.
// Publish blocks while a subscriber's buffer is full, so a slow subscriber
// slows down the publisher instead of losing events.
type Bus[T any] struct {
	topic string
	// mu orders sends against closing channels; lookups go through subs
	mu     sync.RWMutex
	subs   sync.Map // id -> *subscription[T]
	closed bool
}

func NewBus[T any](topic string) *Bus[T] {
	return &Bus[T]{topic: topic}
}

func (b *Bus[T]) Topic() string {
	return b.topic
}

// Subscribe registers id and returns its channel. Subscribing an id twice
// returns the existing channel.
func (b *Bus[T]) Subscribe(id string) (<-chan T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if s, ok := b.subs.Load(id); ok {
		return s.(*subscription[T]).ch, nil
	}
	s := &subscription[T]{
		ch:   make(chan T, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.subs.Store(id, s)
	return s.ch, nil
}

// Unsubscribe removes id and closes its channel.
func (b *Bus[T]) Unsubscribe(id string) error {
	v, ok := b.subs.Load(id)
	if !ok {
		return fmt.Errorf("%s: subscriber %q does not exist", b.topic, id)
	}
	s := v.(*subscription[T])
	// unblocks a publisher waiting on this subscriber before taking the write lock
	s.stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs.CompareAndDelete(id, s) {
		close(s.ch)
	}
	return nil
}

// Publish sends v to every subscriber.
func (b *Bus[T]) Publish(ctx context.Context, v T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	var err error
	b.subs.Range(func(_, value any) bool {
		s := value.(*subscription[T])
		select {
		case s.ch <- v:
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
			return false
		}
		return true
	})
	return err
}

func (b *Bus[T]) Len() int {
	n := 0
	b.subs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown closes every subscriber channel; later publishes fail.
func (b *Bus[T]) Shutdown() {
	b.subs.Range(func(_, value any) bool {
		value.(*subscription[T]).stop()
		return true
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs.Range(func(id, value any) bool {
		if b.subs.CompareAndDelete(id, value) {
			close(value.(*subscription[T]).ch)
		}
		return true
	})
	b.closed = true
}
