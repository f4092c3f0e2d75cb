package latest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupSupersedes(t *testing.T) {
	var g Group[string, int]
	started := make(chan struct{})

	var first error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, first = g.Do(context.Background(), "head", func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()
			return 1, nil
		})
	}()
	<-started

	v, err := g.Do(context.Background(), "head", func(ctx context.Context) (int, error) {
		return 2, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, v)

	wg.Wait()
	require.ErrorIs(t, first, ErrSuperseded)
}

func TestGroupKeysIndependent(t *testing.T) {
	var g Group[int, int]
	for i := 0; i < 3; i++ {
		v, err := g.Do(context.Background(), i, func(ctx context.Context) (int, error) { return i * 10, nil })
		require.NoError(t, err)
		require.Equal(t, i*10, v)
	}
}

func TestSerialLatestOnly(t *testing.T) {
	var s Serial
	release := make(chan struct{})
	started := make(chan struct{})
	var ran []int
	var mu sync.Mutex
	record := func(i int) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return record(0)(ctx)
		}))
	}()
	<-started

	results := make([]error, 3)
	var prev *waiter
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i-1] = s.Run(context.Background(), record(i))
		}(i)
		// each caller must be waiting before the next one arrives
		require.Eventually(t, func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.waiting != nil && s.waiting != prev {
				prev = s.waiting
				return true
			}
			return false
		}, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	superseded := 0
	for _, err := range results {
		if errors.Is(err, ErrSuperseded) {
			superseded++
		}
	}
	require.Equal(t, 2, superseded)
	require.Equal(t, []int{0, 3}, ran)
}

func TestSerialWaiterCancelled(t *testing.T) {
	var s Serial
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	var calls atomic.Int32
	err := s.Run(ctx, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	require.Eventually(t, func() bool {
		return s.Run(context.Background(), func(context.Context) error { return nil }) == nil
	}, time.Second, time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
}
