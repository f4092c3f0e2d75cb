package nonce

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu    sync.Mutex
	value map[Key]uint64
	err   error
	delay time.Duration
	calls atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{value: make(map[Key]uint64)}
}

func (s *fakeSource) set(k Key, v uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value[k] = v
	s.err = err
}

func (s *fakeSource) Nonce(ctx context.Context, account common.Address, track uint64) (uint64, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value[Key{Account: account, Track: track}], s.err
}

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func TestConsumeConcurrentUnique(t *testing.T) {
	src := newFakeSource()
	src.delay = 10 * time.Millisecond
	src.set(Key{alice, 0}, 40, nil)
	m := NewManager(zap.NewNop(), src)

	const n = 100
	results := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Consume(context.Background(), alice, 0)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), src.calls.Load(), "on-chain value is fetched once")
	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		require.Equal(t, uint64(40+i), v)
	}
}

func TestIndependentKeys(t *testing.T) {
	src := newFakeSource()
	src.set(Key{alice, 0}, 1, nil)
	src.set(Key{alice, 1}, 100, nil)
	src.set(Key{bob, 0}, 7, nil)
	m := NewManager(zap.NewNop(), src)
	ctx := context.Background()

	// hold alice/0 and make sure other keys still progress
	e := m.entry(Key{alice, 0})
	require.NoError(t, e.acquire(ctx))

	v, err := m.Consume(ctx, alice, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), v)
	v, err = m.Consume(ctx, bob, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(7), v)

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Consume(blocked, alice, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	e.release()

	v, err = m.Consume(ctx, alice, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
}

func TestResyncIfTooLow(t *testing.T) {
	tests := []struct {
		name     string
		cached   uint64
		onchain  uint64
		expected uint64
	}{
		{"chain behind keeps cached", 5, 3, 5},
		{"chain equal keeps cached", 5, 5, 5},
		{"chain ahead is adopted", 5, 8, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.set(Key{alice, 0}, tt.cached, nil)
			m := NewManager(zap.NewNop(), src)
			ctx := context.Background()

			v, err := m.Peek(ctx, alice, 0)
			require.NoError(t, err)
			require.Equal(t, tt.cached, v)

			src.set(Key{alice, 0}, tt.onchain, nil)
			require.NoError(t, m.ResyncIfTooLow(ctx, alice, 0))

			v, err = m.Consume(ctx, alice, 0)
			require.NoError(t, err)
			require.Equal(t, tt.expected, v)
		})
	}
}

func TestResyncFailureInvalidates(t *testing.T) {
	src := newFakeSource()
	src.set(Key{alice, 0}, 5, nil)
	m := NewManager(zap.NewNop(), src)
	ctx := context.Background()

	_, err := m.Consume(ctx, alice, 0)
	require.NoError(t, err)

	rpcErr := errors.New("rpc down")
	src.set(Key{alice, 0}, 0, rpcErr)
	require.ErrorIs(t, m.ResyncIfTooLow(ctx, alice, 0), rpcErr)
	_, err = m.Cached(alice, 0)
	require.ErrorIs(t, err, ErrNotTracked)

	src.set(Key{alice, 0}, 9, nil)
	v, err := m.Consume(ctx, alice, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(9), v, "value is refetched after invalidation")
}

func TestReleaseReuse(t *testing.T) {
	src := newFakeSource()
	src.set(Key{alice, 0}, 10, nil)
	m := NewManager(zap.NewNop(), src)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := m.Consume(ctx, alice, 0)
		require.NoError(t, err)
	}
	require.NoError(t, m.Release(ctx, alice, 0, 12))
	require.NoError(t, m.Release(ctx, alice, 0, 11))
	require.NoError(t, m.Release(ctx, alice, 0, 11))
	require.NoError(t, m.Release(ctx, alice, 0, 20), "nonces never handed out are ignored")

	for _, expected := range []uint64{11, 12, 14} {
		v, err := m.Consume(ctx, alice, 0)
		require.NoError(t, err)
		require.Equal(t, expected, v)
	}
}

func TestHintForwardOnly(t *testing.T) {
	src := newFakeSource()
	src.set(Key{alice, 0}, 3, nil)
	m := NewManager(zap.NewNop(), src)
	ctx := context.Background()

	_, err := m.Peek(ctx, alice, 0)
	require.NoError(t, err)
	require.NoError(t, m.Hint(ctx, alice, 0, 2))
	v, err := m.Cached(alice, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)

	require.NoError(t, m.Hint(ctx, alice, 0, 6))
	v, err = m.Cached(alice, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(6), v)
}
