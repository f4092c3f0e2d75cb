package spike

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCollapsesLookups(t *testing.T) {
	keys := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03")}
	var fetches atomic.Int32
	m := NewManager(func(ctx context.Context, k common.Hash) (string, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		return k.Hex(), nil
	}, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, k := range keys {
			wg.Add(1)
			go func(k common.Hash) {
				defer wg.Done()
				res, err := m.GetResult(context.Background(), k)
				assert.NoError(t, err)
				assert.Equal(t, k.Hex(), res)
			}(k)
		}
	}
	wg.Wait()
	require.Equal(t, int32(len(keys)), fetches.Load())

	m.Forget(keys[0])
	_, err := m.GetResult(context.Background(), keys[0])
	require.NoError(t, err)
	require.Equal(t, int32(len(keys)+1), fetches.Load())
}

func TestManagerDoesNotCacheErrors(t *testing.T) {
	var fetches atomic.Int32
	fail := errors.New("not yet")
	m := NewManager(func(ctx context.Context, k int) (int, error) {
		if fetches.Add(1) == 1 {
			return 0, fail
		}
		return k * 2, nil
	}, time.Second)

	_, err := m.GetResult(context.Background(), 21)
	require.ErrorIs(t, err, fail)
	v, err := m.GetResult(context.Background(), 21)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestManagerCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	m := NewManager(func(ctx context.Context, k int) (int, error) {
		<-release
		return k, nil
	}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.GetResult(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan int)
	go func() {
		v, _ := m.GetResult(context.Background(), 1)
		done <- v
	}()
	close(release)
	require.Equal(t, 1, <-done)
}

func TestCustomManager(t *testing.T) {
	g := gocache.New(gocache.NoExpiration, gocache.DefaultExpiration)
	var fetches atomic.Int32
	handler := Handler[string, int]{
		Fetch: func(ctx context.Context, k string) (int, error) {
			fetches.Add(1)
			return len(k), nil
		},
		Set: func(k string, v int) {
			g.Set(k, v, 50*time.Millisecond)
		},
		Get: func(k string) (int, bool) {
			v, ok := g.Get(k)
			if !ok {
				return 0, false
			}
			return v.(int), true
		},
	}

	manager := NewCustomManager(handler, time.Second)
	for i := 0; i < 5; i++ {
		v, err := manager.GetResult(context.Background(), "four")
		require.NoError(t, err)
		require.Equal(t, 4, v)
	}
	require.Equal(t, int32(1), fetches.Load())

	<-time.After(100 * time.Millisecond)
	_, ok := g.Get("four")
	require.False(t, ok)
	_, err := manager.GetResult(context.Background(), "four")
	require.NoError(t, err)
	require.Equal(t, int32(2), fetches.Load())
}
