package intentqueue

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/metrics"
)

type memoryItem struct {
	intent    *boop.Intent
	iteration uint16
}

// MemoryQueue has the semantics of RedisQueue without durability.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []memoryItem
	popped map[common.Hash]uint16

	MaxQueued  uint64
	MaxBatch   int64
	MaxRetries uint16
}

func NewMemoryQueue(config RedisQueueConfig) *MemoryQueue {
	return &MemoryQueue{
		popped:     make(map[common.Hash]uint16),
		MaxQueued:  config.MaxQueued,
		MaxBatch:   config.MaxBatch,
		MaxRetries: config.MaxRetries,
	}
}

func (q *MemoryQueue) Push(_ context.Context, intent *boop.Intent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if uint64(len(q.items)) >= q.MaxQueued {
		metrics.IncQueueFullBoops()
		return ErrQueueFull
	}
	q.insert(memoryItem{intent: intent})
	return nil
}

// insert keeps items ordered by (deadline, retries, arrival) like the redis members.
func (q *MemoryQueue) insert(it memoryItem) {
	i := sort.Search(len(q.items), func(i int) bool {
		other := q.items[i]
		if a, b := other.intent.DeadlineScore(), it.intent.DeadlineScore(); a != b {
			return a > b
		}
		return other.iteration > it.iteration
	})
	q.items = append(q.items, memoryItem{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
}

func (q *MemoryQueue) Len(_ context.Context) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return uint64(len(q.items)), nil
}

func (q *MemoryQueue) Collect(_ context.Context, _ events.Block) ([]*boop.Intent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if q.MaxBatch > 0 && int64(n) > q.MaxBatch {
		n = int(q.MaxBatch)
	}
	out := make([]*boop.Intent, 0, n)
	for _, it := range q.items[:n] {
		q.popped[it.intent.Hash] = it.iteration
		out = append(out, it.intent)
	}
	q.items = append(q.items[:0], q.items[n:]...)
	return out, nil
}

func (q *MemoryQueue) Done(hash common.Hash) {
	q.mu.Lock()
	delete(q.popped, hash)
	q.mu.Unlock()
}

func (q *MemoryQueue) Return(_ context.Context, intents []*boop.Intent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for _, intent := range intents {
		iteration := q.popped[intent.Hash]
		delete(q.popped, intent.Hash)
		if iteration >= q.MaxRetries {
			errs = append(errs, &DroppedError{Hash: intent.Hash, Err: ErrMaxRetriesReached})
			continue
		}
		q.insert(memoryItem{intent: intent, iteration: iteration + 1})
		metrics.IncQueueRequeuedBoops()
	}
	return errors.Join(errs...)
}
