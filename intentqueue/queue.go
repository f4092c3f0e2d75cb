// Package intentqueue is the durable pool of accepted boops waiting for a block, backed by redis.
//
// Queue uses one sorted set in redis. The score of an item is the boop deadline (unix seconds),
// so boops that expire first are collected first. Boops without a deadline get the maximal score.
// Redis orders members with the same score lexicographically, which is why the packed member starts
// with the retry counter and the time of submission (see packData).
//
// Usage:
//  1. Create a queue with `NewRedisQueue`.
//  2. Push accepted intents with `Push`.
//  3. On every block the collector calls `Collect` and hands back what it could not process with `Return`.
//
// NOTE: Collect pops items, so an item held by a collector that crashes before persisting its batch is lost.
// Intents are stored in the database before they are pushed, so they are recovered by the startup replay.
package intentqueue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrRequeueFailed     = errors.New("item requeue failed")
)

type RedisQueue struct {
	log       *zap.Logger
	red       *redis.Client
	queueName string

	// retry counters of items popped but not yet returned or finished
	mu      sync.Mutex
	popped  map[common.Hash]packArgs
	maxWait time.Duration

	MaxQueued  uint64
	MaxBatch   int64
	MaxRetries uint16
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string, config RedisQueueConfig) *RedisQueue {
	log = log.With(zap.String("queue", queueName))
	return &RedisQueue{
		log:        log,
		red:        red,
		queueName:  queueName,
		popped:     make(map[common.Hash]packArgs),
		maxWait:    config.RequeueTimeout,
		MaxQueued:  config.MaxQueued,
		MaxBatch:   config.MaxBatch,
		MaxRetries: config.MaxRetries,
	}
}

func deadlineScore(intent *boop.Intent) float64 {
	if intent.Boop.Deadline == nil {
		return math.MaxFloat64
	}
	return float64(*intent.Boop.Deadline)
}

// Push adds a freshly accepted intent to the pool.
func (s *RedisQueue) Push(ctx context.Context, intent *boop.Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	args := packArgs{
		data:      data,
		deadline:  deadlineScore(intent),
		timestamp: time.Now(),
		iteration: 0,
	}
	if err := s.pushToQueue(ctx, args, true); err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.String("boop", intent.Hash.Hex()))
	return nil
}

// Len returns the number of intents waiting in the pool.
func (s *RedisQueue) Len(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs, checkCapacity bool) error {
	if checkCapacity {
		queued, err := s.Len(ctx)
		if err != nil {
			s.log.Warn("failed to get queued items", zap.Error(err))
			return err
		}
		if queued >= s.MaxQueued {
			s.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued", s.MaxQueued))
			metrics.IncQueueFullBoops()
			return ErrQueueFull
		}
	}

	score, redisData := packData(args)
	err := s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// Collect pops up to MaxBatch intents with the earliest deadlines.
// Items that cannot be decoded are dropped.
func (s *RedisQueue) Collect(ctx context.Context, block events.Block) ([]*boop.Intent, error) {
	values, err := s.red.ZPopMin(ctx, s.queueName, s.MaxBatch).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.log.Error("failed to pop from queue", zap.Error(err))
		return nil, err
	}

	intents := make([]*boop.Intent, 0, len(values))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, value := range values {
		redisData, ok := value.Member.(string)
		if !ok {
			s.log.Error("failed to pop from queue, invalid data type")
			metrics.IncQueuePopStaleBoops()
			continue
		}
		args, err := unpackData(value.Score, []byte(redisData))
		if err != nil {
			s.log.Error("failed to unpack data", zap.Error(err))
			metrics.IncQueuePopStaleBoops()
			continue
		}
		var intent boop.Intent
		if err := json.Unmarshal(args.data, &intent); err != nil {
			s.log.Error("failed to decode queued intent", zap.Error(err))
			metrics.IncQueuePopStaleBoops()
			continue
		}
		s.popped[intent.Hash] = args
		intents = append(intents, &intent)
	}
	if len(intents) > 0 {
		s.log.Debug("collected from queue", zap.Int("count", len(intents)), zap.Uint64("block", block.Number))
	}
	return intents, nil
}

// Done forgets the retry bookkeeping of an intent that left the pool for good.
func (s *RedisQueue) Done(hash common.Hash) {
	s.mu.Lock()
	delete(s.popped, hash)
	s.mu.Unlock()
}

// Return puts intents back into the pool for the next block. Each return counts as a retry;
// intents that were returned MaxRetries times are dropped and reported in the returned error.
func (s *RedisQueue) Return(ctx context.Context, intents []*boop.Intent) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = s.maxWait
	back := backoff.WithContext(exp, ctx)

	var errs []error
	for _, intent := range intents {
		s.mu.Lock()
		args, ok := s.popped[intent.Hash]
		delete(s.popped, intent.Hash)
		s.mu.Unlock()
		if !ok {
			data, err := json.Marshal(intent)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			args = packArgs{data: data, deadline: deadlineScore(intent), timestamp: intent.ReceivedAt}
		}
		if err := s.retryItem(ctx, args, back); err != nil {
			s.log.Warn("dropping intent from queue", zap.String("boop", intent.Hash.Hex()), zap.Error(err))
			errs = append(errs, &DroppedError{Hash: intent.Hash, Err: err})
			continue
		}
		metrics.IncQueueRequeuedBoops()
	}
	return errors.Join(errs...)
}

// DroppedError reports an intent that left the pool without being processed.
type DroppedError struct {
	Hash common.Hash
	Err  error
}

func (e *DroppedError) Error() string {
	return e.Hash.Hex() + ": " + e.Err.Error()
}

func (e *DroppedError) Unwrap() error {
	return e.Err
}

// Dropped lists the hashes of all intents reported in an error returned by Return.
func Dropped(err error) []common.Hash {
	if err == nil {
		return nil
	}
	var out []common.Hash
	if joined, ok := err.(interface{ Unwrap() []error }); ok { //nolint:errorlint
		for _, e := range joined.Unwrap() {
			out = append(out, Dropped(e)...)
		}
		return out
	}
	var dropped *DroppedError
	if errors.As(err, &dropped) {
		out = append(out, dropped.Hash)
	}
	return out
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, back backoff.BackOff) error {
	if args.iteration >= s.MaxRetries {
		return ErrMaxRetriesReached
	}
	args.iteration++
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args, false)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueues cleans all data in redis associated with the given queue
// NOTE: slow and dangerous operation, should only be used for testing
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	s.mu.Lock()
	s.popped = make(map[common.Hash]packArgs)
	s.mu.Unlock()
	return s.red.Del(ctx, s.queueName).Err()
}
