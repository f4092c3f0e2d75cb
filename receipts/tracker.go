// Package receipts waits for attempts to be included and classifies their outcome.
package receipts

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/happychain/boop-submitter/blockmonitor"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	subscriberID     = "receipts"
	defaultPollLimit = 8
	fetchMaxElapsed  = 2 * time.Second
)

type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Tracker checks watched transactions on every new block.
type Tracker struct {
	log      *zap.Logger
	client   ReceiptSource
	liveness *blockmonitor.Liveness

	mu      sync.Mutex
	waiters map[common.Hash][]chan *types.Receipt

	PollLimit int
}

func NewTracker(log *zap.Logger, client ReceiptSource, liveness *blockmonitor.Liveness) *Tracker {
	return &Tracker{
		log:       log.Named("receipts"),
		client:    client,
		liveness:  liveness,
		waiters:   make(map[common.Hash][]chan *types.Receipt),
		PollLimit: defaultPollLimit,
	}
}

// Start checks watched transactions for every block published on the bus until ctx is done.
func (t *Tracker) Start(ctx context.Context, blocks *events.Bus[events.Block]) (*sync.WaitGroup, error) {
	ch, err := blocks.Subscribe(subscriberID)
	if err != nil {
		return nil, err
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = blocks.Unsubscribe(subscriberID) }()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-ch:
				if !ok {
					return
				}
				t.OnNewBlock(ctx, b)
			}
		}
	}()
	return wg, nil
}

// OnNewBlock fetches receipts of all watched transactions, a bounded number at a time.
func (t *Tracker) OnNewBlock(ctx context.Context, b events.Block) {
	t.mu.Lock()
	hashes := make([]common.Hash, 0, len(t.waiters))
	for h := range t.waiters {
		hashes = append(hashes, h)
	}
	t.mu.Unlock()
	if len(hashes) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.PollLimit)
	for _, h := range hashes {
		h := h
		g.Go(func() error {
			receipt, err := t.client.TransactionReceipt(gctx, h)
			if err != nil {
				if !errors.Is(err, ethereum.NotFound) {
					t.trackError()
					t.log.Debug("Failed to fetch receipt", zap.Stringer("tx", h), zap.Uint64("block", b.Number), zap.Error(err))
				}
				return nil
			}
			t.trackSuccess()
			t.deliver(h, receipt)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Tracker) deliver(h common.Hash, receipt *types.Receipt) {
	t.mu.Lock()
	waiters := t.waiters[h]
	delete(t.waiters, h)
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- receipt
	}
}

func (t *Tracker) register(h common.Hash) chan *types.Receipt {
	ch := make(chan *types.Receipt, 1)
	t.mu.Lock()
	t.waiters[h] = append(t.waiters[h], ch)
	t.mu.Unlock()
	return ch
}

func (t *Tracker) unregister(h common.Hash, ch chan *types.Receipt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	waiters := t.waiters[h]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(t.waiters, h)
	} else {
		t.waiters[h] = waiters
	}
}

// Watching returns the number of transactions with at least one waiter.
func (t *Tracker) Watching() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// WaitForReceipt returns the receipt once the transaction is included, or
// boop.ErrReceiptTimeout when timeout elapses first. A cancelled ctx returns ctx.Err().
func (t *Tracker) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	start := time.Now()
	defer func() {
		metrics.RecordReceiptWaitDuration(time.Since(start).Milliseconds())
	}()

	ch := t.register(txHash)
	defer t.unregister(txHash, ch)

	if receipt, err := t.fetch(ctx, txHash); err == nil {
		return receipt, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case receipt := <-ch:
		return receipt, nil
	case <-timer.C:
		metrics.IncReceiptTimeouts()
		return nil, boop.ErrReceiptTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch retries transient errors briefly; a missing receipt is returned at once.
func (t *Tracker) fetch(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = fetchMaxElapsed
	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		r, err := t.client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			t.trackError()
			return err
		}
		t.trackSuccess()
		receipt = r
		return nil
	}, backoff.WithContext(exp, ctx))
	return receipt, err
}

func (t *Tracker) trackError() {
	if t.liveness != nil {
		t.liveness.TrackError()
	}
}

func (t *Tracker) trackSuccess() {
	if t.liveness != nil {
		t.liveness.TrackSuccess()
	}
}

// Classify turns an EVM receipt of a submit transaction into a boop receipt.
// gasLimit is the gas limit of the transaction: a failed receipt that used all of it ran out of gas.
func Classify(hash common.Hash, b *boop.Boop, receipt *types.Receipt, entryPoint common.Address, gasLimit uint64) *boop.Receipt {
	res := &boop.Receipt{
		BoopHash:   hash,
		Status:     boop.OnchainSuccess,
		GasUsed:    hexutil.Uint64(receipt.GasUsed),
		Logs:       receipt.Logs,
		TxHash:     receipt.TxHash,
		BlockHash:  receipt.BlockHash,
		EntryPoint: entryPoint,
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = hexutil.Uint64(receipt.BlockNumber.Uint64())
	}
	res.GasCost = gasCost(b, receipt)

	switch {
	case receipt.Status == types.ReceiptStatusFailed && receipt.GasUsed >= gasLimit:
		res.Status = boop.OnchainEntryPointOutOfGas
		res.Description = "The EntryPoint ran out of gas"
	case receipt.Status == types.ReceiptStatusFailed:
		res.Status = boop.OnchainUnexpectedReverted
		res.Description = "The submit transaction reverted"
	default:
		if status, revertData, ok := chain.StatusFromLogs(receipt.Logs, entryPoint); ok {
			res.Status = status
			if status.IsRevert() {
				res.RevertData = revertData
			}
		}
	}
	if res.RevertData == nil {
		res.RevertData = []byte{}
	}
	return res
}

// gasCost is what the boop paid: gas at the effective price plus the submitter
// fee. A rebate lowers the cost but never below zero.
func gasCost(b *boop.Boop, receipt *types.Receipt) *hexutil.Big {
	cost := new(big.Int).SetUint64(receipt.GasUsed)
	if receipt.EffectiveGasPrice != nil {
		cost.Mul(cost, receipt.EffectiveGasPrice)
	} else {
		cost.SetInt64(0)
	}
	cost.Add(cost, b.SubmitterFeeInt())
	if cost.Sign() < 0 {
		cost.SetInt64(0)
	}
	return (*hexutil.Big)(cost)
}
