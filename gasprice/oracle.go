package gasprice

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/latest"
	"go.uber.org/zap"
)

var (
	ErrNotReady      = errors.New("gas price oracle has not seen a block yet")
	ErrNoBaseFee     = errors.New("block has no base fee")
	ErrFeeAboveLimit = errors.New("expected base fee is above the configured maximum")
)

const replacementBumpPercent = 110

// HeaderSource returns the latest header when number is nil.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type Config struct {
	Params               Params
	BaseFeeMarginPercent uint64
	MaxPriorityFeePerGas *big.Int
	// MaxBaseFee disables submission while the expected base fee is above it; nil means no limit.
	MaxBaseFee *big.Int
}

// Strategy turns a predicted base fee into (maxFeePerGas, maxPriorityFeePerGas).
type Strategy func(cfg Config, predictedBaseFee *big.Int) (*big.Int, *big.Int)

// MarginStrategy pads the prediction by BaseFeeMarginPercent and adds the priority fee.
func MarginStrategy(cfg Config, predictedBaseFee *big.Int) (*big.Int, *big.Int) {
	maxFee := new(big.Int).Mul(predictedBaseFee, new(big.Int).SetUint64(100+cfg.BaseFeeMarginPercent))
	maxFee.Div(maxFee, big.NewInt(100))
	priority := new(big.Int)
	if cfg.MaxPriorityFeePerGas != nil {
		priority.Set(cfg.MaxPriorityFeePerGas)
	}
	maxFee.Add(maxFee, priority)
	return maxFee, priority
}

// Oracle predicts the next base fee from the last block it was shown. Suggest
// never talks to the chain.
type Oracle struct {
	log      *zap.Logger
	cfg      Config
	strategy Strategy

	mu       sync.RWMutex
	head     *events.Block
	expected *big.Int

	refresh latest.Group[struct{}, events.Block]
}

func NewOracle(log *zap.Logger, cfg Config, strategy Strategy) *Oracle {
	if strategy == nil {
		strategy = MarginStrategy
	}
	return &Oracle{log: log, cfg: cfg, strategy: strategy}
}

// OnNewBlock updates the prediction. Blocks older than the current head are ignored.
func (o *Oracle) OnNewBlock(b events.Block) {
	if b.BaseFee == nil {
		o.log.Warn("Block without base fee", zap.Uint64("block", b.Number))
		return
	}
	expected := PredictNextBaseFee(o.cfg.Params, b.BaseFee, b.GasUsed, b.GasLimit)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.head != nil && b.Number < o.head.Number {
		return
	}
	o.head = &b
	o.expected = expected
	o.log.Debug("Predicted next base fee",
		zap.Uint64("block", b.Number), zap.String("baseFee", b.BaseFee.String()), zap.String("expected", expected.String()))
}

// Refresh bootstraps the oracle from the latest header. A newer Refresh
// supersedes one still in flight.
func (o *Oracle) Refresh(ctx context.Context, src HeaderSource) (events.Block, error) {
	return o.refresh.Do(ctx, struct{}{}, func(ctx context.Context) (events.Block, error) {
		h, err := src.HeaderByNumber(ctx, nil)
		if err != nil {
			return events.Block{}, err
		}
		if h.BaseFee == nil {
			return events.Block{}, ErrNoBaseFee
		}
		b := events.BlockFromHeader(h)
		o.OnNewBlock(b)
		return b, nil
	})
}

func (o *Oracle) ExpectedNextBaseFee() (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.expected == nil {
		return nil, ErrNotReady
	}
	return new(big.Int).Set(o.expected), nil
}

// SuggestGasForNextBlock returns the fees to use for a transaction that should
// land in the next block.
func (o *Oracle) SuggestGasForNextBlock() (maxFee, maxPriority *big.Int, err error) {
	expected, err := o.ExpectedNextBaseFee()
	if err != nil {
		return nil, nil, err
	}
	maxFee, maxPriority = o.strategy(o.cfg, expected)
	return maxFee, maxPriority, nil
}

// AboveLimit reports whether the expected base fee exceeds MaxBaseFee.
func (o *Oracle) AboveLimit() bool {
	if o.cfg.MaxBaseFee == nil {
		return false
	}
	expected, err := o.ExpectedNextBaseFee()
	if err != nil {
		return false
	}
	return expected.Cmp(o.cfg.MaxBaseFee) > 0
}

// ReplacementFees returns fees a node will accept as a replacement of a
// transaction priced at (oldMax, oldPriority): at least 110% of each, and no
// less than the current market suggestion.
func (o *Oracle) ReplacementFees(oldMax, oldPriority *big.Int) (*big.Int, *big.Int, error) {
	marketMax, marketPriority, err := o.SuggestGasForNextBlock()
	if err != nil {
		return nil, nil, err
	}
	maxFee := maxBig(bump(oldMax), marketMax)
	priority := maxBig(bump(oldPriority), marketPriority)
	if priority.Cmp(maxFee) > 0 {
		maxFee = new(big.Int).Set(priority)
	}
	return maxFee, priority, nil
}

// ShouldBump reports whether an attempt is underpriced for the next block.
func (o *Oracle) ShouldBump(a *boop.Attempt) bool {
	expected, err := o.ExpectedNextBaseFee()
	if err != nil {
		return false
	}
	if o.cfg.MaxPriorityFeePerGas != nil && a.MaxPriorityFeePerGas.Cmp(o.cfg.MaxPriorityFeePerGas) < 0 {
		return true
	}
	headroom := new(big.Int).Sub(a.MaxFeePerGas, a.MaxPriorityFeePerGas)
	return headroom.Cmp(expected) < 0
}

func bump(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(replacementBumpPercent))
	return out.Div(out, big.NewInt(100))
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
