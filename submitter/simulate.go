package submitter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/happychain/boop-submitter/gasprice"
	"github.com/happychain/boop-submitter/metrics"
	"github.com/happychain/boop-submitter/simcache"
	"github.com/happychain/boop-submitter/simulator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Simulate runs the boop against the EntryPoint without broadcasting it. A
// zero entryPoint means the configured one.
func (s *Submitter) Simulate(ctx context.Context, entryPoint common.Address, b *boop.Boop) (*boop.SimulationOutput, error) {
	if entryPoint == (common.Address{}) {
		entryPoint = s.cfg.EntryPoint
	}
	if err := s.validateGasInput(b, false, boop.StageSimulate); err != nil {
		return nil, err
	}
	return s.simulate(ctx, entryPoint, b, boop.ComputeHash(s.chainID, b), boop.StageSimulate)
}

// simulate returns the cached result for (entryPoint, hash) or runs a new
// simulation. Only successful simulations are cached.
func (s *Submitter) simulate(ctx context.Context, entryPoint common.Address, b *boop.Boop, hash common.Hash, stage boop.Stage) (*boop.SimulationOutput, error) {
	key := simcache.Key{EntryPoint: entryPoint, Hash: hash}
	if out, ok := s.Cache.Find(key); ok {
		metrics.IncSimCacheHits()
		return out, nil
	}
	metrics.IncSimCacheMisses()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SimulationTimeout)
	defer cancel()

	var (
		res     *simulator.Result
		balance *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := s.Simulator.SimulateSubmit(gctx, entryPoint, b)
		res = r
		return err
	})
	if b.SelfPaying() {
		g.Go(func() error {
			bal, err := s.Simulator.Balance(gctx, b.Account)
			balance = bal
			return err
		})
	}
	err := g.Wait()
	metrics.RecordSimulationDuration(time.Since(start).Milliseconds())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", boop.ErrSimulationTimeout, err)
		}
		return nil, err
	}

	if res.Reverted {
		r := chain.OutputForRevert(b, res.RevertData)
		s.noteMisbehaviour(hash, r.Status)
		return nil, boop.OnchainFailure(r.Status, stage, r.Description, r.RevertData)
	}

	out, err := s.outputFor(ctx, entryPoint, b, res.Output, stage)
	if err != nil {
		return nil, err
	}

	if balance != nil {
		gas := uint64(b.GasLimit)
		if gas == 0 {
			gas = uint64(out.Gas)
		}
		cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), out.MaxFeePerGas.ToInt())
		if fee := out.SubmitterFee.ToInt(); fee.Sign() > 0 {
			cost.Add(cost, fee)
		}
		if balance.Cmp(cost) < 0 {
			return nil, boop.OnchainFailure(boop.OnchainPayoutFailed, stage,
				fmt.Sprintf("Account balance %s is below the maximum cost of %s", balance, cost), nil)
		}
	}

	s.Cache.Insert(key, out)
	return out, nil
}

func (s *Submitter) outputFor(ctx context.Context, entryPoint common.Address, b *boop.Boop, o *chain.SubmitOutput, stage boop.Stage) (*boop.SimulationOutput, error) {
	status := chain.StatusForCall(chain.CallStatus(o.CallStatus))
	if status != boop.OnchainSuccess {
		var revertData []byte
		if status.IsRevert() {
			revertData = o.RevertData
		}
		return nil, boop.OnchainFailure(status, stage, "", revertData)
	}

	margin := s.cfg.GasSafetyMarginPercent
	out := &boop.SimulationOutput{
		Status:                                 status,
		EntryPoint:                             entryPoint,
		Gas:                                    withMargin(o.Gas, margin),
		ValidateGas:                            withMargin(o.ValidateGas, margin),
		ValidatePaymentGas:                     withMargin(o.ValidatePaymentGas, margin),
		ExecuteGas:                             withMargin(o.ExecuteGas, margin),
		ValidityUnknownDuringSimulation:        o.ValidityUnknownDuringSimulation,
		PaymentValidityUnknownDuringSimulation: o.PaymentValidityUnknownDuringSimulation,
		FutureNonceDuringSimulation:            o.FutureNonceDuringSimulation,
	}

	suggested, _, err := s.suggestFees(ctx)
	if err != nil {
		return nil, err
	}
	maxFee := b.MaxFeeInt()
	if maxFee.Sign() == 0 {
		maxFee = suggested
	}
	out.MaxFeePerGas = (*hexutil.Big)(maxFee)
	if expected, err := s.Oracle.ExpectedNextBaseFee(); err == nil {
		out.FeeTooLowDuringSimulation = expected.Cmp(maxFee) > 0
	}
	out.FeeTooHighDuringSimulation = s.Oracle.AboveLimit()

	switch {
	case b.SubmitterFee != nil:
		out.SubmitterFee = boop.NewSignedBig(b.SubmitterFeeInt())
	case s.cfg.DefaultSubmitterFee != nil:
		out.SubmitterFee = boop.NewSignedBig(s.cfg.DefaultSubmitterFee)
	default:
		out.SubmitterFee = boop.NewSignedBig(new(big.Int))
	}
	return out, nil
}

// suggestFees reads the oracle, bootstrapping it from the chain if no block was seen yet.
func (s *Submitter) suggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	maxFee, priority, err := s.Oracle.SuggestGasForNextBlock()
	if !errors.Is(err, gasprice.ErrNotReady) {
		return maxFee, priority, err
	}
	if _, err := s.Oracle.Refresh(ctx, s.Client); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", boop.ErrRPC, err)
	}
	return s.Oracle.SuggestGasForNextBlock()
}

// withMargin returns ceil(v * (100 + percent) / 100), capped to what the EntryPoint accepts.
func withMargin(v uint32, percent uint64) hexutil.Uint64 {
	padded := (uint64(v)*(100+percent) + 99) / 100
	if padded > math.MaxUint32 {
		padded = math.MaxUint32
	}
	return hexutil.Uint64(padded)
}

func (s *Submitter) noteMisbehaviour(hash common.Hash, status boop.OnchainStatus) {
	switch status {
	case boop.OnchainInvalidSignature, boop.OnchainValidationRejected, boop.OnchainValidationReverted,
		boop.OnchainPaymentValidationRejected, boop.OnchainPaymentValidationReverted, boop.OnchainUnexpectedReverted:
		s.log.Info("Boop failed validation", zap.String("boopHash", hash.Hex()), zap.String("status", string(status)))
	}
}
