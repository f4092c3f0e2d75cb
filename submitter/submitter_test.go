package submitter

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/happychain/boop-submitter/gasprice"
	"github.com/happychain/boop-submitter/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSimulate(t *testing.T) {
	ctx := context.Background()

	t.Run("fills gas with margin and caches", func(t *testing.T) {
		h := newHarness(t, nil)
		out, err := h.sub.Simulate(ctx, testEntryPoint, testBoop(0))
		require.NoError(t, err)
		require.Equal(t, boop.OnchainSuccess, out.Status)
		require.Equal(t, hexutil.Uint64(120_000), out.Gas)
		require.Equal(t, hexutil.Uint64(24_000), out.ValidateGas)
		require.Equal(t, hexutil.Uint64(48_000), out.ExecuteGas)

		suggested, _, err := h.oracle.SuggestGasForNextBlock()
		require.NoError(t, err)
		require.Equal(t, suggested, out.MaxFeePerGas.ToInt())

		_, err = h.sub.Simulate(ctx, testEntryPoint, testBoop(0))
		require.NoError(t, err)
		require.Equal(t, 1, h.sim.Calls())
	})

	t.Run("failures are not cached", func(t *testing.T) {
		h := newHarness(t, nil)
		h.sim.result = func(b *boop.Boop) (*simulator.Result, error) {
			return &simulator.Result{Output: &chain.SubmitOutput{CallStatus: uint8(chain.ExecuteReverted)}}, nil
		}
		for i := 0; i < 2; i++ {
			_, err := h.sub.Simulate(ctx, testEntryPoint, testBoop(0))
			requireStatus(t, err, string(boop.OnchainExecuteReverted))
		}
		require.Equal(t, 2, h.sim.Calls())
	})

	t.Run("self-paying account cannot pay", func(t *testing.T) {
		h := newHarness(t, nil)
		b := testBoop(0)
		b.Payer = b.Account
		b.MaxFeePerGas = (*hexutil.Big)(big.NewInt(2_000_000_000))
		_, err := h.sub.Simulate(ctx, testEntryPoint, b)
		requireStatus(t, err, string(boop.OnchainPayoutFailed))

		h.sim.balance = big.NewInt(1e18)
		b.NonceValue = 1
		_, err = h.sub.Simulate(ctx, testEntryPoint, b)
		require.NoError(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) { cfg.SimulationTimeout = 20 * time.Millisecond })
		h.sim.result = func(b *boop.Boop) (*simulator.Result, error) {
			time.Sleep(100 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		_, err := h.sub.Simulate(ctx, testEntryPoint, testBoop(0))
		require.ErrorIs(t, err, boop.ErrSimulationTimeout)
	})
}

func TestSubmitToInclusion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	hash, err := h.sub.Submit(ctx, testBoop(0), SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, boop.StateCreated, h.state(hash))
	require.True(t, h.sub.Claimable(hash))

	attempts := h.dispatch()
	require.Len(t, attempts, 1)
	attempt := attempts[0]
	require.Equal(t, boop.StateSubmitted, h.state(hash))
	require.False(t, h.sub.Claimable(hash))

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, attempt.TxHash, sent[0].Hash())
	require.Equal(t, testEntryPoint, *sent[0].To())
	require.Equal(t, uint64(0), sent[0].Nonce())
	require.Equal(t, uint64(120_000), sent[0].Gas())

	stored, err := h.repo.GetIntent(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, hexutil.Uint64(120_000), stored.Intent.Boop.GasLimit)
	require.Len(t, stored.Attempts, 1)
	require.True(t, stored.Attempts[0].Flushed)

	next, err := h.sub.BoopNonces.Peek(ctx, testAccount, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)

	h.mine(attempt.TxHash, types.ReceiptStatusSuccessful)
	require.Eventually(t, func() bool {
		return h.state(hash) == boop.StateIncluded
	}, 2*time.Second, 10*time.Millisecond)

	receipt, err := h.sub.WaitForReceipt(ctx, hash, time.Second)
	require.NoError(t, err)
	require.Equal(t, boop.OnchainSuccess, receipt.Status)
	require.Equal(t, attempt.TxHash, receipt.TxHash)
	require.Equal(t, hexutil.Uint64(90_000), receipt.GasUsed)

	stored, err = h.repo.GetIntent(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, boop.StateIncluded, stored.State)
	active, _ := h.sub.Stats()
	require.Equal(t, 0, active)
}

func TestRevertedTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	hash, err := h.sub.Submit(ctx, testBoop(0), SubmitOptions{})
	require.NoError(t, err)
	attempts := h.dispatch()

	h.mine(attempts[0].TxHash, types.ReceiptStatusFailed)
	receipt, err := h.sub.WaitForReceipt(ctx, hash, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, boop.OnchainUnexpectedReverted, receipt.Status)
	require.Equal(t, boop.StateReverted, h.state(hash))

	// the boop nonce was not used, it is refetched from the chain
	_, err = h.sub.BoopNonces.Cached(testAccount, 0)
	require.Error(t, err)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.sub.SetTrigger(triggerFunc(func(ctx context.Context) {
		attempts := h.dispatch()
		require.Len(t, attempts, 1)
		h.mine(attempts[0].TxHash, types.ReceiptStatusSuccessful)
	}))

	receipt, err := h.sub.Execute(ctx, testBoop(0), SubmitOptions{Immediate: true}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, boop.OnchainSuccess, receipt.Status)
}

func TestWaitForReceiptUnknown(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.sub.WaitForReceipt(context.Background(), boop.ComputeHash(testChainID, testBoop(9)), time.Millisecond)
	require.ErrorIs(t, err, boop.ErrUnknownBoop)
}

func TestSlotReplacement(t *testing.T) {
	ctx := context.Background()

	t.Run("queued boop", func(t *testing.T) {
		h := newHarness(t, nil)
		first, err := h.sub.Submit(ctx, testBoop(0), SubmitOptions{})
		require.NoError(t, err)

		b := testBoop(0)
		b.CallData = hexutil.MustDecode("0xcafebabe")
		second, err := h.sub.Submit(ctx, b, SubmitOptions{})
		require.NoError(t, err)

		_, err = h.sub.WaitForReceipt(ctx, first, time.Second)
		var replaced *boop.ReplacedError
		require.ErrorAs(t, err, &replaced)
		require.Equal(t, second, replaced.New)
		require.Equal(t, boop.StateReplaced, h.state(first))
		require.False(t, h.sub.Claimable(first))
		require.True(t, h.sub.Claimable(second))
	})

	t.Run("broadcast boop", func(t *testing.T) {
		h := newHarness(t, nil)
		first, err := h.sub.Submit(ctx, testBoop(0), SubmitOptions{})
		require.NoError(t, err)
		original := h.dispatch()[0]

		b := testBoop(0)
		b.CallData = hexutil.MustDecode("0xcafebabe")
		second, err := h.sub.Submit(ctx, b, SubmitOptions{})
		require.NoError(t, err)
		// the broadcast boop keeps its slot until the replacement is sent
		require.Equal(t, boop.StateSubmitted, h.state(first))

		params, reuse, err := h.sub.PlanAttempt(h.sub.reg.get(second).intent)
		require.NoError(t, err)
		require.True(t, reuse)
		require.Equal(t, original.Nonce, params.Nonce)

		replacement := h.dispatch()[0]
		require.Equal(t, boop.AttemptReplacement, replacement.Type)
		require.Equal(t, original.Nonce, replacement.Nonce)
		require.Equal(t, original.Executor, replacement.Executor)
		require.Equal(t, 1, replacement.MaxFeePerGas.Cmp(original.MaxFeePerGas))

		_, err = h.sub.WaitForReceipt(ctx, first, time.Second)
		var replaced *boop.ReplacedError
		require.ErrorAs(t, err, &replaced)
		require.Equal(t, boop.StateSubmitted, h.state(second))

		h.mine(replacement.TxHash, types.ReceiptStatusSuccessful)
		receipt, err := h.sub.WaitForReceipt(ctx, second, 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, replacement.TxHash, receipt.TxHash)
	})
}

func TestSendFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("nonce too low resyncs the executor", func(t *testing.T) {
		h := newHarness(t, nil)
		hash, err := h.sub.Submit(ctx, testBoop(0), SubmitOptions{})
		require.NoError(t, err)
		intents, err := h.pool.Collect(ctx, h.block)
		require.NoError(t, err)
		params, _, err := h.sub.PlanAttempt(intents[0])
		require.NoError(t, err)
		params.Nonce, err = h.sub.ExecutorNonces.Consume(ctx, h.executor.Address(), 0)
		require.NoError(t, err)

		// another sender used the executor in the meantime
		h.client.SetNonce(h.executor.Address(), 4, 4)
		h.client.SetSendErr(errors.New("nonce too low"))

		_, err = h.sub.Attempt(ctx, intents[0], params)
		require.ErrorIs(t, err, boop.ErrNonceTooLow)
		require.True(t, Flushed(err))
		require.Equal(t, boop.StateCreated, h.state(hash))

		next, err := h.sub.ExecutorNonces.Peek(ctx, h.executor.Address(), 0)
		require.NoError(t, err)
		require.Equal(t, uint64(4), next)
	})

	t.Run("rpc error leaves a dropped attempt to resend", func(t *testing.T) {
		h := newHarness(t, nil)
		hash, err := h.sub.Submit(ctx, testBoop(0), SubmitOptions{})
		require.NoError(t, err)
		h.client.SetSendErr(errors.New("connection reset"))

		intents, err := h.pool.Collect(ctx, h.block)
		require.NoError(t, err)
		params, _, err := h.sub.PlanAttempt(intents[0])
		require.NoError(t, err)
		attempt, err := h.sub.Attempt(ctx, intents[0], params)
		require.ErrorIs(t, err, boop.ErrRPC)
		require.True(t, Flushed(err))
		require.NotNil(t, attempt)
		require.Equal(t, boop.StateDropped, h.state(hash))

		h.client.SetSendErr(nil)
		h.advance(1, baseFee)
		require.Equal(t, boop.StateSubmitted, h.state(hash))
		sent := h.client.Sent()
		require.Len(t, sent, 1)
		require.Equal(t, attempt.TxHash, sent[0].Hash())
	})

	t.Run("gas price above limit", func(t *testing.T) {
		h := newHarness(t, nil)
		hash, err := h.sub.Submit(ctx, testBoop(0), SubmitOptions{})
		require.NoError(t, err)

		limited := gasprice.NewOracle(zap.NewNop(), gasprice.Config{
			Params:     gasprice.MainnetParams,
			MaxBaseFee: big.NewInt(baseFee / 2),
		}, nil)
		limited.OnNewBlock(h.block)
		h.sub.Oracle = limited

		intents, err := h.pool.Collect(ctx, h.block)
		require.NoError(t, err)
		params, _, err := h.sub.PlanAttempt(intents[0])
		require.NoError(t, err)
		_, err = h.sub.Attempt(ctx, intents[0], params)
		requireStatus(t, err, string(boop.SubmitterGasPriceTooHigh))
		require.False(t, Flushed(err))
		require.Equal(t, boop.StateSimulationFailed, h.state(hash))
		require.Empty(t, h.client.Sent())
	})
}

func TestGetStateAndPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var hashes []common.Hash
	for n := uint64(0); n < 3; n++ {
		hash, err := h.sub.Submit(ctx, testBoop(n), SubmitOptions{})
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}
	h.dispatch()

	pending, err := h.sub.Pending(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, st := range pending {
		assert.Equal(t, hashes[i], st.Hash)
		assert.Equal(t, boop.StateSubmitted, st.State)
		assert.True(t, st.Submitted)
	}

	st, err := h.sub.GetState(ctx, pending[0].Hash)
	require.NoError(t, err)
	require.NotNil(t, st.Simulation)
	require.NotNil(t, st.Attempt)
	require.Nil(t, st.Error)
}
