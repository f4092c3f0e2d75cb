package boop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func testBoop() *Boop {
	deadline := hexutil.Uint64(1_700_000_000)
	return &Boop{
		Account:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Dest:             common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Payer:            common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Value:            (*hexutil.Big)(big.NewInt(0)),
		NonceTrack:       1,
		NonceValue:       7,
		MaxFeePerGas:     (*hexutil.Big)(big.NewInt(1_000_000_000)),
		SubmitterFee:     NewSignedBig(big.NewInt(-5)),
		GasLimit:         100_000,
		ValidateGasLimit: 30_000,
		ExecuteGasLimit:  50_000,
		CallData:         hexutil.MustDecode("0xdeadbeef"),
		Deadline:         &deadline,
	}
}

func TestEncode(t *testing.T) {
	b := testBoop()
	enc := Encode(b)
	require.Equal(t, staticEncodedSize+12+4, len(enc))

	// submitter fee of -5 is encoded as two's complement
	feeOffset := 20 + 20 + 20 + 32 + 24 + 8 + 32
	fee := enc[feeOffset : feeOffset+32]
	require.Equal(t, byte(0xff), fee[0])
	require.Equal(t, byte(0xfb), fee[31])

	track := enc[92 : 92+24]
	require.Equal(t, byte(1), track[23])
	require.Equal(t, make([]byte, 23), track[:23])
}

func TestComputeHash(t *testing.T) {
	chainID := big.NewInt(216)
	b := testBoop()
	h := ComputeHash(chainID, b)

	require.Equal(t, h, ComputeHash(chainID, testBoop()), "hash must be deterministic")
	require.NotEqual(t, h, ComputeHash(big.NewInt(1), b), "hash must commit to the chain id")

	noDeadline := testBoop()
	noDeadline.Deadline = nil
	require.Equal(t, h, ComputeHash(chainID, noDeadline), "deadline is not part of the encoding")

	otherNonce := testBoop()
	otherNonce.NonceValue = 8
	require.NotEqual(t, h, ComputeHash(chainID, otherNonce))
}

func TestSignedBigJSON(t *testing.T) {
	b := testBoop()
	data, err := json.Marshal(b)
	require.NoError(t, err)
	require.Contains(t, string(data), `"submitterFee":"-0x5"`)

	var decoded Boop
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, big.NewInt(-5), decoded.SubmitterFeeInt())
	require.Equal(t, ComputeHash(big.NewInt(1), b), ComputeHash(big.NewInt(1), &decoded))
}

func TestBoopValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Boop)
		err    error
	}{
		{"valid", func(b *Boop) {}, nil},
		{"gas overflow", func(b *Boop) { b.ExecuteGasLimit = 1 << 32 }, ErrGasLimitOverflow},
		{"negative value", func(b *Boop) { b.Value = (*hexutil.Big)(big.NewInt(-1)) }, ErrNegativeValue},
		{"negative max fee", func(b *Boop) { b.MaxFeePerGas = (*hexutil.Big)(big.NewInt(-1)) }, ErrNegativeMaxFee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBoop()
			tt.mutate(b)
			err := b.Validate()
			if tt.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestWithGas(t *testing.T) {
	b := testBoop()
	b.GasLimit = 0
	b.ValidatePaymentGasLimit = 0
	out := &SimulationOutput{Gas: 90_000, ValidateGas: 1, ValidatePaymentGas: 2, ExecuteGas: 3}

	filled := b.WithGas(out)
	require.Equal(t, hexutil.Uint64(90_000), filled.GasLimit)
	require.Equal(t, hexutil.Uint64(30_000), filled.ValidateGasLimit, "explicit values are kept")
	require.Equal(t, hexutil.Uint64(2), filled.ValidatePaymentGasLimit)
	require.Equal(t, hexutil.Uint64(0), b.GasLimit, "original is not modified")
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateSimulating, true},
		{StateSimulating, StateSimulated, true},
		{StateSimulating, StateSimulationFailed, true},
		{StateSimulated, StateSubmitting, true},
		{StateSubmitting, StateSubmitted, true},
		{StateSubmitted, StateIncluded, true},
		{StateSubmitted, StateReverted, true},
		{StateSubmitted, StateDropped, true},
		{StateSubmitted, StateReplaced, true},
		{StateDropped, StateSubmitted, true},
		{StateCreated, StateAbandoned, true},
		{StateDropped, StateAbandoned, true},
		{StateAbandoned, StateCreated, false},
		{StateAbandoned, StateSubmitting, false},
		{StateIncluded, StateSubmitted, false},
		{StateReplaced, StateSubmitting, false},
		{StateSimulationFailed, StateSimulating, false},
		{StateCreated, StateIncluded, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			next, err := tt.from.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				require.Equal(t, tt.to, next)
			} else {
				require.ErrorIs(t, err, ErrIllegalTransition)
				require.Equal(t, tt.from, next)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, state := range TerminalStates {
		require.True(t, state.Terminal(), state)
		require.Empty(t, transitions[state], state)
	}
	for _, state := range []State{StateCreated, StateSimulating, StateSimulated, StateSubmitting, StateSubmitted, StateDropped} {
		require.False(t, state.Terminal(), state)
	}
}

func TestOutputFromError(t *testing.T) {
	old, replacement := common.HexToHash("0x01"), common.HexToHash("0x02")
	tests := []struct {
		err    error
		stage  Stage
		status string
	}{
		{ErrBufferExceeded, StageSubmit, string(SubmitterBufferExceeded)},
		{fmt.Errorf("admit: %w", ErrOverCapacity), StageSubmit, string(SubmitterOverCapacity)},
		{&ReplacedError{Old: old, New: replacement}, StageExecute, string(SubmitterTransactionReplaced)},
		{context.DeadlineExceeded, StageSimulate, string(SubmitterSimulationTimeout)},
		{context.DeadlineExceeded, StageExecute, string(SubmitterReceiptTimeout)},
		{OnchainFailure(OnchainInvalidSignature, StageSimulate, "", nil), StageSubmit, string(OnchainInvalidSignature)},
		{errors.New("db password leaked"), StageSubmit, string(SubmitterUnexpectedError)},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			out := OutputFromError(tt.err, tt.stage)
			require.Equal(t, tt.status, out.Status)
		})
	}

	out := OutputFromError(errors.New("db password leaked"), StageSubmit)
	require.NotContains(t, out.Error(), "password")
}
