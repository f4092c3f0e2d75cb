package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/jsonrpcserver"
	"github.com/happychain/boop-submitter/submitter"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testHash    = common.HexToHash("0xb0")
	testAccount = common.HexToAddress("0x01")
)

type fakeEngine struct {
	mu         sync.Mutex
	submitErr  error
	opts       submitter.SubmitOptions
	simulation *boop.SimulationOutput
	simErr     error
	state      *submitter.State
	stateErr   error
	stateCalls int
	timeout    time.Duration
	receipt    *boop.Receipt
	pending    []*submitter.State
}

func (f *fakeEngine) Submit(_ context.Context, _ *boop.Boop, opts submitter.SubmitOptions) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	return testHash, nil
}

func (f *fakeEngine) Execute(_ context.Context, _ *boop.Boop, opts submitter.SubmitOptions, timeout time.Duration) (*boop.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts, f.timeout = opts, timeout
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.receipt, nil
}

func (f *fakeEngine) Simulate(context.Context, common.Address, *boop.Boop) (*boop.SimulationOutput, error) {
	return f.simulation, f.simErr
}

func (f *fakeEngine) GetState(context.Context, common.Hash) (*submitter.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	return f.state, f.stateErr
}

func (f *fakeEngine) WaitForReceipt(_ context.Context, _ common.Hash, timeout time.Duration) (*boop.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = timeout
	if f.receipt == nil {
		return nil, boop.ErrReceiptTimeout
	}
	return f.receipt, nil
}

func (f *fakeEngine) Pending(context.Context, common.Address) ([]*submitter.State, error) {
	return f.pending, nil
}

func newTestAPI(t *testing.T, engine *fakeEngine, mutate func(*Config)) http.Handler {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := jsonrpcserver.NewHandler(NewAPI(zap.NewNop(), engine, cfg).Methods())
	require.NoError(t, err)
	return handler
}

func call(t *testing.T, h http.Handler, method, params string) string {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":%s}`, method, params)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

const boopParams = `[{"boop":{"account":"0x0000000000000000000000000000000000000001","nonceTrack":"0x2","nonceValue":"0x3"},` +
	`"entryPoint":"0x00000000000000000000000000000000000000e9","immediate":true}]`

func TestSubmit(t *testing.T) {
	testCases := map[string]struct {
		params   string
		err      error
		expected string
	}{
		"success": {
			params:   boopParams,
			expected: fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":{"status":"onchainSuccess","boopHash":%q}}`, testHash.Hex()),
		},
		"missing boop": {
			params: `[{}]`,
			expected: `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"submitterInvalidValues: missing boop",` +
				`"data":{"status":"submitterInvalidValues","stage":"submit","description":"missing boop"}}}`,
		},
		"buffer exceeded": {
			params: boopParams,
			err:    boop.ErrBufferExceeded,
			expected: `{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"submitterBufferExceeded: too many boops pending for this nonce track",` +
				`"data":{"status":"submitterBufferExceeded","stage":"submit","description":"too many boops pending for this nonce track"}}}`,
		},
		"onchain failure": {
			params: boopParams,
			err:    boop.OnchainFailure(boop.OnchainCallReverted, boop.StageSubmit, "call reverted", []byte{0xca, 0xfe}),
			expected: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"onchainCallReverted: call reverted",` +
				`"data":{"status":"onchainCallReverted","stage":"submit","description":"call reverted","revertData":"0xcafe"}}}`,
		},
		"unexpected error": {
			params: boopParams,
			err:    errors.New("connection refused"),
			expected: `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"submitterUnexpectedError: unexpected error",` +
				`"data":{"status":"submitterUnexpectedError","stage":"submit","description":"unexpected error"}}}`,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			engine := &fakeEngine{submitErr: tc.err}
			h := newTestAPI(t, engine, nil)
			require.JSONEq(t, tc.expected, call(t, h, SubmitEndpointName, tc.params))
		})
	}

	engine := &fakeEngine{}
	call(t, newTestAPI(t, engine, nil), SubmitEndpointName, boopParams)
	require.Equal(t, common.HexToAddress("0xe9"), engine.opts.EntryPoint)
	require.True(t, engine.opts.Immediate)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	receipt := &boop.Receipt{BoopHash: testHash, Status: boop.OnchainExecuteReverted, RevertData: hexutil.Bytes{0x01}}
	engine := &fakeEngine{receipt: receipt}
	api := NewAPI(zap.NewNop(), engine, Config{SimulateRateLimit: 1, SimulateBurst: 1, MaxWaitTimeout: time.Second})

	timeout := uint64(5000)
	res, err := api.Execute(ctx, ExecuteArgs{SubmitArgs: SubmitArgs{Boop: &boop.Boop{}}, Timeout: &timeout})
	require.NoError(t, err)
	require.Equal(t, boop.OnchainExecuteReverted, res.Status)
	require.Equal(t, receipt, res.Receipt)
	require.True(t, engine.opts.Immediate)
	require.Equal(t, time.Second, engine.timeout)

	engine.submitErr = context.DeadlineExceeded
	_, err = api.Execute(ctx, ExecuteArgs{SubmitArgs: SubmitArgs{Boop: &boop.Boop{}}})
	var out *boop.OutputError
	require.ErrorAs(t, err, &out)
	require.Equal(t, string(boop.SubmitterReceiptTimeout), out.Status)
	require.Equal(t, boop.StageExecute, out.Stage)
	require.Equal(t, time.Duration(0), engine.timeout)
}

func TestSimulateAndEstimate(t *testing.T) {
	out := &boop.SimulationOutput{
		Status:       boop.OnchainSuccess,
		Gas:          120000,
		ValidateGas:  24000,
		ExecuteGas:   48000,
		MaxFeePerGas: (*hexutil.Big)(big.NewInt(1200001000)),
		SubmitterFee: boop.NewSignedBig(big.NewInt(-16)),
	}
	engine := &fakeEngine{simulation: out}
	h := newTestAPI(t, engine, nil)

	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"status":"onchainSuccess","maxFeePerGas":"0x47868fe8","submitterFee":"-0x10",`+
		`"gasLimit":"0x1d4c0","validateGasLimit":"0x5dc0","validatePaymentGasLimit":"0x0","executeGasLimit":"0xbb80"}}`,
		call(t, h, EstimateGasEndpointName, boopParams))

	res := call(t, h, SimulateEndpointName, boopParams)
	require.Contains(t, res, `"gas":"0x1d4c0"`)
	require.Contains(t, res, `"status":"onchainSuccess"`)

	t.Run("rate limited", func(t *testing.T) {
		h := newTestAPI(t, engine, func(cfg *Config) {
			cfg.SimulateRateLimit = 0
			cfg.SimulateBurst = 0
		})
		res := call(t, h, SimulateEndpointName, boopParams)
		require.Contains(t, res, `"code":-32005`)
		require.Contains(t, res, `"status":"submitterOverCapacity"`)
	})
}

func TestGetState(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown boop", func(t *testing.T) {
		engine := &fakeEngine{stateErr: boop.ErrUnknownBoop}
		h := newTestAPI(t, engine, nil)
		require.JSONEq(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":{"status":"unknownBoop","boopHash":%q,"submitted":false}}`, testHash.Hex()),
			call(t, h, GetStateEndpointName, fmt.Sprintf(`[%q]`, testHash.Hex())))
	})

	t.Run("simulated boop is not cached", func(t *testing.T) {
		engine := &fakeEngine{state: &submitter.State{
			Hash:       testHash,
			State:      boop.StateSimulated,
			Simulation: &boop.SimulationOutput{Status: boop.OnchainSuccess},
		}}
		api := NewAPI(zap.NewNop(), engine, DefaultConfig())
		for i := 0; i < 2; i++ {
			res, err := api.GetState(ctx, testHash)
			require.NoError(t, err)
			require.Equal(t, StateSimulated, res.Status)
			require.Equal(t, boop.StateSimulated, res.State)
		}
		require.Equal(t, 2, engine.stateCalls)
	})

	t.Run("finalized boop is cached", func(t *testing.T) {
		engine := &fakeEngine{state: &submitter.State{
			Hash:      testHash,
			State:     boop.StateIncluded,
			Submitted: true,
			Receipt:   &boop.Receipt{BoopHash: testHash, Status: boop.OnchainSuccess},
		}}
		api := NewAPI(zap.NewNop(), engine, DefaultConfig())
		for i := 0; i < 3; i++ {
			res, err := api.GetState(ctx, testHash)
			require.NoError(t, err)
			require.Equal(t, StateReceipt, res.Status)
			require.True(t, res.Submitted)
		}
		require.Equal(t, 1, engine.stateCalls)
	})

	t.Run("queued boop", func(t *testing.T) {
		engine := &fakeEngine{state: &submitter.State{Hash: testHash, State: boop.StateCreated}}
		res, err := NewAPI(zap.NewNop(), engine, DefaultConfig()).GetState(ctx, testHash)
		require.NoError(t, err)
		require.Equal(t, StateUnknownState, res.Status)
	})
}

func TestWaitForReceipt(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestAPI(t, engine, func(cfg *Config) { cfg.MaxWaitTimeout = 2 * time.Second })

	res := call(t, h, WaitForReceiptEndpointName, fmt.Sprintf(`[%q, 500]`, testHash.Hex()))
	require.Contains(t, res, `"status":"submitterReceiptTimeout"`)
	require.Contains(t, res, `"stage":"execute"`)
	require.Equal(t, 500*time.Millisecond, engine.timeout)

	engine.receipt = &boop.Receipt{BoopHash: testHash, Status: boop.OnchainSuccess}
	res = call(t, h, WaitForReceiptEndpointName, fmt.Sprintf(`[%q, 60000]`, testHash.Hex()))
	require.Contains(t, res, `"status":"onchainSuccess"`)
	require.Equal(t, 2*time.Second, engine.timeout)
}

func TestGetPending(t *testing.T) {
	engine := &fakeEngine{pending: []*submitter.State{
		{Hash: common.HexToHash("0x01"), State: boop.StateCreated, Boop: &boop.Boop{NonceTrack: 0, NonceValue: 4}},
		{Hash: common.HexToHash("0x02"), State: boop.StateSubmitted, Submitted: true, Boop: &boop.Boop{NonceTrack: 1, NonceValue: 0}},
	}}
	h := newTestAPI(t, engine, nil)

	expected := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":{"status":"success","account":%q,"pending":[`+
		`{"boopHash":%q,"nonceTrack":"0x0","nonceValue":"0x4","state":"created","submitted":false},`+
		`{"boopHash":%q,"nonceTrack":"0x1","nonceValue":"0x0","state":"submitted","submitted":true}]}}`,
		testAccount.Hex(), common.HexToHash("0x01").Hex(), common.HexToHash("0x02").Hex())
	require.JSONEq(t, expected, call(t, h, GetPendingEndpointName, fmt.Sprintf(`[%q]`, testAccount.Hex())))
}
