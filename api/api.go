// Package api serves the boop_* JSON-RPC methods on top of the submitter engine.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/jsonrpcserver"
	"github.com/happychain/boop-submitter/metrics"
	"github.com/happychain/boop-submitter/spike"
	"github.com/happychain/boop-submitter/submitter"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CodeLimitExceeded is returned when the submitter refuses work because of load.
const CodeLimitExceeded = -32005

var ErrMissingBoop = errors.New("missing boop")

// Engine is the part of the submitter the API needs.
type Engine interface {
	Submit(ctx context.Context, b *boop.Boop, opts submitter.SubmitOptions) (common.Hash, error)
	Execute(ctx context.Context, b *boop.Boop, opts submitter.SubmitOptions, timeout time.Duration) (*boop.Receipt, error)
	Simulate(ctx context.Context, entryPoint common.Address, b *boop.Boop) (*boop.SimulationOutput, error)
	GetState(ctx context.Context, hash common.Hash) (*submitter.State, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*boop.Receipt, error)
	Pending(ctx context.Context, account common.Address) ([]*submitter.State, error)
}

type Config struct {
	// SimulateRateLimit bounds boop_simulate and boop_estimateGas calls per second.
	SimulateRateLimit rate.Limit
	SimulateBurst     int
	// FinalizedCacheTime is how long finalized states are answered from memory.
	FinalizedCacheTime time.Duration
	// MaxWaitTimeout caps caller-provided receipt timeouts.
	MaxWaitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SimulateRateLimit:  50,
		SimulateBurst:      10,
		FinalizedCacheTime: time.Minute,
		MaxWaitTimeout:     time.Minute,
	}
}

type API struct {
	log    *zap.Logger
	cfg    Config
	engine Engine

	simRateLimiter *rate.Limiter
	states         *spike.Manager[common.Hash, *submitter.State]
}

func NewAPI(log *zap.Logger, engine Engine, cfg Config) *API {
	finalized := gocache.New(cfg.FinalizedCacheTime, cfg.FinalizedCacheTime)
	states := spike.NewCustomManager(spike.Handler[common.Hash, *submitter.State]{
		Fetch: engine.GetState,
		// only finalized states are immutable
		Set: func(k common.Hash, v *submitter.State) {
			if v.State.Finalized() {
				finalized.SetDefault(k.Hex(), v)
			}
		},
		Get: func(k common.Hash) (*submitter.State, bool) {
			v, ok := finalized.Get(k.Hex())
			if !ok {
				return nil, false
			}
			st, ok := v.(*submitter.State)
			return st, ok
		},
		Delete: func(k common.Hash) {
			finalized.Delete(k.Hex())
		},
	}, 0)

	return &API{
		log:            log.Named("api"),
		cfg:            cfg,
		engine:         engine,
		simRateLimiter: rate.NewLimiter(cfg.SimulateRateLimit, cfg.SimulateBurst),
		states:         states,
	}
}

// Methods returns the JSON-RPC method table.
func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		SubmitEndpointName:         a.Submit,
		ExecuteEndpointName:        a.Execute,
		SimulateEndpointName:       a.Simulate,
		EstimateGasEndpointName:    a.EstimateGas,
		GetStateEndpointName:       a.GetState,
		WaitForReceiptEndpointName: a.WaitForReceipt,
		GetPendingEndpointName:     a.GetPending,
	}
}

// rpcError carries the JSON-RPC code next to the typed boop failure.
type rpcError struct {
	*boop.OutputError
	code int
}

func (e *rpcError) ErrorCode() int {
	return e.code
}

func (e *rpcError) Unwrap() error {
	return e.OutputError
}

func errorCode(status string) int {
	switch boop.SubmitterErrorStatus(status) {
	case boop.SubmitterInvalidValues:
		return jsonrpcserver.CodeInvalidParams
	case boop.SubmitterBufferExceeded, boop.SubmitterOverCapacity:
		return CodeLimitExceeded
	case boop.SubmitterUnexpectedError:
		return jsonrpcserver.CodeInternalError
	}
	return jsonrpcserver.CodeCustomError
}

// track records the call and converts a failure to its boundary form.
func (a *API) track(ctx context.Context, method string, stage boop.Stage, start time.Time, err *error) {
	metrics.RecordAPICallDuration(method, time.Since(start).Milliseconds())
	if *err == nil {
		return
	}
	out := boop.OutputFromError(*err, stage)
	metrics.IncAPIFailure(method, out.Status)
	if out.Status == string(boop.SubmitterUnexpectedError) {
		a.log.Error("Unexpected error", zap.String("method", method), zap.String("origin", jsonrpcserver.GetOrigin(ctx)), zap.Error(*err))
	} else {
		a.log.Debug("Call failed", zap.String("method", method), zap.String("status", out.Status), zap.Error(*err))
	}
	*err = &rpcError{OutputError: out, code: errorCode(out.Status)}
}

func entryPointOf(ep *common.Address) common.Address {
	if ep == nil {
		return common.Address{}
	}
	return *ep
}

func invalid(stage boop.Stage, err error) error {
	return boop.SubmitterFailure(boop.SubmitterInvalidValues, stage, err)
}

func (a *API) Submit(ctx context.Context, args SubmitArgs) (_ SubmitResponse, err error) {
	metrics.IncAPIRequest(SubmitEndpointName)
	defer a.track(ctx, SubmitEndpointName, boop.StageSubmit, time.Now(), &err)

	if args.Boop == nil {
		return SubmitResponse{}, invalid(boop.StageSubmit, ErrMissingBoop)
	}
	hash, err := a.engine.Submit(ctx, args.Boop, submitter.SubmitOptions{
		EntryPoint: entryPointOf(args.EntryPoint),
		Immediate:  args.Immediate,
	})
	if err != nil {
		return SubmitResponse{}, err
	}
	a.log.Debug("Boop submitted", zap.String("boopHash", hash.Hex()), zap.String("client", jsonrpcserver.GetClientIP(ctx)))
	return SubmitResponse{Status: boop.OnchainSuccess, BoopHash: hash}, nil
}

func (a *API) Execute(ctx context.Context, args ExecuteArgs) (_ ExecuteResponse, err error) {
	metrics.IncAPIRequest(ExecuteEndpointName)
	defer a.track(ctx, ExecuteEndpointName, boop.StageExecute, time.Now(), &err)

	if args.Boop == nil {
		return ExecuteResponse{}, invalid(boop.StageExecute, ErrMissingBoop)
	}
	receipt, err := a.engine.Execute(ctx, args.Boop, submitter.SubmitOptions{
		EntryPoint: entryPointOf(args.EntryPoint),
		// the caller is waiting
		Immediate: true,
	}, a.waitTimeout(args.Timeout))
	if err != nil {
		return ExecuteResponse{}, err
	}
	return ExecuteResponse{Status: receipt.Status, Receipt: receipt}, nil
}

func (a *API) simulate(ctx context.Context, args SimulateArgs, method string) (*boop.SimulationOutput, error) {
	if args.Boop == nil {
		return nil, invalid(boop.StageSimulate, ErrMissingBoop)
	}
	if err := a.simRateLimiter.Wait(ctx); err != nil {
		a.log.Debug("Simulation rate limited", zap.String("method", method), zap.Error(err))
		return nil, boop.SubmitterFailure(boop.SubmitterOverCapacity, boop.StageSimulate, err)
	}
	return a.engine.Simulate(ctx, entryPointOf(args.EntryPoint), args.Boop)
}

func (a *API) Simulate(ctx context.Context, args SimulateArgs) (_ *boop.SimulationOutput, err error) {
	metrics.IncAPIRequest(SimulateEndpointName)
	defer a.track(ctx, SimulateEndpointName, boop.StageSimulate, time.Now(), &err)
	return a.simulate(ctx, args, SimulateEndpointName)
}

func (a *API) EstimateGas(ctx context.Context, args SimulateArgs) (_ EstimateGasResponse, err error) {
	metrics.IncAPIRequest(EstimateGasEndpointName)
	defer a.track(ctx, EstimateGasEndpointName, boop.StageSimulate, time.Now(), &err)

	out, err := a.simulate(ctx, args, EstimateGasEndpointName)
	if err != nil {
		return EstimateGasResponse{}, err
	}
	return EstimateGasResponse{
		Status:                  out.Status,
		MaxFeePerGas:            out.MaxFeePerGas,
		SubmitterFee:            out.SubmitterFee,
		GasLimit:                out.Gas,
		ValidateGasLimit:        out.ValidateGas,
		ValidatePaymentGasLimit: out.ValidatePaymentGas,
		ExecuteGasLimit:         out.ExecuteGas,
	}, nil
}

func (a *API) GetState(ctx context.Context, hash common.Hash) (_ StateResponse, err error) {
	metrics.IncAPIRequest(GetStateEndpointName)
	defer a.track(ctx, GetStateEndpointName, boop.StageSubmit, time.Now(), &err)

	st, err := a.states.GetResult(ctx, hash)
	if errors.Is(err, boop.ErrUnknownBoop) {
		return StateResponse{Status: StateUnknownBoop, BoopHash: hash}, nil
	}
	if err != nil {
		return StateResponse{}, err
	}
	res := StateResponse{
		BoopHash:   hash,
		State:      st.State,
		Submitted:  st.Submitted,
		Receipt:    st.Receipt,
		Simulation: st.Simulation,
		Error:      st.Error,
	}
	switch {
	case st.Receipt != nil:
		res.Status = StateReceipt
	case st.Simulation != nil:
		res.Status = StateSimulated
	default:
		res.Status = StateUnknownState
	}
	return res, nil
}

func (a *API) WaitForReceipt(ctx context.Context, hash common.Hash, timeoutMs *uint64) (_ ReceiptResponse, err error) {
	metrics.IncAPIRequest(WaitForReceiptEndpointName)
	defer a.track(ctx, WaitForReceiptEndpointName, boop.StageExecute, time.Now(), &err)

	receipt, err := a.engine.WaitForReceipt(ctx, hash, a.waitTimeout(timeoutMs))
	if err != nil {
		return ReceiptResponse{}, err
	}
	return ReceiptResponse{Status: receipt.Status, Receipt: receipt}, nil
}

func (a *API) GetPending(ctx context.Context, account common.Address) (_ PendingResponse, err error) {
	metrics.IncAPIRequest(GetPendingEndpointName)
	defer a.track(ctx, GetPendingEndpointName, boop.StageSubmit, time.Now(), &err)

	states, err := a.engine.Pending(ctx, account)
	if err != nil {
		return PendingResponse{}, err
	}
	pending := make([]PendingBoop, 0, len(states))
	for _, st := range states {
		p := PendingBoop{BoopHash: st.Hash, State: st.State, Submitted: st.Submitted}
		if st.Boop != nil {
			p.NonceTrack, p.NonceValue = st.Boop.NonceTrack, st.Boop.NonceValue
		}
		pending = append(pending, p)
	}
	return PendingResponse{Status: pendingSuccess, Account: account, Pending: pending}, nil
}

// waitTimeout converts a caller timeout in milliseconds. Zero means the engine default.
func (a *API) waitTimeout(ms *uint64) time.Duration {
	if ms == nil {
		return 0
	}
	d := time.Duration(*ms) * time.Millisecond
	if a.cfg.MaxWaitTimeout > 0 && d > a.cfg.MaxWaitTimeout {
		return a.cfg.MaxWaitTimeout
	}
	return d
}
