package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/happychain/boop-submitter/boop"
)

const (
	SubmitEndpointName         = "boop_submit"
	ExecuteEndpointName        = "boop_execute"
	SimulateEndpointName       = "boop_simulate"
	EstimateGasEndpointName    = "boop_estimateGas"
	GetStateEndpointName       = "boop_getState"
	WaitForReceiptEndpointName = "boop_waitForReceipt"
	GetPendingEndpointName     = "boop_getPending"
)

// StateStatus classifies the answer of boop_getState.
type StateStatus string

const (
	StateReceipt      StateStatus = "receipt"
	StateSimulated    StateStatus = "simulated"
	StateUnknownBoop  StateStatus = "unknownBoop"
	StateUnknownState StateStatus = "unknownState"
)

const pendingSuccess = "success"

type SubmitArgs struct {
	EntryPoint *common.Address `json:"entryPoint,omitempty"`
	Boop       *boop.Boop      `json:"boop"`
	// Immediate asks for a collection pass instead of waiting for the next block.
	Immediate bool `json:"immediate,omitempty"`
}

type ExecuteArgs struct {
	SubmitArgs
	// Timeout for the receipt in milliseconds.
	Timeout *uint64 `json:"timeout,omitempty"`
}

type SimulateArgs struct {
	EntryPoint *common.Address `json:"entryPoint,omitempty"`
	Boop       *boop.Boop      `json:"boop"`
}

type SubmitResponse struct {
	Status   boop.OnchainStatus `json:"status"`
	BoopHash common.Hash        `json:"boopHash"`
}

type ExecuteResponse struct {
	Status  boop.OnchainStatus `json:"status"`
	Receipt *boop.Receipt      `json:"receipt"`
}

type EstimateGasResponse struct {
	Status                  boop.OnchainStatus `json:"status"`
	MaxFeePerGas            *hexutil.Big       `json:"maxFeePerGas"`
	SubmitterFee            *boop.SignedBig    `json:"submitterFee"`
	GasLimit                hexutil.Uint64     `json:"gasLimit"`
	ValidateGasLimit        hexutil.Uint64     `json:"validateGasLimit"`
	ValidatePaymentGasLimit hexutil.Uint64     `json:"validatePaymentGasLimit"`
	ExecuteGasLimit         hexutil.Uint64     `json:"executeGasLimit"`
}

type StateResponse struct {
	Status     StateStatus            `json:"status"`
	BoopHash   common.Hash            `json:"boopHash"`
	State      boop.State             `json:"state,omitempty"`
	Submitted  bool                   `json:"submitted"`
	Receipt    *boop.Receipt          `json:"receipt,omitempty"`
	Simulation *boop.SimulationOutput `json:"simulation,omitempty"`
	Error      *boop.OutputError      `json:"error,omitempty"`
}

type ReceiptResponse struct {
	Status  boop.OnchainStatus `json:"status"`
	Receipt *boop.Receipt      `json:"receipt"`
}

type PendingBoop struct {
	BoopHash   common.Hash    `json:"boopHash"`
	NonceTrack hexutil.Uint64 `json:"nonceTrack"`
	NonceValue hexutil.Uint64 `json:"nonceValue"`
	State      boop.State     `json:"state"`
	Submitted  bool           `json:"submitted"`
}

type PendingResponse struct {
	Status  string         `json:"status"`
	Account common.Address `json:"account"`
	Pending []PendingBoop  `json:"pending"`
}
