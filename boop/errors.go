package boop

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrBufferExceeded      = errors.New("too many boops pending for this nonce track")
	ErrOverCapacity        = errors.New("submitter is over capacity")
	ErrAlreadyProcessing   = errors.New("boop is already being processed")
	ErrNonceTooFarAhead    = errors.New("boop nonce is too far ahead of the expected nonce")
	ErrNonceTooLow         = errors.New("nonce too low")
	ErrReceiptTimeout      = errors.New("timed out waiting for receipt")
	ErrSubmitTimeout       = errors.New("timed out waiting for submission")
	ErrSimulationTimeout   = errors.New("timed out waiting for simulation")
	ErrUnknownBoop         = errors.New("unknown boop")
	ErrRPC                 = errors.New("rpc error")
	ErrExternallySubmitted = errors.New("boop nonce was consumed by another transaction")
	ErrDeadlineExpired     = errors.New("boop deadline expired")
)

// ReplacedError is returned to callers waiting on a boop that was superseded
// by another boop for the same nonce slot.
type ReplacedError struct {
	Old common.Hash
	New common.Hash
}

func (e *ReplacedError) Error() string {
	return fmt.Sprintf("boop %s replaced by %s", e.Old.Hex(), e.New.Hex())
}

// OutputError is the typed failure returned across the engine boundary.
type OutputError struct {
	Status      string        `json:"status"`
	Stage       Stage         `json:"stage"`
	Description string        `json:"description,omitempty"`
	RevertData  hexutil.Bytes `json:"revertData,omitempty"`

	cause error
}

func (e *OutputError) Error() string {
	if e.Description == "" {
		return e.Status
	}
	return e.Status + ": " + e.Description
}

func (e *OutputError) Unwrap() error {
	return e.cause
}

// ErrorData is serialized as the JSON-RPC error data.
func (e *OutputError) ErrorData() interface{} {
	return e
}

func OnchainFailure(status OnchainStatus, stage Stage, description string, revertData []byte) *OutputError {
	return &OutputError{Status: string(status), Stage: stage, Description: description, RevertData: revertData}
}

func SubmitterFailure(status SubmitterErrorStatus, stage Stage, cause error) *OutputError {
	e := &OutputError{Status: string(status), Stage: stage, cause: cause}
	if cause != nil {
		e.Description = cause.Error()
	}
	return e
}

// OutputFromError maps internal errors to the boundary taxonomy. Anything not
// recognized is reported as an unexpected error without leaking its text.
func OutputFromError(err error, stage Stage) *OutputError {
	var out *OutputError
	if errors.As(err, &out) {
		return out
	}
	var replaced *ReplacedError
	if errors.As(err, &replaced) {
		return SubmitterFailure(SubmitterTransactionReplaced, stage, err)
	}

	switch {
	case errors.Is(err, ErrBufferExceeded):
		return SubmitterFailure(SubmitterBufferExceeded, stage, err)
	case errors.Is(err, ErrOverCapacity):
		return SubmitterFailure(SubmitterOverCapacity, stage, err)
	case errors.Is(err, ErrAlreadyProcessing):
		return SubmitterFailure(SubmitterAlreadyProcessing, stage, err)
	case errors.Is(err, ErrNonceTooFarAhead):
		return SubmitterFailure(SubmitterNonceTooFarAhead, stage, err)
	case errors.Is(err, ErrReceiptTimeout):
		return SubmitterFailure(SubmitterReceiptTimeout, stage, err)
	case errors.Is(err, ErrSubmitTimeout), errors.Is(err, ErrDeadlineExpired):
		return SubmitterFailure(SubmitterSubmitTimeout, stage, err)
	case errors.Is(err, ErrSimulationTimeout):
		return SubmitterFailure(SubmitterSimulationTimeout, stage, err)
	case errors.Is(err, ErrExternallySubmitted):
		return SubmitterFailure(SubmitterExternallySubmitted, stage, err)
	case errors.Is(err, ErrRPC):
		return SubmitterFailure(SubmitterRPCError, stage, err)
	case errors.Is(err, context.DeadlineExceeded):
		return SubmitterFailure(timeoutStatus(stage), stage, err)
	}
	return &OutputError{
		Status:      string(SubmitterUnexpectedError),
		Stage:       stage,
		Description: "unexpected error",
		cause:       err,
	}
}

func timeoutStatus(stage Stage) SubmitterErrorStatus {
	switch stage {
	case StageSimulate:
		return SubmitterSimulationTimeout
	case StageExecute:
		return SubmitterReceiptTimeout
	}
	return SubmitterSubmitTimeout
}
