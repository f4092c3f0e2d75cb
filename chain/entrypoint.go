package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/happychain/boop-submitter/boop"
)

var ErrShortReturnData = errors.New("return data too short")

const entryPointABIJSON = `[
{"type":"function","name":"submit","stateMutability":"nonpayable",
 "inputs":[{"name":"encodedBoop","type":"bytes"}],
 "outputs":[{"name":"output","type":"tuple","components":[
  {"name":"gas","type":"uint32"},
  {"name":"validateGas","type":"uint32"},
  {"name":"validatePaymentGas","type":"uint32"},
  {"name":"executeGas","type":"uint32"},
  {"name":"validityUnknownDuringSimulation","type":"bool"},
  {"name":"paymentValidityUnknownDuringSimulation","type":"bool"},
  {"name":"futureNonceDuringSimulation","type":"bool"},
  {"name":"callStatus","type":"uint8"},
  {"name":"revertData","type":"bytes"}]}]},
{"type":"function","name":"nonceValues","stateMutability":"view",
 "inputs":[{"name":"account","type":"address"},{"name":"nonceTrack","type":"uint192"}],
 "outputs":[{"name":"","type":"uint64"}]},
{"type":"error","name":"InvalidNonce","inputs":[]},
{"type":"error","name":"InsufficientStake","inputs":[]},
{"type":"error","name":"PayoutFailed","inputs":[]},
{"type":"error","name":"GasPriceTooHigh","inputs":[]},
{"type":"error","name":"MalformedBoop","inputs":[]},
{"type":"error","name":"ValidationReverted","inputs":[{"name":"revertData","type":"bytes"}]},
{"type":"error","name":"ValidationRejected","inputs":[{"name":"reason","type":"bytes"}]},
{"type":"error","name":"PaymentValidationReverted","inputs":[{"name":"revertData","type":"bytes"}]},
{"type":"error","name":"PaymentValidationRejected","inputs":[{"name":"reason","type":"bytes"}]},
{"type":"error","name":"ExtensionAlreadyRegistered","inputs":[{"name":"extension","type":"address"},{"name":"extensionType","type":"uint8"}]},
{"type":"error","name":"ExtensionNotRegistered","inputs":[{"name":"extension","type":"address"},{"name":"extensionType","type":"uint8"}]},
{"type":"error","name":"InvalidSignature","inputs":[]},
{"type":"error","name":"InvalidExtensionValue","inputs":[]},
{"type":"error","name":"SubmitterFeeTooHigh","inputs":[]},
{"type":"error","name":"InsufficientGasBudget","inputs":[]},
{"type":"event","name":"CallReverted","anonymous":false,"inputs":[{"name":"revertData","type":"bytes","indexed":false}]},
{"type":"event","name":"ExecutionRejected","anonymous":false,"inputs":[{"name":"revertData","type":"bytes","indexed":false}]},
{"type":"event","name":"ExecutionReverted","anonymous":false,"inputs":[{"name":"revertData","type":"bytes","indexed":false}]}
]`

var EntryPointABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(err)
	}
	EntryPointABI = parsed
}

// CallStatus is the EntryPoint's verdict on the account call.
type CallStatus uint8

const (
	CallSucceeded CallStatus = iota
	CallReverted
	ExecuteFailed
	ExecuteReverted
)

// SubmitOutput mirrors the tuple returned by EntryPoint.submit.
type SubmitOutput struct {
	Gas                                    uint32
	ValidateGas                            uint32
	ValidatePaymentGas                     uint32
	ExecuteGas                             uint32
	ValidityUnknownDuringSimulation        bool
	PaymentValidityUnknownDuringSimulation bool
	FutureNonceDuringSimulation            bool
	CallStatus                             uint8
	RevertData                             []byte
}

func PackSubmit(b *boop.Boop) ([]byte, error) {
	return EntryPointABI.Pack("submit", boop.Encode(b))
}

func UnpackSubmit(ret []byte) (*SubmitOutput, error) {
	out, err := EntryPointABI.Unpack("submit", ret)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, ErrShortReturnData
	}
	return abi.ConvertType(out[0], new(SubmitOutput)).(*SubmitOutput), nil
}

// StatusForCall maps the call status of a successful submit to an onchain status.
func StatusForCall(status CallStatus) boop.OnchainStatus {
	switch status {
	case CallSucceeded:
		return boop.OnchainSuccess
	case CallReverted:
		return boop.OnchainCallReverted
	case ExecuteFailed:
		return boop.OnchainExecuteRejected
	case ExecuteReverted:
		return boop.OnchainExecuteReverted
	}
	return boop.OnchainUnexpectedReverted
}

// DecodedError is a custom error recognized in revert data.
type DecodedError struct {
	Name string
	Args []interface{}
}

// DecodeError matches the selector of data against the EntryPoint error set.
func DecodeError(data []byte) (*DecodedError, bool) {
	if len(data) < 4 {
		return nil, false
	}
	for name, e := range EntryPointABI.Errors {
		if !bytes.Equal(e.ID[:4], data[:4]) {
			continue
		}
		args, err := e.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, false
		}
		return &DecodedError{Name: name, Args: args}, true
	}
	return nil, false
}

func (d *DecodedError) bytesArg() []byte {
	if len(d.Args) == 0 {
		return nil
	}
	b, _ := d.Args[0].([]byte)
	return b
}

// RevertOutput is the classification of an EntryPoint revert.
type RevertOutput struct {
	Status      boop.OnchainStatus
	Description string
	RevertData  []byte
}

// OutputForRevert classifies revert data returned by a simulated submit.
func OutputForRevert(b *boop.Boop, data []byte) RevertOutput {
	decoded, ok := DecodeError(data)
	if !ok {
		return RevertOutput{Status: boop.OnchainUnexpectedReverted, RevertData: data}
	}

	switch decoded.Name {
	case "InvalidNonce":
		return RevertOutput{Status: boop.OnchainInvalidNonce}
	case "InsufficientStake":
		payer := "paymaster"
		if b.SponsoredBySubmitter() {
			payer = "submitter"
		}
		return RevertOutput{Status: boop.OnchainInsufficientStake, Description: fmt.Sprintf("The %s has insufficient stake", payer)}
	case "PayoutFailed":
		return RevertOutput{Status: boop.OnchainPayoutFailed, Description: "Payment of a self-paying boop failed"}
	case "ValidationReverted":
		return RevertOutput{
			Status:      boop.OnchainValidationReverted,
			Description: "Account reverted in validate, check the account address",
			RevertData:  decoded.bytesArg(),
		}
	case "ValidationRejected":
		reason := decoded.bytesArg()
		if inner, ok := DecodeError(reason); ok {
			switch inner.Name {
			case "InvalidSignature":
				return RevertOutput{Status: boop.OnchainInvalidSignature, Description: "Account rejected the boop because of an invalid signature"}
			case "InvalidExtensionValue":
				return RevertOutput{Status: boop.OnchainInvalidExtensionValue, Description: "Account rejected an extension value in the extraData"}
			case "ExtensionNotRegistered":
				return RevertOutput{Status: boop.OnchainExtensionNotRegistered, Description: "Account rejected the boop because an extension is not registered"}
			}
		}
		return RevertOutput{
			Status:      boop.OnchainValidationRejected,
			Description: "Account rejected the boop, parse the revertData for the reason",
			RevertData:  reason,
		}
	case "PaymentValidationReverted":
		return RevertOutput{
			Status:      boop.OnchainPaymentValidationReverted,
			Description: "Paymaster reverted in validatePayment, check the paymaster address",
			RevertData:  decoded.bytesArg(),
		}
	case "PaymentValidationRejected":
		reason := decoded.bytesArg()
		if inner, ok := DecodeError(reason); ok {
			switch inner.Name {
			case "InvalidSignature":
				return RevertOutput{Status: boop.OnchainInvalidSignature, Description: "Paymaster rejected the boop because of an invalid signature"}
			case "SubmitterFeeTooHigh":
				return RevertOutput{
					Status:      boop.OnchainPaymentValidationRejected,
					Description: fmt.Sprintf("Paymaster rejected the submitter fee of %s wei", b.SubmitterFeeInt()),
					RevertData:  reason,
				}
			case "InsufficientGasBudget":
				return RevertOutput{
					Status:      boop.OnchainPaymentValidationRejected,
					Description: "Paymaster rejected the boop because the gas budget is insufficient",
					RevertData:  reason,
				}
			}
		}
		return RevertOutput{
			Status:      boop.OnchainPaymentValidationRejected,
			Description: "Paymaster rejected the boop, parse the revertData for the reason",
			RevertData:  reason,
		}
	case "GasPriceTooHigh":
		return RevertOutput{Status: boop.OnchainGasPriceTooLow, Description: "The gas price was above the boop's maxFeePerGas"}
	case "ExtensionAlreadyRegistered":
		return RevertOutput{Status: boop.OnchainExtensionAlreadyRegistered, Description: "Extension is already registered"}
	case "MalformedBoop":
		return RevertOutput{Status: boop.OnchainUnexpectedReverted, Description: "MalformedBoop during simulation"}
	}
	return RevertOutput{Status: boop.OnchainUnexpectedReverted, RevertData: data}
}

var eventStatuses = map[string]boop.OnchainStatus{
	"CallReverted":      boop.OnchainCallReverted,
	"ExecutionRejected": boop.OnchainExecuteRejected,
	"ExecutionReverted": boop.OnchainExecuteReverted,
}

// StatusFromLogs looks for failure events emitted by the EntryPoint. Logs from
// other contracts are ignored even if they share the event signature.
func StatusFromLogs(logs []*types.Log, entryPoint common.Address) (boop.OnchainStatus, []byte, bool) {
	for _, l := range logs {
		if l.Address != entryPoint || len(l.Topics) == 0 {
			continue
		}
		for name, status := range eventStatuses {
			ev := EntryPointABI.Events[name]
			if l.Topics[0] != ev.ID {
				continue
			}
			var revertData []byte
			if args, err := ev.Inputs.NonIndexed().Unpack(l.Data); err == nil && len(args) == 1 {
				revertData, _ = args[0].([]byte)
			}
			return status, revertData, true
		}
	}
	return "", nil, false
}
