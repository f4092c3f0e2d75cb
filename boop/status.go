package boop

import "strings"

// OnchainStatus is the outcome reported by (a simulation of) the EntryPoint.
type OnchainStatus string

const (
	OnchainSuccess                    OnchainStatus = "onchainSuccess"
	OnchainMissingValidationInfo      OnchainStatus = "onchainMissingValidationInformation"
	OnchainMissingGasValues           OnchainStatus = "onchainMissingGasValues"
	OnchainGasPriceTooLow             OnchainStatus = "onchainGasPriceTooLow"
	OnchainInvalidNonce               OnchainStatus = "onchainInvalidNonce"
	OnchainInsufficientStake          OnchainStatus = "onchainInsufficientStake"
	OnchainInvalidSignature           OnchainStatus = "onchainInvalidSignature"
	OnchainInvalidExtensionValue      OnchainStatus = "onchainInvalidExtensionValue"
	OnchainExtensionAlreadyRegistered OnchainStatus = "onchainExtensionAlreadyRegistered"
	OnchainExtensionNotRegistered     OnchainStatus = "onchainExtensionNotRegistered"
	OnchainValidationReverted         OnchainStatus = "onchainValidationReverted"
	OnchainValidationRejected         OnchainStatus = "onchainValidationRejected"
	OnchainPaymentValidationReverted  OnchainStatus = "onchainPaymentValidationReverted"
	OnchainPaymentValidationRejected  OnchainStatus = "onchainPaymentValidationRejected"
	OnchainExecuteReverted            OnchainStatus = "onchainExecuteReverted"
	OnchainExecuteRejected            OnchainStatus = "onchainExecuteRejected"
	OnchainCallReverted               OnchainStatus = "onchainCallReverted"
	OnchainPayoutFailed               OnchainStatus = "onchainPayoutFailed"
	OnchainEntryPointOutOfGas         OnchainStatus = "onchainEntryPointOutOfGas"
	OnchainUnexpectedReverted         OnchainStatus = "onchainUnexpectedReverted"
)

// IsRevert reports whether revert data is meaningful for the status.
func (s OnchainStatus) IsRevert() bool {
	return strings.HasSuffix(string(s), "Reverted")
}

// SubmitterErrorStatus is a failure produced by the submitter itself rather than the chain.
type SubmitterErrorStatus string

const (
	SubmitterInvalidValues       SubmitterErrorStatus = "submitterInvalidValues"
	SubmitterAlreadyProcessing   SubmitterErrorStatus = "submitterAlreadyProcessing"
	SubmitterBufferExceeded      SubmitterErrorStatus = "submitterBufferExceeded"
	SubmitterOverCapacity        SubmitterErrorStatus = "submitterOverCapacity"
	SubmitterUnexpectedError     SubmitterErrorStatus = "submitterUnexpectedError"
	SubmitterSimulationTimeout   SubmitterErrorStatus = "submitterSimulationTimeout"
	SubmitterSubmitTimeout       SubmitterErrorStatus = "submitterSubmitTimeout"
	SubmitterReceiptTimeout      SubmitterErrorStatus = "submitterReceiptTimeout"
	SubmitterRPCError            SubmitterErrorStatus = "submitterRpcError"
	SubmitterNonceTooFarAhead    SubmitterErrorStatus = "submitterNonceTooFarAhead"
	SubmitterTransactionReplaced SubmitterErrorStatus = "submitterTransactionReplaced"
	SubmitterExternallySubmitted SubmitterErrorStatus = "submitterExternallySubmitted"
	SubmitterGasPriceTooHigh     SubmitterErrorStatus = "submitterGasPriceTooHigh"
	SubmitterFeeTooLow           SubmitterErrorStatus = "submitterFeeTooLow"
)

// Stage is the phase of processing a failure happened in.
type Stage string

const (
	StageSimulate Stage = "simulate"
	StageSubmit   Stage = "submit"
	StageExecute  Stage = "execute"
)
