package submitter

import (
	"fmt"

	"github.com/happychain/boop-submitter/boop"
)

func invalidValues(stage boop.Stage, format string, args ...interface{}) *boop.OutputError {
	return &boop.OutputError{
		Status:      string(boop.SubmitterInvalidValues),
		Stage:       stage,
		Description: fmt.Sprintf(format, args...),
	}
}

// validateGasInput checks the caller-provided gas limits and fee against the
// submitter's policy. Zero limits are filled from simulation later.
func (s *Submitter) validateGasInput(b *boop.Boop, forSubmit bool, stage boop.Stage) error {
	if err := b.Validate(); err != nil {
		return invalidValues(stage, "%v", err)
	}
	selfPaying := forSubmit && b.SelfPaying()

	if selfPaying && (b.GasLimit == 0 || b.ExecuteGasLimit == 0 || b.ValidateGasLimit == 0 || b.MaxFeeInt().Sign() == 0) {
		return boop.OnchainFailure(boop.OnchainMissingGasValues, stage,
			"Self-paying boops must provide maxFeePerGas, gasLimit, validateGasLimit and executeGasLimit", nil)
	}

	if selfPaying || b.GasLimit > 0 {
		inner := uint64(b.ValidateGasLimit) + uint64(b.ValidatePaymentGasLimit) + uint64(b.ExecuteGasLimit)
		if uint64(b.GasLimit) < inner+s.cfg.EntryPointGasBuffer && (selfPaying || inner > 0) {
			return invalidValues(stage, "gasLimit %d is below the sum of the inner limits plus %d",
				uint64(b.GasLimit), s.cfg.EntryPointGasBuffer)
		}
	}

	floors := []struct {
		name  string
		value uint64
		min   uint64
	}{
		{"validateGasLimit", uint64(b.ValidateGasLimit), s.cfg.MinValidateGas},
		{"validatePaymentGasLimit", uint64(b.ValidatePaymentGasLimit), s.cfg.MinValidatePaymentGas},
		{"executeGasLimit", uint64(b.ExecuteGasLimit), s.cfg.MinExecuteGas},
	}
	for _, f := range floors {
		if f.value > 0 && f.value < f.min {
			return invalidValues(stage, "%s %d is below the minimum of %d", f.name, f.value, f.min)
		}
	}

	if uint64(b.GasLimit) > s.cfg.MaxGasLimit {
		return invalidValues(stage, "gasLimit %d is above the maximum of %d", uint64(b.GasLimit), s.cfg.MaxGasLimit)
	}

	if b.SelfPaying() && s.cfg.MinSubmitterFee != nil && b.SubmitterFeeInt().Cmp(s.cfg.MinSubmitterFee) < 0 {
		return &boop.OutputError{
			Status:      string(boop.SubmitterFeeTooLow),
			Stage:       stage,
			Description: fmt.Sprintf("submitter fee %s is below the minimum of %s", b.SubmitterFeeInt(), s.cfg.MinSubmitterFee),
		}
	}
	return nil
}
