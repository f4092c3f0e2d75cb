package submitter

import (
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	EntryPoint common.Address

	// BufferLimit is the number of unfinished boops allowed per (account, nonce track).
	BufferLimit int `validate:"gt=0"`
	// MaxCapacity is the number of unfinished boops allowed in total.
	MaxCapacity   int    `validate:"gt=0,gtefield=BufferLimit"`
	MaxNonceAhead uint64 `validate:"gt=0"`

	GasSafetyMarginPercent uint64 `validate:"lte=1000"`
	EntryPointGasBuffer    uint64
	MinValidateGas         uint64
	MinValidatePaymentGas  uint64
	MinExecuteGas          uint64
	MaxGasLimit            uint64 `validate:"gt=0"`

	// DefaultSubmitterFee is charged to sponsored boops that do not set one.
	DefaultSubmitterFee *big.Int
	// MinSubmitterFee is the lowest fee (possibly negative) accepted from self-paying boops.
	MinSubmitterFee *big.Int

	SimulationTimeout time.Duration `validate:"gt=0"`
	SubmitTimeout     time.Duration `validate:"gt=0"`
	// ReceiptTimeout bounds one receipt wait. Watchers wait again after it, so
	// it must stay well above an RPC round trip.
	ReceiptTimeout    time.Duration `validate:"min=100ms"`

	// StuckBlocks is the number of blocks without receipt after which an attempt is resent or bumped.
	StuckBlocks        uint64 `validate:"gt=0"`
	MaxReplacements    uint64
	FinalizedPurgeTime time.Duration
	// ExecutorTTL is how long an (account, track) keeps using the same executor after its last boop.
	ExecutorTTL time.Duration `validate:"gt=0"`
}

var DefaultConfig = Config{
	BufferLimit:            50,
	MaxCapacity:            1000,
	MaxNonceAhead:          50,
	GasSafetyMarginPercent: 20,
	EntryPointGasBuffer:    70_000,
	MinValidateGas:         20_000,
	MinValidatePaymentGas:  20_000,
	MinExecuteGas:          5_500,
	MaxGasLimit:            10_000_000,
	DefaultSubmitterFee:    big.NewInt(0),
	MinSubmitterFee:        big.NewInt(0),
	SimulationTimeout:      5 * time.Second,
	SubmitTimeout:          10 * time.Second,
	ReceiptTimeout:         30 * time.Second,
	StuckBlocks:            3,
	MaxReplacements:        5,
	FinalizedPurgeTime:     time.Minute,
	ExecutorTTL:            30 * time.Second,
}

func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// ConfigFromEnv loads `submitter` config from environment.
// - `SUBMITTER_BUFFER_LIMIT`
// - `SUBMITTER_MAX_CAPACITY`
// - `SUBMITTER_MAX_NONCE_AHEAD`
// - `SUBMITTER_GAS_SAFETY_MARGIN`
// - `SUBMITTER_ENTRYPOINT_GAS_BUFFER`
// - `SUBMITTER_MIN_VALIDATE_GAS`
// - `SUBMITTER_MIN_VALIDATE_PAYMENT_GAS`
// - `SUBMITTER_MIN_EXECUTE_GAS`
// - `SUBMITTER_MAX_GAS_LIMIT`
// - `SUBMITTER_DEFAULT_FEE`
// - `SUBMITTER_MIN_FEE`
// - `SUBMITTER_SIMULATION_TIMEOUT_MS`
// - `SUBMITTER_SUBMIT_TIMEOUT_MS`
// - `SUBMITTER_RECEIPT_TIMEOUT_MS`
// - `SUBMITTER_STUCK_BLOCKS`
// - `SUBMITTER_MAX_REPLACEMENTS`
// - `SUBMITTER_FINALIZED_PURGE_MS`
// - `SUBMITTER_EXECUTOR_TTL_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	ints := []struct {
		env string
		dst *int
	}{
		{"SUBMITTER_BUFFER_LIMIT", &config.BufferLimit},
		{"SUBMITTER_MAX_CAPACITY", &config.MaxCapacity},
	}
	for _, v := range ints {
		if val := os.Getenv(v.env); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return config, err
			}
			*v.dst = n
		}
	}

	uints := []struct {
		env string
		dst *uint64
	}{
		{"SUBMITTER_MAX_NONCE_AHEAD", &config.MaxNonceAhead},
		{"SUBMITTER_GAS_SAFETY_MARGIN", &config.GasSafetyMarginPercent},
		{"SUBMITTER_ENTRYPOINT_GAS_BUFFER", &config.EntryPointGasBuffer},
		{"SUBMITTER_MIN_VALIDATE_GAS", &config.MinValidateGas},
		{"SUBMITTER_MIN_VALIDATE_PAYMENT_GAS", &config.MinValidatePaymentGas},
		{"SUBMITTER_MIN_EXECUTE_GAS", &config.MinExecuteGas},
		{"SUBMITTER_MAX_GAS_LIMIT", &config.MaxGasLimit},
		{"SUBMITTER_STUCK_BLOCKS", &config.StuckBlocks},
		{"SUBMITTER_MAX_REPLACEMENTS", &config.MaxReplacements},
	}
	for _, v := range uints {
		if val := os.Getenv(v.env); val != "" {
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return config, err
			}
			*v.dst = n
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"SUBMITTER_SIMULATION_TIMEOUT_MS", &config.SimulationTimeout},
		{"SUBMITTER_SUBMIT_TIMEOUT_MS", &config.SubmitTimeout},
		{"SUBMITTER_RECEIPT_TIMEOUT_MS", &config.ReceiptTimeout},
		{"SUBMITTER_FINALIZED_PURGE_MS", &config.FinalizedPurgeTime},
		{"SUBMITTER_EXECUTOR_TTL_MS", &config.ExecutorTTL},
	}
	for _, v := range durations {
		if val := os.Getenv(v.env); val != "" {
			ms, err := strconv.Atoi(val)
			if err != nil {
				return config, err
			}
			*v.dst = time.Duration(ms) * time.Millisecond
		}
	}

	bigs := []struct {
		env string
		dst **big.Int
	}{
		{"SUBMITTER_DEFAULT_FEE", &config.DefaultSubmitterFee},
		{"SUBMITTER_MIN_FEE", &config.MinSubmitterFee},
	}
	for _, v := range bigs {
		if val := os.Getenv(v.env); val != "" {
			n, ok := new(big.Int).SetString(val, 10)
			if !ok {
				return config, strconv.ErrSyntax
			}
			*v.dst = n
		}
	}

	return config, config.Validate()
}
