package txpipeline

import (
	"errors"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/idempotency"
	"github.com/CaliberVB/txpipeline/preparer"
	"github.com/CaliberVB/txpipeline/signer"
)

// Pipeline errors
var (
	ErrFromAddressZero      = errors.New("from address cannot be zero")
	ErrEnsureTxOutOfRetries = errors.New("ensure tx out of retries")
	ErrGasPriceLimitReached = preparer.ErrFeeCapExceeded
	ErrSimulatedTxReverted  = signer.ErrSimulatedTxReverted
	ErrSimulatedTxFailed    = signer.ErrSimulatedTxFailed
	ErrCircuitBreakerOpen   = chain.ErrCircuitOpen
	ErrTxReverted           = errors.New("tx was mined but reverted")
	ErrConfirmationTimeout  = errors.New("tx was not confirmed in time")
	ErrHookAborted          = errors.New("execution stopped by hook")
	ErrChainIDMismatch      = errors.New("provider chain id differs from configured chain id")
	ErrPipelineClosed       = errors.New("pipeline is shut down")

	ErrDuplicateIdempotencyKey = idempotency.ErrDuplicateKey
	ErrPreviouslyFailed        = errors.New("request with this idempotency key already failed")
)

// flowError tags a pipeline-level failure with the category the retry engine
// should act on.
type flowError struct {
	category chain.Category
	err      error
}

func (e *flowError) Error() string { return e.err.Error() }

func (e *flowError) Unwrap() error { return e.err }

func (e *flowError) Category() chain.Category { return e.category }

func tagged(category chain.Category, err error) error {
	return &flowError{category: category, err: err}
}
