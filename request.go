package txpipeline

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CaliberVB/txpipeline/queue"
	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/txn"
)

// TxRequest represents a transaction request with builder pattern
type TxRequest struct {
	p *Pipeline

	from   common.Address
	intent txn.Intent

	simulate      bool
	confirmations uint64
	timeout       time.Duration
	policy        *retry.Policy
	hooks         Hooks

	// queue-only settings
	priority int
	metadata map[string]string

	// Idempotency key for preventing duplicate transactions
	idempotencyKey string
}

// R creates a new transaction request (similar to go-resty's R() method).
// The request inherits the pipeline's confirmation and retry defaults.
func (p *Pipeline) R() *TxRequest {
	return &TxRequest{
		p:      p,
		intent: txn.Intent{Value: big.NewInt(0)},
	}
}

// SetFrom sets the identity that signs the transaction
func (r *TxRequest) SetFrom(from common.Address) *TxRequest {
	r.from = from
	return r
}

// SetTo sets the to address
func (r *TxRequest) SetTo(to common.Address) *TxRequest {
	r.intent.To = to
	return r
}

// SetValue sets the transaction value in wei
func (r *TxRequest) SetValue(value *big.Int) *TxRequest {
	if value != nil {
		r.intent.Value = value
	}
	return r
}

// SetData sets the transaction data
func (r *TxRequest) SetData(data []byte) *TxRequest {
	r.intent.Data = data
	return r
}

// SetGasLimit pins the gas limit instead of estimating it
func (r *TxRequest) SetGasLimit(gasLimit uint64) *TxRequest {
	r.intent.Overrides.GasLimit = gasLimit
	return r
}

// SetGasPrice sets a legacy gas price in wei
func (r *TxRequest) SetGasPrice(gasPrice *big.Int) *TxRequest {
	r.intent.Overrides.GasPrice = gasPrice
	return r
}

// SetMaxFeePerGas sets the dynamic fee cap in wei
func (r *TxRequest) SetMaxFeePerGas(maxFee *big.Int) *TxRequest {
	r.intent.Overrides.MaxFeePerGas = maxFee
	return r
}

// SetTipCap sets the priority fee in wei
func (r *TxRequest) SetTipCap(tipCap *big.Int) *TxRequest {
	r.intent.Overrides.MaxPriorityFeePerGas = tipCap
	return r
}

// SetNonce pins the nonce instead of acquiring one
func (r *TxRequest) SetNonce(nonce uint64) *TxRequest {
	r.intent.Overrides.Nonce = &nonce
	return r
}

// SetSimulate dry-runs the transaction before the first broadcast
func (r *TxRequest) SetSimulate(simulate bool) *TxRequest {
	r.simulate = simulate
	return r
}

// SetConfirmations sets how many blocks deep the tx must be
func (r *TxRequest) SetConfirmations(n uint64) *TxRequest {
	r.confirmations = n
	return r
}

// SetTimeout bounds each confirmation wait
func (r *TxRequest) SetTimeout(timeout time.Duration) *TxRequest {
	r.timeout = timeout
	return r
}

// SetRetryPolicy overrides the pipeline's retry policy
func (r *TxRequest) SetRetryPolicy(policy retry.Policy) *TxRequest {
	r.policy = &policy
	return r
}

// SetNumRetries keeps the current policy and changes only its retry ceiling
func (r *TxRequest) SetNumRetries(numRetries int) *TxRequest {
	policy := r.p.policy
	if r.policy != nil {
		policy = *r.policy
	}
	policy.MaxRetries = numRetries
	r.policy = &policy
	return r
}

// SetBeforeSignAndBroadcastHook sets the hook to be called before signing and broadcasting
func (r *TxRequest) SetBeforeSignAndBroadcastHook(hook Hook) *TxRequest {
	r.hooks.BeforeSignAndBroadcast = hook
	return r
}

// SetAfterSignAndBroadcastHook sets the hook to be called after signing and broadcasting
func (r *TxRequest) SetAfterSignAndBroadcastHook(hook Hook) *TxRequest {
	r.hooks.AfterSignAndBroadcast = hook
	return r
}

// SetSimulationFailedHook sets the hook to be called when the dry run shows a revert.
// Setting it implies SetSimulate(true).
func (r *TxRequest) SetSimulationFailedHook(hook SimulationFailedHook) *TxRequest {
	r.hooks.SimulationFailed = hook
	r.simulate = true
	return r
}

// SetTxMinedHook sets the hook to be called when a transaction is mined.
// This hook is called for both successful and reverted transactions.
func (r *TxRequest) SetTxMinedHook(hook TxMinedHook) *TxRequest {
	r.hooks.TxMined = hook
	return r
}

// SetIdempotencyKey sets a unique key to prevent duplicate transaction submissions.
// If the same key is used again, the previous result is returned instead of
// submitting a new transaction; a request that was broadcast but not yet
// resolved is resumed.
func (r *TxRequest) SetIdempotencyKey(key string) *TxRequest {
	r.idempotencyKey = key
	return r
}

// SetPriority sets the queue priority used by Enqueue
func (r *TxRequest) SetPriority(priority int) *TxRequest {
	r.priority = priority
	return r
}

// SetMetadata attaches caller data to the queue item created by Enqueue
func (r *TxRequest) SetMetadata(metadata map[string]string) *TxRequest {
	r.metadata = metadata
	return r
}

// Intent returns a copy of the intent built so far.
func (r *TxRequest) Intent() txn.Intent {
	return r.intent.Clone()
}

// Execute executes the transaction request using a background context.
// For production use, prefer ExecuteContext to allow cancellation.
func (r *TxRequest) Execute() (*TransactionResult, error) {
	return r.ExecuteContext(context.Background())
}

// ExecuteContext runs the request through ExecuteFlow.
// The context allows the caller to cancel long-running retry loops.
func (r *TxRequest) ExecuteContext(ctx context.Context) (*TransactionResult, error) {
	if r.from == (common.Address{}) {
		start := r.p.now()
		return failedResult(ErrFromAddressZero, start, start), ErrFromAddressZero
	}
	return r.p.ExecuteFlow(ctx, r.intent.Clone(), r.from, FlowOptions{
		Simulate:       r.simulate,
		Confirmations:  r.confirmations,
		Timeout:        r.timeout,
		Policy:         r.policy,
		Hooks:          r.hooks,
		IdempotencyKey: r.idempotencyKey,
	})
}

// Enqueue submits the request to the execution queue and returns the item id.
// Hooks and the idempotency key do not apply to queued requests.
func (r *TxRequest) Enqueue() (string, error) {
	if r.from == (common.Address{}) {
		return "", ErrFromAddressZero
	}
	return r.p.Enqueue(r.intent.Clone(), r.priority, queue.Options{
		From:          r.from,
		Confirmations: r.confirmations,
		Simulate:      r.simulate,
		Timeout:       r.timeout,
		Policy:        r.policy,
		Metadata:      r.metadata,
	})
}
