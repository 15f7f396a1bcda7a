package txpipeline

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CaliberVB/txpipeline/chain"
	"github.com/CaliberVB/txpipeline/confirm"
	"github.com/CaliberVB/txpipeline/fee"
	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/signer"
	"github.com/CaliberVB/txpipeline/txn"
)

// Constants for transaction execution
const (
	DefaultConfirmations  uint64 = 1
	DefaultConfirmTimeout        = 5 * time.Minute
	DefaultIdempotencyTTL        = 24 * time.Hour

	// Gas adjustment for same-nonce replacements
	GasPriceIncreasePercent = 1.2 // 20% increase
	TipCapIncreasePercent   = 1.1 // 10% increase
)

// FlowOptions tunes one ExecuteFlow call. Zero fields take the pipeline defaults.
type FlowOptions struct {
	Simulate      bool
	Confirmations uint64
	// Timeout bounds each confirmation wait; an expired wait leads to a
	// fee-bumped replacement while retries remain.
	Timeout time.Duration
	Policy  *retry.Policy
	Hooks   Hooks
	// IdempotencyKey deduplicates the flow through the pipeline's idempotency store.
	IdempotencyKey string
	// ReplacePending makes a flow resumed from a submitted idempotency record
	// replace the recorded broadcast with a fee-bumped one on the same nonce
	// right away instead of first waiting on it again.
	ReplacePending bool
}

// TransactionResult is the terminal outcome of a flow. State is always one of
// confirmed, failed or cancelled.
type TransactionResult struct {
	Hash        common.Hash
	State       txn.State
	Status      txn.Status
	Transaction *types.Transaction
	Receipt     *types.Receipt
	Finality    confirm.Finality

	// Hashes lists every broadcast attempt in order; replacements share a nonce.
	Hashes     []common.Hash
	// Superseded reports the broadcasts a confirmed replacement made obsolete,
	// each in the replaced state.
	Superseded []txn.Status
	Nonce      uint64
	Attempts   int
	Simulation *signer.SimulationResult

	// Reason, Category and Action are set when the flow failed.
	Reason   string
	Category chain.Category
	Action   string

	// Deduplicated is set when the result came from the idempotency store.
	Deduplicated bool
	Elapsed      time.Duration
}

// Confirmed reports whether the transaction reached the required depth without reverting.
func (r *TransactionResult) Confirmed() bool {
	return r != nil && r.State == txn.StateConfirmed
}

// HealthStatus summarises a health check.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is a point-in-time view of the pipeline and its provider.
type Health struct {
	Status            HealthStatus
	ProviderConnected bool
	IdentityCount     int
	CurrentFee        *fee.Quote
	BlockHeight       uint64
	BreakerState      string
	QueueRunning      bool
	CheckedAt         time.Time
	Problems          []string
}

// FeeSummary is the fee quote of every priority tier.
type FeeSummary struct {
	Safe     fee.Quote
	Standard fee.Quote
	Fast     fee.Quote
}

// Cost is the fee of gas units at the tier's fee cap.
func (s FeeSummary) Cost(p fee.Priority, gas uint64) *big.Int {
	switch p {
	case fee.PrioritySafe:
		return s.Safe.Cost(gas)
	case fee.PriorityFast:
		return s.Fast.Cost(gas)
	default:
		return s.Standard.Cost(gas)
	}
}
