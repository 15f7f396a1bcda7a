package txn

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// State is the lifecycle position of a broadcast transaction.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateFailed
	StateReplaced
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateReplaced:
		return "replaced"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Status is what is known on chain about a hash.
type Status struct {
	Hash              common.Hash
	State             State
	BlockNumber       uint64
	BlockHash         common.Hash
	Confirmations     uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	// Fee is GasUsed * EffectiveGasPrice, nil when the price is unknown.
	Fee       *big.Int
	Timestamp time.Time
	Reason    string
}

// StatusFromReceipt fills the mined fields of a status.
func StatusFromReceipt(r *types.Receipt, confirmations uint64, at time.Time) Status {
	s := Status{
		Hash:          r.TxHash,
		State:         StateConfirmed,
		BlockHash:     r.BlockHash,
		Confirmations: confirmations,
		GasUsed:       r.GasUsed,
		Timestamp:     at,
	}
	if r.BlockNumber != nil {
		s.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusFailed {
		s.State = StateFailed
		s.Reason = "execution reverted"
	}
	if r.EffectiveGasPrice != nil {
		s.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
		s.Fee = new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
	}
	return s
}
