package txpipeline

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

// Hook is called before a transaction is signed and after it is broadcast.
// Before signing it receives the unsigned transaction and a nil error; after
// broadcasting it receives the signed transaction and the broadcast error.
// Returning an error stops the flow.
type Hook func(tx *types.Transaction, err error) error

// TxMinedHook is called when a transaction is mined (either successfully or reverted).
// Return an error to propagate it to the caller.
type TxMinedHook func(tx *types.Transaction, receipt *types.Receipt) error

// SimulationFailedHook is called when the dry run shows the tx would revert.
// If the hook returns shouldRetry=true, the flow simulates again after the
// retry delay. Return an error to stop execution immediately.
type SimulationFailedHook func(tx *types.Transaction, revertData []byte, abiError *abi.Error, revertParams any, err error) (shouldRetry bool, retErr error)

// Hooks groups the callbacks of one flow. Nil hooks are skipped.
type Hooks struct {
	BeforeSignAndBroadcast Hook
	AfterSignAndBroadcast  Hook
	SimulationFailed       SimulationFailedHook
	TxMined                TxMinedHook
}
