package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// receiptBlock is where builder receipts land unless a block is given.
const receiptBlock = 12345678

// NewTx is an unsigned 21000-gas dynamic-fee transfer on the simulated chain id,
// tipping 2 gwei under a 20 gwei cap.
func NewTx(nonce uint64, to common.Address, value *big.Int) *types.Transaction {
	return NewTxWithChainID(nonce, to, value, ChainIDSimulated)
}

// NewTxWithChainID is NewTx for another chain.
func NewTxWithChainID(nonce uint64, to common.Address, value *big.Int, chainID *big.Int) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).Set(chainID),
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(TwoGwei),
		GasFeeCap: new(big.Int).Set(TwentyGwei),
		Gas:       21000,
		To:        &to,
		Value:     value,
	})
}

// SignedTx signs tx as TestPrivateKey1Address and panics if it cannot.
func SignedTx(tx *types.Transaction, chainID *big.Int) *types.Transaction {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), TestPrivateKey1)
	if err != nil {
		panic(err)
	}
	return signed
}

// NewReceiptWithBlockNumber mines tx at blockNumber with the given status.
// The whole gas limit counts as used.
func NewReceiptWithBlockNumber(tx *types.Transaction, status uint64, blockNumber int64) *types.Receipt {
	number := big.NewInt(blockNumber)
	return &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		TxHash:            tx.Hash(),
		BlockNumber:       number,
		BlockHash:         common.BigToHash(number),
		GasUsed:           tx.Gas(),
		CumulativeGasUsed: tx.Gas(),
	}
}

// NewFailedReceipt is a reverted receipt for tx.
func NewFailedReceipt(tx *types.Transaction) *types.Receipt {
	return NewReceiptWithBlockNumber(tx, types.ReceiptStatusFailed, receiptBlock)
}

// RevertWithReason is the Error(string) payload of a require or revert.
func RevertWithReason(reason string) []byte {
	return revertPayload("Error(string)", "string", reason)
}

// PanicWithCode is the Panic(uint256) payload of a failed assert or overflow.
func PanicWithCode(code uint64) []byte {
	return revertPayload("Panic(uint256)", "uint256", new(big.Int).SetUint64(code))
}

func revertPayload(signature, argType string, arg any) []byte {
	typ, err := abi.NewType(argType, "", nil)
	if err != nil {
		panic(err)
	}
	packed, err := abi.Arguments{{Type: typ}}.Pack(arg)
	if err != nil {
		panic(err)
	}
	return append(crypto.Keccak256([]byte(signature))[:4], packed...)
}
