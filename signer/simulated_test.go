package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaliberVB/txpipeline/testutil"
	"github.com/CaliberVB/txpipeline/txn"
)

var revertingContract = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// revertCode returns runtime bytecode that always reverts with payload.
func revertCode(payload []byte) []byte {
	var code []byte
	for off := 0; off < len(payload); off += 32 {
		var word [32]byte
		copy(word[:], payload[off:])
		code = append(code, 0x7f) // PUSH32
		code = append(code, word[:]...)
		code = append(code, 0x60, byte(off), 0x52) // PUSH1 off, MSTORE
	}
	code = append(code, 0x60, byte(len(payload)), 0x60, 0x00, 0xfd) // PUSH1 size, PUSH1 0, REVERT
	return code
}

func newSimulatedBackend(t *testing.T) *simulated.Backend {
	t.Helper()
	balance := new(big.Int).Mul(testutil.OneEth, big.NewInt(100))
	backend := simulated.NewBackend(types.GenesisAlloc{
		testutil.TestPrivateKey1Address: {Balance: balance},
		revertingContract:               {Code: revertCode(testutil.RevertWithReason("not allowed")), Balance: new(big.Int)},
	})
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestSimulatedBackend_SignBroadcastMine(t *testing.T) {
	backend := newSimulatedBackend(t)
	client := backend.Client()
	ctx := context.Background()

	reg := NewRegistry()
	require.NoError(t, reg.Add(testutil.TestPrivateKey1Address, testutil.TestPrivateKeyHex))
	svc := New(client, reg)

	head, err := client.HeaderByNumber(ctx, nil)
	require.NoError(t, err)
	tip, err := client.SuggestGasTipCap(ctx)
	require.NoError(t, err)

	prepared := &txn.Prepared{
		Intent:               txn.Intent{To: testutil.TestAddr2, Value: big.NewInt(1_000_000)},
		From:                 testutil.TestPrivateKey1Address,
		ChainID:              testutil.ChainIDSimulated,
		GasLimit:             21000,
		Kind:                 txn.KindDynamicFee,
		MaxPriorityFeePerGas: tip,
		MaxFeePerGas:         new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip),
	}

	sim := svc.Simulate(ctx, prepared)
	require.True(t, sim.Success, "simulation: %v", sim.Err)
	assert.Equal(t, uint64(21000), sim.GasUsed)

	signed, err := svc.Sign(prepared)
	require.NoError(t, err)
	hash, err := svc.Broadcast(ctx, signed)
	require.NoError(t, err)
	backend.Commit()

	receipt, err := client.TransactionReceipt(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	balance, err := client.BalanceAt(ctx, testutil.TestAddr2, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000), balance)
}

func TestSimulatedBackend_SimulateRevert(t *testing.T) {
	backend := newSimulatedBackend(t)
	client := backend.Client()

	svc := New(client, NewRegistry())
	prepared := &txn.Prepared{
		Intent:   txn.Intent{To: revertingContract, Data: []byte{0xde, 0xad, 0xbe, 0xef}},
		From:     testutil.TestPrivateKey1Address,
		ChainID:  testutil.ChainIDSimulated,
		GasLimit: 100_000,
		Kind:     txn.KindLegacy,
		GasPrice: big.NewInt(10_000_000_000),
	}

	res := svc.Simulate(context.Background(), prepared)
	assert.False(t, res.Success)
	assert.True(t, res.Reverted)
	assert.Equal(t, "not allowed", res.RevertReason)
	assert.ErrorIs(t, res.Err, ErrSimulatedTxReverted)
}
