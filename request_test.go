package txpipeline

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaliberVB/txpipeline/queue"
	"github.com/CaliberVB/txpipeline/testutil"
	"github.com/CaliberVB/txpipeline/txn"
)

func TestTxRequest_Builder(t *testing.T) {
	p := newTestPipeline(t, testutil.NewFakeChain())

	r := p.R().
		SetFrom(sender).
		SetTo(testutil.TestAddr2).
		SetValue(testutil.OneEth).
		SetData([]byte{0xde, 0xad}).
		SetGasLimit(50_000).
		SetMaxFeePerGas(testutil.TwentyGwei).
		SetTipCap(testutil.TwoGwei).
		SetNonce(7).
		SetConfirmations(3).
		SetTimeout(time.Minute).
		SetIdempotencyKey("key").
		SetPriority(5).
		SetMetadata(map[string]string{"order": "1"})

	intent := r.Intent()
	assert.Equal(t, testutil.TestAddr2, intent.To)
	assert.Equal(t, 0, intent.Value.Cmp(testutil.OneEth))
	assert.Equal(t, []byte{0xde, 0xad}, intent.Data)
	assert.Equal(t, uint64(50_000), intent.Overrides.GasLimit)
	assert.Equal(t, 0, intent.Overrides.MaxFeePerGas.Cmp(testutil.TwentyGwei))
	assert.Equal(t, 0, intent.Overrides.MaxPriorityFeePerGas.Cmp(testutil.TwoGwei))
	require.NotNil(t, intent.Overrides.Nonce)
	assert.Equal(t, uint64(7), *intent.Overrides.Nonce)
	assert.Equal(t, uint64(3), r.confirmations)
	assert.Equal(t, time.Minute, r.timeout)
	assert.Equal(t, "key", r.idempotencyKey)

	// Intent is a copy
	intent.Value.SetInt64(1)
	assert.Equal(t, 0, r.Intent().Value.Cmp(testutil.OneEth))
}

func TestTxRequest_Defaults(t *testing.T) {
	p := newTestPipeline(t, testutil.NewFakeChain())

	r := p.R().SetValue(nil)
	assert.Equal(t, 0, r.Intent().Value.Sign())

	r.SetNumRetries(7)
	require.NotNil(t, r.policy)
	assert.Equal(t, 7, r.policy.MaxRetries)
	assert.Equal(t, p.policy.MaxDelay, r.policy.MaxDelay)

	r.SetSimulationFailedHook(func(*types.Transaction, []byte, *abi.Error, any, error) (bool, error) { return false, nil })
	assert.True(t, r.simulate)
}

func TestTxRequest_Execute(t *testing.T) {
	t.Run("zero from address", func(t *testing.T) {
		p := newTestPipeline(t, testutil.NewFakeChain())
		res, err := p.R().SetTo(testutil.TestAddr2).Execute()
		require.ErrorIs(t, err, ErrFromAddressZero)
		assert.Equal(t, txn.StateFailed, res.State)

		_, err = p.R().SetTo(testutil.TestAddr2).Enqueue()
		require.ErrorIs(t, err, ErrFromAddressZero)
	})

	t.Run("confirmed", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		fc.AutoMine = true
		p := newTestPipeline(t, fc)

		var mined bool
		res, err := p.R().
			SetFrom(sender).
			SetTo(testutil.TestAddr2).
			SetValue(big.NewInt(1000)).
			SetSimulate(true).
			SetTxMinedHook(func(*types.Transaction, *types.Receipt) error {
				mined = true
				return nil
			}).
			ExecuteContext(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Confirmed())
		assert.True(t, mined)

		sent := fc.SentTransactions()
		require.Len(t, sent, 1)
		assert.Equal(t, int64(1000), sent[0].Value().Int64())
	})

	t.Run("legacy gas price", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		fc.AutoMine = true
		p := newTestPipeline(t, fc)

		_, err := p.R().
			SetFrom(sender).
			SetTo(testutil.TestAddr2).
			SetGasPrice(testutil.TwentyGwei).
			SetGasLimit(21000).
			Execute()
		require.NoError(t, err)

		sent := fc.SentTransactions()
		require.Len(t, sent, 1)
		assert.Equal(t, uint8(types.LegacyTxType), sent[0].Type())
		assert.Equal(t, uint64(21000), sent[0].Gas())
	})
}

func TestTxRequest_Enqueue(t *testing.T) {
	p := newTestPipeline(t, testutil.NewFakeChain())

	id, err := p.R().
		SetFrom(sender).
		SetTo(testutil.TestAddr2).
		SetPriority(9).
		SetMetadata(map[string]string{"order": "42"}).
		Enqueue()
	require.NoError(t, err)

	item, ok := p.QueueStatus(id)
	require.True(t, ok)
	assert.Equal(t, queue.StatePending, item.State)
	assert.Equal(t, 9, item.Priority)
	assert.Equal(t, sender, item.Options.From)
	assert.Equal(t, "42", item.Options.Metadata["order"])
}
