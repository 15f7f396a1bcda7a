package preparer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaliberVB/txpipeline/fee"
	"github.com/CaliberVB/txpipeline/testutil"
	"github.com/CaliberVB/txpipeline/txn"
)

func newPreparer(fc *testutil.FakeChain, cfg Config) *Preparer {
	return New(fc, fee.New(fc, fee.Config{}), cfg)
}

func transfer() txn.Intent {
	return txn.Intent{
		To:    testutil.TestAddr2,
		Value: big.NewInt(10_000_000_000_000_000),
		Data:  []byte{},
	}
}

func TestPrepare_ExplicitGasLimitKept(t *testing.T) {
	fc := testutil.NewFakeChain()
	p := newPreparer(fc, Config{})

	intent := transfer()
	intent.Overrides.GasLimit = 21000
	prepared, err := p.Prepare(context.Background(), intent, testutil.TestAddr1)
	require.NoError(t, err)

	assert.Equal(t, uint64(21000), prepared.GasLimit)
	assert.Equal(t, 0, fc.Calls("EstimateGas"))
}

func TestPrepare_EstimatedGasLimit(t *testing.T) {
	fc := testutil.NewFakeChain()
	fc.GasEstimate = 50_000
	p := newPreparer(fc, Config{})

	prepared, err := p.Prepare(context.Background(), transfer(), testutil.TestAddr1)
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000), prepared.GasLimit)
}

func TestPrepare_GasEstimateFailureUsesDefault(t *testing.T) {
	fc := testutil.NewFakeChain()
	fc.EstimateErr = errors.New("execution reverted")
	p := newPreparer(fc, Config{})

	prepared, err := p.Prepare(context.Background(), transfer(), testutil.TestAddr1)
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, prepared.GasLimit)
}

func TestPrepare_Fees(t *testing.T) {
	ctx := context.Background()

	t.Run("dynamic network uses standard tier", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		prepared, err := newPreparer(fc, Config{}).Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)

		assert.Equal(t, txn.KindDynamicFee, prepared.Kind)
		assert.Equal(t, big.NewInt(2_200_000_000), prepared.MaxPriorityFeePerGas)
		assert.Equal(t, big.NewInt(22_200_000_000), prepared.MaxFeePerGas)
	})

	t.Run("legacy network", func(t *testing.T) {
		fc := testutil.NewLegacyFakeChain()
		prepared, err := newPreparer(fc, Config{}).Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)

		assert.Equal(t, txn.KindLegacy, prepared.Kind)
		assert.Equal(t, big.NewInt(22_000_000_000), prepared.GasPrice)
	})

	t.Run("gas price override forces legacy", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		intent := transfer()
		intent.Overrides.GasPrice = big.NewInt(7)
		prepared, err := newPreparer(fc, Config{}).Prepare(ctx, intent, testutil.TestAddr1)
		require.NoError(t, err)

		assert.Equal(t, txn.KindLegacy, prepared.Kind)
		assert.Equal(t, big.NewInt(7), prepared.GasPrice)
	})

	t.Run("tip override fills fee cap from quote", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		intent := transfer()
		intent.Overrides.MaxPriorityFeePerGas = big.NewInt(3_000_000_000)
		prepared, err := newPreparer(fc, Config{}).Prepare(ctx, intent, testutil.TestAddr1)
		require.NoError(t, err)

		assert.Equal(t, txn.KindDynamicFee, prepared.Kind)
		assert.Equal(t, big.NewInt(3_000_000_000), prepared.MaxPriorityFeePerGas)
		assert.Equal(t, big.NewInt(22_200_000_000), prepared.MaxFeePerGas)
	})

	t.Run("fee cap override clamps tip", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		intent := transfer()
		intent.Overrides.MaxFeePerGas = big.NewInt(1_000_000_000)
		prepared, err := newPreparer(fc, Config{}).Prepare(ctx, intent, testutil.TestAddr1)
		require.NoError(t, err)

		assert.Equal(t, big.NewInt(1_000_000_000), prepared.MaxFeePerGas)
		assert.Equal(t, big.NewInt(1_000_000_000), prepared.MaxPriorityFeePerGas)
	})
}

func TestPrepare_Nonce(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit nonce used verbatim", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		intent := transfer()
		n := uint64(42)
		intent.Overrides.Nonce = &n
		prepared, err := newPreparer(fc, Config{}).Prepare(ctx, intent, testutil.TestAddr1)
		require.NoError(t, err)

		assert.Equal(t, uint64(42), prepared.Nonce)
		assert.False(t, prepared.NonceReserved)
		assert.Equal(t, 0, fc.Calls("PendingNonceAt"))
	})

	t.Run("sequential reservations", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		fc.MinedNonces[testutil.TestAddr1] = 7
		p := newPreparer(fc, Config{})

		for want := uint64(7); want < 10; want++ {
			prepared, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
			require.NoError(t, err)
			assert.Equal(t, want, prepared.Nonce)
			assert.True(t, prepared.NonceReserved)
		}
	})

	t.Run("concurrent prepares get distinct nonces", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		p := newPreparer(fc, Config{})

		const n = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := map[uint64]bool{}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				prepared, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[prepared.Nonce] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, seen, n)
	})

	t.Run("release returns the tip nonce", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		p := newPreparer(fc, Config{})

		first, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)
		assert.True(t, p.Release(first))

		again, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)
		assert.Equal(t, first.Nonce, again.Nonce)
	})

	t.Run("released nonce below the tip is reused", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		p := newPreparer(fc, Config{})

		a, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)
		b, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)
		require.Equal(t, uint64(0), a.Nonce)
		require.Equal(t, uint64(1), b.Nonce)

		assert.True(t, p.Release(a))

		c, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), c.Nonce)
	})

	t.Run("provider failure", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		fc.NonceErr = errors.New("connection refused")
		_, err := newPreparer(fc, Config{}).Prepare(ctx, transfer(), testutil.TestAddr1)
		assert.ErrorIs(t, err, ErrAcquireNonceFailed)
	})
}

func TestPrepare_Validation(t *testing.T) {
	fc := testutil.NewFakeChain()
	p := newPreparer(fc, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		intent  txn.Intent
		from    common.Address
		wantErr error
	}{
		{"zero destination", txn.Intent{Value: big.NewInt(1)}, testutil.TestAddr1, txn.ErrInvalidAddress},
		{"negative value", txn.Intent{To: testutil.TestAddr2, Value: big.NewInt(-1)}, testutil.TestAddr1, txn.ErrNegativeValue},
		{"missing sender", transfer(), common.Address{}, txn.ErrMissingIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Prepare(ctx, tt.intent, tt.from)
			assert.ErrorIs(t, err, tt.wantErr)
			var vErr *txn.ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}
	assert.Equal(t, 0, fc.Calls("ChainID"))
}

func TestPrepare_CancelledContextReleasesNonce(t *testing.T) {
	fc := testutil.NewFakeChain()
	p := newPreparer(fc, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
	require.ErrorIs(t, err, context.Canceled)

	prepared, err := p.Prepare(context.Background(), transfer(), testutil.TestAddr1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prepared.Nonce)
}

func TestReplace(t *testing.T) {
	ctx := context.Background()

	t.Run("same nonce higher fees", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		p := newPreparer(fc, Config{})
		prev, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)

		next, err := p.Replace(ctx, prev, DefaultPriceBumpFactor, DefaultTipBumpFactor)
		require.NoError(t, err)
		assert.Equal(t, prev.Nonce, next.Nonce)
		assert.Equal(t, 1, next.Attempt)
		assert.Equal(t, 1, next.MaxFeePerGas.Cmp(prev.MaxFeePerGas))
		assert.Equal(t, 1, next.MaxPriorityFeePerGas.Cmp(prev.MaxPriorityFeePerGas))
	})

	t.Run("follows a rising network", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		fees := fee.New(fc, fee.Config{})
		p := New(fc, fees, Config{})
		prev, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)

		fc.Mutate(func(f *testutil.FakeChain) { f.BaseFee = big.NewInt(100_000_000_000) })
		fees.Invalidate()

		next, err := p.Replace(ctx, prev, DefaultPriceBumpFactor, DefaultTipBumpFactor)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(202_200_000_000), next.MaxFeePerGas)
	})

	t.Run("fee cap protection", func(t *testing.T) {
		fc := testutil.NewFakeChain()
		p := newPreparer(fc, Config{MaxFeeCap: big.NewInt(23_000_000_000)})
		prev, err := p.Prepare(ctx, transfer(), testutil.TestAddr1)
		require.NoError(t, err)

		_, err = p.Replace(ctx, prev, DefaultPriceBumpFactor, DefaultTipBumpFactor)
		assert.ErrorIs(t, err, ErrFeeCapExceeded)
	})
}

func TestRaiseGasLimit(t *testing.T) {
	fc := testutil.NewFakeChain()
	fees := fee.New(fc, fee.Config{MaxGasLimit: 100_000})
	p := New(fc, fees, Config{})

	prev := &txn.Prepared{GasLimit: 50_000, ChainID: big.NewInt(1337)}
	next, err := p.RaiseGasLimit(prev)
	require.NoError(t, err)
	assert.Equal(t, uint64(65_000), next.GasLimit)

	next, err = p.RaiseGasLimit(&txn.Prepared{GasLimit: 90_000, ChainID: big.NewInt(1337)})
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), next.GasLimit)

	_, err = p.RaiseGasLimit(next)
	assert.ErrorIs(t, err, ErrGasLimitExceeded)
}
