package txpipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaliberVB/txpipeline/config"
	"github.com/CaliberVB/txpipeline/fee"
	"github.com/CaliberVB/txpipeline/idempotency"
	"github.com/CaliberVB/txpipeline/testutil"
)

func TestOptionsFromConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		cfg := config.Default()
		cfg.Fee.Priority = "fast"
		cfg.Confirm.Confirmations = 3
		cfg.Retry.MaxRetries = 5

		opts, err := OptionsFromConfig(cfg, nil)
		require.NoError(t, err)

		p, err := New(ctx, testutil.NewFakeChain(), opts...)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), p.confirmations)
		assert.Equal(t, 5, p.policy.MaxRetries)
		assert.Equal(t, fee.PriorityFast, p.Fees().Config().DefaultPriority)
		assert.Equal(t, 0, p.Fees().Config().FallbackGasPrice.Cmp(config.Wei(cfg.Fee.FallbackGasPriceGwei)))
		assert.IsType(t, &idempotency.InMemoryStore{}, p.IdempotencyStore())
		assert.Nil(t, p.store)
		require.NoError(t, p.Shutdown(ctx))
	})

	t.Run("chain id is enforced", func(t *testing.T) {
		cfg := config.Default()
		cfg.RPC.ChainID = 1
		opts, err := OptionsFromConfig(cfg, nil)
		require.NoError(t, err)

		_, err = New(ctx, testutil.NewFakeChain(), opts...)
		require.ErrorIs(t, err, ErrChainIDMismatch)
	})

	t.Run("bad priority", func(t *testing.T) {
		cfg := config.Default()
		cfg.Fee.Priority = "ludicrous"
		_, err := OptionsFromConfig(cfg, nil)
		require.Error(t, err)
	})

	t.Run("redis backend needs a client", func(t *testing.T) {
		cfg := config.Default()
		cfg.Idempotency.Backend = "redis"
		_, err := OptionsFromConfig(cfg, nil)
		require.ErrorIs(t, err, ErrRedisRequired)
	})

	t.Run("redis backend", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Default()
		cfg.Idempotency.Backend = "redis"
		cfg.Redis.Addr = mr.Addr()

		rdb, err := DialRedis(ctx, cfg.Redis)
		require.NoError(t, err)
		t.Cleanup(func() { _ = rdb.Close() })

		opts, err := OptionsFromConfig(cfg, rdb)
		require.NoError(t, err)
		p, err := New(ctx, testutil.NewFakeChain(), opts...)
		require.NoError(t, err)
		assert.IsType(t, &idempotency.RedisStore{}, p.IdempotencyStore())
		assert.IsType(t, &RedisQueueStore{}, p.store)

		_, err = p.IdempotencyStore().Create(ctx, "k")
		require.NoError(t, err)
		assert.True(t, mr.Exists(cfg.Redis.KeyPrefix+"k"))
	})
}

func TestDialRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := DialRedis(ctx, config.RedisConfig{Addr: addr})
	require.Error(t, err)
}
