package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "test:", ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryStore(time.Hour))
	})
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisStore(t, time.Hour)
		fn(t, s)
	})
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		name     string
		terminal bool
	}{
		{StatusPending, "pending", false},
		{StatusSubmitted, "submitted", false},
		{StatusConfirmed, "confirmed", true},
		{StatusFailed, "failed", true},
		{Status(99), "unknown", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.status.String())
		assert.Equal(t, tt.terminal, tt.status.Terminal())
	}
}

func TestStore_CreateGet(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, "k1")
		assert.ErrorIs(t, err, ErrKeyNotFound)

		rec, err := s.Create(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "k1", rec.Key)
		assert.Equal(t, StatusPending, rec.Status)
		assert.False(t, rec.CreatedAt.IsZero())

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.Equal(t, StatusPending, got.Status)
	})
}

func TestStore_Duplicate(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec, err := s.Create(ctx, "dup")
		require.NoError(t, err)
		rec.Status = StatusSubmitted
		rec.TxHash = common.HexToHash("0xabc")
		require.NoError(t, s.Update(ctx, rec))

		existing, err := s.Create(ctx, "dup")
		assert.ErrorIs(t, err, ErrDuplicateKey)
		require.NotNil(t, existing)
		assert.Equal(t, StatusSubmitted, existing.Status)
		assert.Equal(t, common.HexToHash("0xabc"), existing.TxHash)
	})
}

func TestStore_UpdateDelete(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.Update(ctx, &Record{Key: "missing"})
		assert.ErrorIs(t, err, ErrKeyNotFound)

		rec, err := s.Create(ctx, "k")
		require.NoError(t, err)
		rec.Status = StatusFailed
		rec.Error = "execution reverted"
		require.NoError(t, s.Update(ctx, rec))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "execution reverted", got.Error)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestStore_KeepsBroadcasts(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, second := common.HexToHash("0x01"), common.HexToHash("0x02")

		rec, err := s.Create(ctx, "k")
		require.NoError(t, err)
		rec.Status = StatusSubmitted
		rec.TxHash = second
		rec.RawTx = []byte{0x02, 0xf8, 0x01}
		rec.Broadcasts = []common.Hash{first, second}
		require.NoError(t, s.Update(ctx, rec))

		// later changes to the caller's copy are not stored
		rec.Broadcasts[0] = common.Hash{}

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x02, 0xf8, 0x01}, []byte(got.RawTx))
		assert.Equal(t, []common.Hash{first, second}, got.Broadcasts)
	})
}

func TestStore_ConcurrentCreate(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Create(ctx, "race"); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestInMemoryStore_Expiry(t *testing.T) {
	s := NewInMemoryStore(20 * time.Millisecond)
	ctx := context.Background()

	_, err := s.Create(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Size())

	time.Sleep(40 * time.Millisecond)
	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = s.Create(ctx, "short")
	assert.NoError(t, err, "expired keys can be reused")
}

func TestInMemoryStore_NoTTL(t *testing.T) {
	s := NewInMemoryStore(0)
	ctx := context.Background()
	rec, err := s.Create(ctx, "forever")
	require.NoError(t, err)
	rec.Status = StatusConfirmed
	require.NoError(t, s.Update(ctx, rec))
	got, err := s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.NoError(t, s.Close())
}

func TestRedisStore_TTL(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	rec, err := s.Create(ctx, "ttl")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:ttl"))
	assert.Equal(t, time.Minute, mr.TTL("test:ttl"))

	mr.FastForward(30 * time.Second)
	rec.Status = StatusSubmitted
	require.NoError(t, s.Update(ctx, rec))
	assert.Equal(t, 30*time.Second, mr.TTL("test:ttl"), "update keeps the remaining ttl")

	mr.FastForward(31 * time.Second)
	_, err = s.Get(ctx, "ttl")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	mr.Close()

	_, err := s.Create(context.Background(), "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateKey)
}
