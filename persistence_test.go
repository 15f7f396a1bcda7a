package txpipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaliberVB/txpipeline/queue"
	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/testutil"
	"github.com/CaliberVB/txpipeline/txn"
)

func queueStores(t *testing.T) map[string]QueueStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]QueueStore{
		"memory": NewMemoryQueueStore(),
		"redis":  NewRedisQueueStore(client, "test:queue"),
	}
}

func TestQueueStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	nonce := uint64(4)
	policy := fastPolicy(1)
	policy.RetryIf = func(error) bool { return true }

	items := []queue.Item{{
		ID: "a",
		Intent: txn.Intent{
			To:        testutil.TestAddr2,
			Value:     testutil.OneEth,
			Data:      []byte{1, 2, 3},
			Overrides: txn.Overrides{Nonce: &nonce, MaxFeePerGas: testutil.TwentyGwei},
		},
		Priority:  3,
		Options:   queue.Options{From: sender, Confirmations: 2, Policy: &policy, Metadata: map[string]string{"k": "v"}},
		State:     queue.StateRetrying,
		Attempts:  1,
		LastError: "timeout",
		CreatedAt: testutil.FixedTime,
	}}
	bundles := []queue.Bundle{{ID: "b", ItemIDs: []string{"a"}, CreatedAt: testutil.FixedTime}}

	for name, store := range queueStores(t) {
		t.Run(name, func(t *testing.T) {
			gotItems, gotBundles, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, gotItems)
			assert.Empty(t, gotBundles)

			require.NoError(t, store.Save(ctx, items, bundles))

			gotItems, gotBundles, err = store.Load(ctx)
			require.NoError(t, err)
			require.Len(t, gotItems, 1)
			got := gotItems[0]
			assert.Equal(t, "a", got.ID)
			assert.Equal(t, queue.StateRetrying, got.State)
			assert.Equal(t, 0, got.Intent.Value.Cmp(testutil.OneEth))
			assert.Equal(t, []byte{1, 2, 3}, got.Intent.Data)
			require.NotNil(t, got.Intent.Overrides.Nonce)
			assert.Equal(t, uint64(4), *got.Intent.Overrides.Nonce)
			assert.Equal(t, sender, got.Options.From)
			assert.Equal(t, "v", got.Options.Metadata["k"])
			assert.Nil(t, got.Options.Policy)
			assert.True(t, testutil.FixedTime.Equal(got.CreatedAt))
			assert.Equal(t, bundles[0].ItemIDs, gotBundles[0].ItemIDs)

			// the caller's items are untouched
			assert.NotNil(t, items[0].Options.Policy)
		})
	}
}

func TestPipeline_QueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()

	fc := testutil.NewFakeChain()
	fc.AutoMine = true

	first := newTestPipeline(t, fc, WithQueueStore(store))
	ids, err := first.EnqueueBatch([]txn.Intent{transfer(), transfer()}, 0, queue.Options{From: sender})
	require.NoError(t, err)
	_, err = first.CreateBundle(ids)
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	second := newTestPipeline(t, fc, WithQueueStore(store))
	require.NoError(t, second.Start(ctx))
	for _, id := range ids {
		waitForState(t, second, id, queue.StateCompleted)
	}
	assert.Equal(t, 1, second.Statistics().Bundles)
	assert.Len(t, fc.SentTransactions(), 2)
}

func TestPipeline_RestoreInterruptedItem(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	require.NoError(t, store.Save(ctx, []queue.Item{{
		ID:       "interrupted",
		Seq:      1,
		Intent:   transfer(),
		Options:  queue.Options{From: sender},
		State:    queue.StateExecuting,
		Attempts: 1,
	}}, nil))

	fc := testutil.NewFakeChain()
	fc.AutoMine = true
	p := newTestPipeline(t, fc, WithQueueStore(store), WithRetryPolicy(retry.Policy{MaxRetries: 2, MaxDelay: time.Millisecond}))
	require.NoError(t, p.Start(ctx))

	item := waitForState(t, p, "interrupted", queue.StateCompleted)
	assert.Equal(t, 2, item.Attempts)
}
