package queue

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaliberVB/txpipeline/internal/metrics"
	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/testutil"
	"github.com/CaliberVB/txpipeline/txn"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testutil.FixedTime} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func intent(value int64) txn.Intent {
	return txn.Intent{To: testutil.TestAddr2, Value: big.NewInt(value)}
}

var opts = Options{From: testutil.TestAddr1, Confirmations: 1}

func TestQueue_PriorityOrder(t *testing.T) {
	q := New()
	for _, p := range []int{5, 2, 10} {
		_, err := q.Enqueue(intent(int64(p)), p, opts)
		require.NoError(t, err)
	}

	var got []int
	for {
		it, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, it.Priority)
		assert.Equal(t, StateExecuting, it.State)
		assert.Equal(t, 1, it.Attempts)
	}
	assert.Equal(t, []int{10, 5, 2}, got)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New()
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(intent(int64(i)), 1, opts)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	high, err := q.Enqueue(intent(99), 3, opts)
	require.NoError(t, err)

	first, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, high, first.ID)
	for _, want := range ids {
		it, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, it.ID)
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q := New()

	tests := []struct {
		name   string
		intent txn.Intent
		prio   int
		opts   Options
		want   error
	}{
		{"missing identity", intent(1), 1, Options{}, txn.ErrMissingIdentity},
		{"zero destination", txn.Intent{Value: big.NewInt(1)}, 1, opts, txn.ErrInvalidAddress},
		{"negative value", intent(-1), 1, opts, txn.ErrNegativeValue},
		{"negative priority", intent(1), -1, opts, ErrInvalidPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(tt.intent, tt.prio, tt.opts)
			assert.ErrorIs(t, err, tt.want)
			var verr *txn.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	t.Run("batch is all or nothing", func(t *testing.T) {
		ids, err := q.EnqueueBatch([]txn.Intent{intent(1), intent(-5), intent(2)}, 1, opts)
		assert.ErrorIs(t, err, txn.ErrNegativeValue)
		assert.Nil(t, ids)
		assert.Equal(t, 0, q.Statistics().Total)
	})

	t.Run("batch keeps order", func(t *testing.T) {
		ids, err := q.EnqueueBatch([]txn.Intent{intent(1), intent(2), intent(3)}, 4, opts)
		require.NoError(t, err)
		require.Len(t, ids, 3)
		for _, want := range ids {
			it, ok := q.Dequeue()
			require.True(t, ok)
			assert.Equal(t, want, it.ID)
		}
	})
}

func TestQueue_Finish(t *testing.T) {
	t.Run("pending never jumps to completed", func(t *testing.T) {
		q := New()
		id, err := q.Enqueue(intent(1), 1, opts)
		require.NoError(t, err)

		_, err = q.Finish(id, Outcome{}, nil)
		assert.ErrorIs(t, err, ErrNotExecuting)
		st, _ := q.Status(id)
		assert.Equal(t, StatePending, st.State)
	})

	t.Run("success completes", func(t *testing.T) {
		q := New()
		id, _ := q.Enqueue(intent(1), 1, opts)
		_, ok := q.Dequeue()
		require.True(t, ok)

		it, err := q.Finish(id, Outcome{BlockNumber: 7}, nil)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, it.State)
		assert.Equal(t, uint64(7), it.Outcome.BlockNumber)

		_, err = q.Finish(id, Outcome{}, nil)
		assert.ErrorIs(t, err, ErrNotExecuting)
	})

	t.Run("nonce conflict retries after its delay", func(t *testing.T) {
		clock := newFakeClock()
		q := New(WithClock(clock.Now))
		id, _ := q.Enqueue(intent(1), 1, opts)
		_, ok := q.Dequeue()
		require.True(t, ok)

		it, err := q.Finish(id, Outcome{}, errors.New("nonce too low"))
		require.NoError(t, err)
		assert.Equal(t, StateRetrying, it.State)
		assert.True(t, it.DelayUntil.After(clock.Now()))
		assert.Equal(t, retry.ActionResyncNonce, it.Action)
		assert.Equal(t, "nonce too low", it.LastError)

		_, ok = q.Dequeue()
		assert.False(t, ok, "item must wait out its delay")

		clock.Advance(it.DelayUntil.Sub(clock.Now()))
		again, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, id, again.ID)
		assert.Equal(t, 2, again.Attempts)
	})

	t.Run("waiting retry does not block lower priorities", func(t *testing.T) {
		clock := newFakeClock()
		q := New(WithClock(clock.Now))
		high, _ := q.Enqueue(intent(1), 10, opts)
		low, _ := q.Enqueue(intent(2), 1, opts)
		_, _ = q.Dequeue()
		_, err := q.Finish(high, Outcome{}, errors.New("nonce too high"))
		require.NoError(t, err)

		it, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, low, it.ID)
	})

	t.Run("permanent failure", func(t *testing.T) {
		q := New()
		id, _ := q.Enqueue(intent(1), 1, opts)
		_, _ = q.Dequeue()

		it, err := q.Finish(id, Outcome{}, errors.New("execution reverted"))
		require.NoError(t, err)
		assert.Equal(t, StateFailed, it.State)
		assert.Equal(t, retry.ActionFixCall, it.Action)
	})

	t.Run("item policy caps retries", func(t *testing.T) {
		clock := newFakeClock()
		q := New(WithClock(clock.Now))
		p := retry.LinearBackoff(1, time.Second, time.Second)
		id, _ := q.Enqueue(intent(1), 1, Options{From: testutil.TestAddr1, Policy: &p})

		_, _ = q.Dequeue()
		it, _ := q.Finish(id, Outcome{}, errors.New("nonce too low"))
		require.Equal(t, StateRetrying, it.State)

		clock.Advance(time.Second)
		_, ok := q.Dequeue()
		require.True(t, ok)
		it, _ = q.Finish(id, Outcome{}, errors.New("nonce too low"))
		assert.Equal(t, StateFailed, it.State)
		assert.Equal(t, 2, it.Attempts)
	})
}

func TestQueue_Cancel(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(intent(1), 1, opts)
	b, _ := q.Enqueue(intent(2), 2, opts)

	require.NoError(t, q.Cancel(a))
	st, _ := q.Status(a)
	assert.Equal(t, StateCancelled, st.State)
	assert.ErrorIs(t, q.Cancel(a), ErrNotCancellable)
	assert.ErrorIs(t, q.Cancel("nope"), ErrUnknownItem)

	it, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, b, it.ID)
	assert.ErrorIs(t, q.Cancel(b), ErrNotCancellable)

	_, ok = q.Dequeue()
	assert.False(t, ok, "cancelled items are never dequeued")
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Bundles(t *testing.T) {
	q := New()
	ids, err := q.EnqueueBatch([]txn.Intent{intent(1), intent(2)}, 1, opts)
	require.NoError(t, err)

	_, err = q.CreateBundle(nil)
	assert.ErrorIs(t, err, ErrEmptyBundle)
	_, err = q.CreateBundle([]string{ids[0], "missing"})
	assert.ErrorIs(t, err, ErrUnknownItem)

	bid, err := q.CreateBundle(ids)
	require.NoError(t, err)
	_, err = q.CreateBundle(ids[:1])
	assert.ErrorIs(t, err, ErrAlreadyBundled)

	st, err := q.Bundle(bid)
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)
	assert.Equal(t, 2, st.Counts[StatePending])

	first, _ := q.Dequeue()
	assert.Equal(t, bid, first.BundleID)
	st, _ = q.Bundle(bid)
	assert.Equal(t, StateExecuting, st.State)

	_, _ = q.Finish(first.ID, Outcome{}, nil)
	second, _ := q.Dequeue()
	_, _ = q.Finish(second.ID, Outcome{}, nil)
	st, _ = q.Bundle(bid)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 2, st.Counts[StateCompleted])

	_, err = q.Bundle("missing")
	assert.ErrorIs(t, err, ErrUnknownBundle)
}

func TestQueue_Cleanup(t *testing.T) {
	clock := newFakeClock()
	q := New(WithClock(clock.Now))

	done, _ := q.Enqueue(intent(1), 3, opts)
	failed, _ := q.Enqueue(intent(2), 2, opts)
	waiting, _ := q.Enqueue(intent(3), 1, opts)
	bid, err := q.CreateBundle([]string{done, failed})
	require.NoError(t, err)

	_, _ = q.Dequeue()
	_, _ = q.Finish(done, Outcome{}, nil)
	_, _ = q.Dequeue()
	_, _ = q.Finish(failed, Outcome{}, errors.New("insufficient funds"))

	assert.Equal(t, 0, q.CleanupCompleted(time.Hour), "too recent")

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, q.CleanupCompleted(time.Hour))
	_, ok := q.Status(done)
	assert.False(t, ok)
	_, ok = q.Status(failed)
	assert.True(t, ok)

	assert.Equal(t, 1, q.CleanupFailed(time.Hour))
	_, err = q.Bundle(bid)
	assert.ErrorIs(t, err, ErrUnknownBundle, "empty bundles are dropped")

	_, ok = q.Status(waiting)
	assert.True(t, ok, "non-terminal items are never cleaned up")
	assert.Equal(t, 1, q.Statistics().Total)
}

func TestQueue_SnapshotRestore(t *testing.T) {
	src := New()
	ids, err := src.EnqueueBatch([]txn.Intent{intent(1), intent(2), intent(3)}, 1, opts)
	require.NoError(t, err)
	_, err = src.CreateBundle(ids[1:])
	require.NoError(t, err)
	claimed, _ := src.Dequeue()

	items, bundles := src.Snapshot()
	require.Len(t, items, 3)
	require.Len(t, bundles, 1)

	dst := New()
	require.NoError(t, dst.Restore(items, bundles))
	assert.ErrorIs(t, dst.Restore(items, nil), ErrDuplicateItem)

	st, ok := dst.Status(claimed.ID)
	require.True(t, ok)
	assert.Equal(t, StateRetrying, st.State, "in-flight items come back as retrying")

	var order []string
	for {
		it, ok := dst.Dequeue()
		if !ok {
			break
		}
		order = append(order, it.ID)
	}
	assert.Equal(t, ids, order)

	next, err := dst.Enqueue(intent(4), 1, opts)
	require.NoError(t, err)
	it, _ := dst.Status(next)
	assert.Greater(t, it.Seq, items[2].Seq)
}

func TestQueue_Statistics(t *testing.T) {
	mt := metrics.New(nil)
	q := New(WithMetrics(mt), WithMaxConcurrent(3))
	a, _ := q.Enqueue(intent(1), 1, opts)
	_, _ = q.Enqueue(intent(2), 1, opts)
	c, _ := q.Enqueue(intent(3), 0, opts)
	_, _ = q.Dequeue()
	_, _ = q.Finish(a, Outcome{}, nil)
	require.NoError(t, q.Cancel(c))

	s := q.Statistics()
	assert.Equal(t, Statistics{Total: 3, Pending: 1, Completed: 1, Cancelled: 1, MaxConcurrent: 3}, s)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(mt.QueueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(mt.QueueDepth.WithLabelValues("completed")))
	assert.Equal(t, 3.0, promtestutil.ToFloat64(mt.QueueTransitions.WithLabelValues("pending")))
}

func TestQueue_Processing(t *testing.T) {
	t.Run("bounded concurrency", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		exec := ExecutorFunc(func(ctx context.Context, it Item) (Outcome, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return Outcome{GasUsed: 21000}, nil
		})
		q := New(WithExecutor(exec), WithMaxConcurrent(2), WithPollInterval(time.Millisecond))
		for i := 0; i < 10; i++ {
			_, err := q.Enqueue(intent(int64(i)), i%3, opts)
			require.NoError(t, err)
		}

		require.NoError(t, q.Start(context.Background()))
		assert.ErrorIs(t, q.Start(context.Background()), ErrAlreadyRunning)
		require.Eventually(t, func() bool { return q.Statistics().Completed == 10 }, 2*time.Second, time.Millisecond)
		q.Stop()
		q.Stop()

		assert.LessOrEqual(t, peak.Load(), int32(2))
		assert.False(t, q.Running())
	})

	t.Run("retryable failure runs again", func(t *testing.T) {
		var calls atomic.Int32
		exec := ExecutorFunc(func(ctx context.Context, it Item) (Outcome, error) {
			if calls.Add(1) == 1 {
				return Outcome{}, errors.New("replacement transaction underpriced")
			}
			return Outcome{Confirmations: 1}, nil
		})
		q := New(
			WithExecutor(exec),
			WithPollInterval(time.Millisecond),
			WithRetryPolicy(retry.LinearBackoff(3, time.Millisecond, time.Millisecond)),
		)
		id, _ := q.Enqueue(intent(1), 1, opts)

		require.NoError(t, q.Start(context.Background()))
		defer q.Stop()
		require.Eventually(t, func() bool {
			it, _ := q.Status(id)
			return it.State == StateCompleted
		}, 2*time.Second, time.Millisecond)

		it, _ := q.Status(id)
		assert.Equal(t, 2, it.Attempts)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("item timeout fails the attempt", func(t *testing.T) {
		exec := ExecutorFunc(func(ctx context.Context, it Item) (Outcome, error) {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		})
		policy := retry.LinearBackoff(0, time.Millisecond, time.Millisecond)
		q := New(WithExecutor(exec), WithPollInterval(time.Millisecond), WithRetryPolicy(policy))
		id, _ := q.Enqueue(intent(1), 1, Options{From: testutil.TestAddr1, Timeout: 5 * time.Millisecond})

		require.NoError(t, q.Start(context.Background()))
		defer q.Stop()
		require.Eventually(t, func() bool {
			it, _ := q.Status(id)
			return it.State == StateFailed
		}, 2*time.Second, time.Millisecond)

		it, _ := q.Status(id)
		assert.ErrorIs(t, it.Err, context.DeadlineExceeded)
	})

	t.Run("start needs an executor", func(t *testing.T) {
		assert.ErrorIs(t, New().Start(context.Background()), ErrNoExecutor)
	})
}
