package nonce

import (
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	walletA = common.HexToAddress("0x1234567890123456789012345678901234567890")
	walletB = common.HexToAddress("0x2234567890123456789012345678901234567890")
)

func TestTracker_FirstAcquire(t *testing.T) {
	tests := []struct {
		name          string
		mined, remote uint64
		expected      uint64
	}{
		{"uses remote pending when higher", 5, 10, 10},
		{"uses mined when nodes lag", 10, 5, 10},
		{"fresh account", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(nil)
			result, err := tracker.Acquire(walletA, 1, tt.mined, tt.remote)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Nonce != tt.expected {
				t.Errorf("expected nonce %d, got %d", tt.expected, result.Nonce)
			}
			if result.DecisionReason == "" {
				t.Error("expected a decision reason")
			}
		})
	}
}

func TestTracker_SequentialAcquire(t *testing.T) {
	tracker := NewTracker(nil)

	for want := uint64(3); want < 6; want++ {
		// provider has not seen any of our transactions yet
		result, err := tracker.Acquire(walletA, 1, 3, 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Nonce != want {
			t.Errorf("expected nonce %d, got %d", want, result.Nonce)
		}
	}

	next, ok := tracker.Next(walletA, 1)
	if !ok || next != 6 {
		t.Errorf("expected next nonce 6, got %d (tracked=%v)", next, ok)
	}
}

func TestTracker_RemoteOvertakesLocal(t *testing.T) {
	tracker := NewTracker(nil)
	if _, err := tracker.Acquire(walletA, 1, 0, 0); err != nil {
		t.Fatal(err)
	}

	// another process sent transactions from the same wallet
	result, err := tracker.Acquire(walletA, 1, 0, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Nonce != 9 {
		t.Errorf("expected remote pending 9 to win, got %d", result.Nonce)
	}
}

func TestTracker_AbnormalState(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Observe(walletA, 1, 5)

	_, err := tracker.Acquire(walletA, 1, 10, 5)
	if !errors.Is(err, ErrAbnormalNonceState) {
		t.Errorf("expected ErrAbnormalNonceState, got %v", err)
	}
}

func TestTracker_Release(t *testing.T) {
	t.Run("releases tip nonce", func(t *testing.T) {
		tracker := NewTracker(nil)
		tracker.Observe(walletA, 1, 5)

		if !tracker.Release(walletA, 1, 5) {
			t.Fatal("expected tip nonce to be released")
		}
		next, _ := tracker.Next(walletA, 1)
		if next != 5 {
			t.Errorf("expected nonce 5 after release, got %d", next)
		}
	})

	t.Run("keeps a non-tip nonce for reuse", func(t *testing.T) {
		tracker := NewTracker(nil)
		tracker.Observe(walletA, 1, 10)

		if !tracker.Release(walletA, 1, 7) {
			t.Fatal("expected non-tip nonce to be released")
		}
		next, _ := tracker.Next(walletA, 1)
		if next != 7 {
			t.Errorf("expected released nonce 7 next, got %d", next)
		}
	})

	t.Run("skips nonces never reserved", func(t *testing.T) {
		tracker := NewTracker(nil)
		tracker.Observe(walletA, 1, 10)

		if tracker.Release(walletA, 1, 11) {
			t.Error("expected release above the tip to be skipped")
		}
		if !tracker.Release(walletA, 1, 4) {
			t.Fatal("expected first release of 4 to succeed")
		}
		if tracker.Release(walletA, 1, 4) {
			t.Error("expected a second release of 4 to be skipped")
		}
	})

	t.Run("releasing the tip folds released nonces below it", func(t *testing.T) {
		tracker := NewTracker(nil)
		for range 3 {
			if _, err := tracker.Acquire(walletA, 1, 0, 0); err != nil {
				t.Fatal(err)
			}
		}
		tracker.Release(walletA, 1, 1)
		tracker.Release(walletA, 1, 2)

		next, _ := tracker.Next(walletA, 1)
		if next != 1 {
			t.Errorf("expected nonce 1 after folding, got %d", next)
		}
		result, err := tracker.Acquire(walletA, 1, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if result.Nonce != 1 {
			t.Errorf("expected nonce 1, got %d", result.Nonce)
		}
	})

	t.Run("releasing nonce zero forgets the chain", func(t *testing.T) {
		tracker := NewTracker(nil)
		if _, err := tracker.Acquire(walletA, 1, 0, 0); err != nil {
			t.Fatal(err)
		}
		tracker.Release(walletA, 1, 0)
		if _, ok := tracker.Next(walletA, 1); ok {
			t.Error("expected no tracked nonce after releasing 0")
		}
	})

	t.Run("unknown wallet", func(t *testing.T) {
		tracker := NewTracker(nil)
		if tracker.Release(walletB, 1, 0) {
			t.Error("expected release on unknown wallet to be a no-op")
		}
	})
}

func TestTracker_ReleasedNonceReused(t *testing.T) {
	acquire := func(t *testing.T, tracker *Tracker, mined, remote uint64) uint64 {
		t.Helper()
		result, err := tracker.Acquire(walletA, 1, mined, remote)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return result.Nonce
	}

	t.Run("lowest released nonce first", func(t *testing.T) {
		tracker := NewTracker(nil)
		a := acquire(t, tracker, 0, 0)
		b := acquire(t, tracker, 0, 0)
		if a != 0 || b != 1 {
			t.Fatalf("expected nonces 0 and 1, got %d and %d", a, b)
		}
		if !tracker.Release(walletA, 1, a) {
			t.Fatal("expected release of a non-tip nonce to succeed")
		}

		if c := acquire(t, tracker, 0, 0); c != 0 {
			t.Errorf("expected released nonce 0, got %d", c)
		}
		if d := acquire(t, tracker, 0, 0); d != 2 {
			t.Errorf("expected tip to continue at 2, got %d", d)
		}
	})

	t.Run("released nonces the provider has seen are dropped", func(t *testing.T) {
		tracker := NewTracker(nil)
		for range 4 {
			acquire(t, tracker, 0, 0)
		}
		tracker.Release(walletA, 1, 0)
		tracker.Release(walletA, 1, 2)

		// nonce 0 was used by another process in the meantime
		if got := acquire(t, tracker, 1, 1); got != 2 {
			t.Errorf("expected released nonce 2, got %d", got)
		}
		if got := acquire(t, tracker, 1, 1); got != 4 {
			t.Errorf("expected tip nonce 4, got %d", got)
		}
	})

	t.Run("observe claims a released nonce", func(t *testing.T) {
		tracker := NewTracker(nil)
		acquire(t, tracker, 0, 0)
		acquire(t, tracker, 0, 0)
		tracker.Release(walletA, 1, 0)
		tracker.Observe(walletA, 1, 0)

		if got := acquire(t, tracker, 0, 0); got != 2 {
			t.Errorf("expected nonce 2, got %d", got)
		}
	})

	t.Run("reset forgets released nonces", func(t *testing.T) {
		tracker := NewTracker(nil)
		acquire(t, tracker, 0, 0)
		acquire(t, tracker, 0, 0)
		tracker.Release(walletA, 1, 0)
		tracker.Reset(walletA, 1)

		if got := acquire(t, tracker, 5, 5); got != 5 {
			t.Errorf("expected provider nonce 5, got %d", got)
		}
	})
}

func TestTracker_ObserveIgnoresLower(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Observe(walletA, 1, 10)
	tracker.Observe(walletA, 1, 5)

	next, _ := tracker.Next(walletA, 1)
	if next != 11 {
		t.Errorf("expected nonce 11, got %d", next)
	}
}

func TestTracker_Reset(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Observe(walletA, 1, 10)
	tracker.Reset(walletA, 1)

	result, err := tracker.Acquire(walletA, 1, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if result.Nonce != 4 {
		t.Errorf("expected provider nonce 4 after reset, got %d", result.Nonce)
	}
}

func TestTracker_IsolatesChainsAndWallets(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.Observe(walletA, 1, 10)

	r1, _ := tracker.Acquire(walletA, 137, 0, 0)
	r2, _ := tracker.Acquire(walletB, 1, 0, 0)
	if r1.Nonce != 0 || r2.Nonce != 0 {
		t.Errorf("expected independent nonces, got %d and %d", r1.Nonce, r2.Nonce)
	}
}

func TestTracker_ConcurrentAcquireIsUnique(t *testing.T) {
	tracker := NewTracker(nil)
	const n = 100

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := tracker.Acquire(walletA, 1, 0, 0)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[result.Nonce] {
				t.Errorf("duplicate nonce %d", result.Nonce)
			}
			seen[result.Nonce] = true
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d unique nonces, got %d", n, len(seen))
	}
}
