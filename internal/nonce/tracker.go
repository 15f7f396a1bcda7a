// Package nonce tracks locally reserved nonces per (wallet, chain) so that
// concurrent preparations for one identity never share a nonce.
package nonce

import (
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type walletState struct {
	mu sync.Mutex
	// lastReserved maps chainID -> highest nonce handed out in this session
	lastReserved map[uint64]uint64
	// released maps chainID -> nonces below the tip handed back unused
	released map[uint64]map[uint64]struct{}
}

// lowestReleased drops released nonces below floor and returns the smallest
// one left. Must be called with mu held.
func (s *walletState) lowestReleased(chainID, floor uint64) (uint64, bool) {
	set := s.released[chainID]
	for n := range set {
		if n < floor {
			delete(set, n)
		}
	}
	if len(set) == 0 {
		delete(s.released, chainID)
		return 0, false
	}
	keys := make([]uint64, 0, len(set))
	for n := range set {
		keys = append(keys, n)
	}
	return slices.Min(keys), true
}

// Tracker manages nonce reservations for multiple wallets across chains.
type Tracker struct {
	wallets sync.Map // map[common.Address]*walletState
	log     *zap.Logger
}

// NewTracker creates a new nonce tracker. A nil logger disables logging.
func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{log: log}
}

func (t *Tracker) state(wallet common.Address) *walletState {
	s, _ := t.wallets.LoadOrStore(wallet, &walletState{
		lastReserved: map[uint64]uint64{},
		released:     map[uint64]map[uint64]struct{}{},
	})
	return s.(*walletState)
}

// Next returns the nonce the tracker would hand out next, if it tracks one.
// Released nonces come before the tip.
func (t *Tracker) Next(wallet common.Address, chainID uint64) (uint64, bool) {
	s := t.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.lowestReleased(chainID, 0); ok {
		return n, true
	}
	last, ok := s.lastReserved[chainID]
	if !ok {
		return 0, false
	}
	return last + 1, true
}

// Observe records a nonce used outside Acquire, e.g. an explicit override that
// was broadcast. Lower values than the current reservation are ignored.
func (t *Tracker) Observe(wallet common.Address, chainID uint64, nonce uint64) {
	s := t.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.released[chainID], nonce)
	if last, ok := s.lastReserved[chainID]; ok && last >= nonce {
		return
	}
	s.lastReserved[chainID] = nonce
}

// AcquireResult contains the result of a nonce acquisition
type AcquireResult struct {
	Nonce          uint64
	DecisionReason string
}

// Acquire determines and reserves the next nonce from the mined and pending
// nonces reported by the provider combined with local reservations. A released
// nonce the provider has not seen used is handed out before the tip grows.
func (t *Tracker) Acquire(wallet common.Address, chainID uint64, minedNonce, remotePendingNonce uint64) (*AcquireResult, error) {
	s := t.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64
	var reason string
	last, tracked := s.lastReserved[chainID]
	switch {
	case !tracked && minedNonce > remotePendingNonce:
		next, reason = minedNonce, "first tx, using mined (ahead of remote pending)"
	case !tracked:
		next, reason = remotePendingNonce, "first tx, using remote pending"
	case minedNonce > remotePendingNonce:
		t.log.Debug("acquire nonce: abnormal state, mined > remote pending",
			zap.String("wallet", wallet.Hex()),
			zap.Uint64("chain_id", chainID),
			zap.Uint64("mined_nonce", minedNonce),
			zap.Uint64("remote_pending", remotePendingNonce),
			zap.Uint64("local_last", last),
		)
		return nil, ErrAbnormalNonceState
	case t.reuse(s, chainID, max(minedNonce, remotePendingNonce), &next):
		reason = "reusing released nonce"
	case last+1 > remotePendingNonce:
		next, reason = last+1, "using local reservation (ahead of remote)"
	default:
		next, reason = remotePendingNonce, "using remote pending (>= local)"
	}
	if next > last || !tracked {
		s.lastReserved[chainID] = next
	}

	t.log.Debug("acquire nonce: reserved",
		zap.String("wallet", wallet.Hex()),
		zap.Uint64("chain_id", chainID),
		zap.Uint64("acquired_nonce", next),
		zap.Uint64("mined_nonce", minedNonce),
		zap.Uint64("remote_pending", remotePendingNonce),
		zap.String("decision", reason),
	)
	return &AcquireResult{Nonce: next, DecisionReason: reason}, nil
}

// reuse takes the lowest released nonce at or above floor. Must be called with
// mu held.
func (t *Tracker) reuse(s *walletState, chainID, floor uint64, next *uint64) bool {
	n, ok := s.lowestReleased(chainID, floor)
	if !ok {
		return false
	}
	delete(s.released[chainID], n)
	*next = n
	return true
}

// Release returns an unused nonce. Releasing the tip moves the reservation
// back; a nonce below the tip is kept aside and handed out by the next Acquire
// so the gap it would leave gets filled.
func (t *Tracker) Release(wallet common.Address, chainID uint64, nonce uint64) bool {
	s := t.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastReserved[chainID]
	_, already := s.released[chainID][nonce]
	if !ok || nonce > last || already {
		t.log.Debug("release nonce: skipped, not reserved",
			zap.String("wallet", wallet.Hex()),
			zap.Uint64("chain_id", chainID),
			zap.Uint64("requested_nonce", nonce),
		)
		return false
	}
	if nonce < last {
		if s.released[chainID] == nil {
			s.released[chainID] = map[uint64]struct{}{}
		}
		s.released[chainID][nonce] = struct{}{}
	} else {
		t.rewind(s, chainID, nonce)
	}
	t.log.Debug("release nonce: released",
		zap.String("wallet", wallet.Hex()),
		zap.Uint64("chain_id", chainID),
		zap.Uint64("released_nonce", nonce),
	)
	return true
}

// rewind moves the tip below nonce, folding in released nonces that end up on
// top. Must be called with mu held.
func (t *Tracker) rewind(s *walletState, chainID, nonce uint64) {
	for {
		if nonce == 0 {
			delete(s.lastReserved, chainID)
			delete(s.released, chainID)
			return
		}
		nonce--
		if _, ok := s.released[chainID][nonce]; !ok {
			s.lastReserved[chainID] = nonce
			return
		}
		delete(s.released[chainID], nonce)
	}
}

// Reset forgets local state for a wallet on a chain, forcing the next Acquire
// to trust the provider.
func (t *Tracker) Reset(wallet common.Address, chainID uint64) {
	s := t.state(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastReserved, chainID)
	delete(s.released, chainID)
}
