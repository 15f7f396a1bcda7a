package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/txn"
)

// ErrClosed is returned by Next once the subscription has ended.
var ErrClosed = errors.New("subscription closed")

const eventBuffer = 16

// Event is one observation of a watched hash. The last event of a stream has
// Final set; it is either a confirmation or a failure.
type Event struct {
	Hash          common.Hash
	Status        txn.Status
	Confirmations uint64
	Finality      Finality
	Final         bool
	Err           error
}

// Confirmed reports whether e is a final successful event.
func (e Event) Confirmed() bool {
	return e.Final && e.Err == nil && e.Status.State == txn.StateConfirmed
}

// Subscription streams confirmation progress for one hash until the target
// depth is reached, the transaction reverts, or Close is called.
type Subscription struct {
	hash   common.Hash
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	final     *Event
	onConfirm []func(Event)
	onFailure []func(Event)
}

// Watch starts polling hash in the background.
func (m *Monitor) Watch(ctx context.Context, hash common.Hash, required uint64) *Subscription {
	if required == 0 {
		required = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		hash:   hash,
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, m, required)
	return s
}

func (s *Subscription) run(ctx context.Context, m *Monitor, required uint64) {
	defer close(s.done)
	defer close(s.events)

	p := &poller{m: m, hash: s.hash, required: required}
	start := m.now()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		obs := p.step(ctx)
		if obs.changed || obs.terminal {
			res := p.result(start)
			ev := Event{
				Hash:          s.hash,
				Status:        res.Status,
				Confirmations: res.Confirmations,
				Finality:      res.Finality,
				Final:         obs.terminal,
				Err:           res.Err,
			}
			if obs.terminal {
				m.observe(res)
				s.finish(ev)
				select {
				case s.events <- ev:
				case <-ctx.Done():
				}
				return
			}
			// progress events are dropped when nobody is reading
			select {
			case s.events <- ev:
			default:
				m.log.Debug("watch event dropped, buffer full", zap.String("tx_hash", s.hash.Hex()))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Subscription) finish(ev Event) {
	s.mu.Lock()
	s.final = &ev
	var callbacks []func(Event)
	if ev.Confirmed() {
		callbacks = append(callbacks, s.onConfirm...)
	} else {
		callbacks = append(callbacks, s.onFailure...)
	}
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(ev)
	}
}

// Hash returns the watched hash.
func (s *Subscription) Hash() common.Hash {
	return s.hash
}

// Events returns the stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Next blocks for the next event. It returns ErrClosed after the stream ends
// and ctx.Err() if ctx is done first.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// OnConfirmation registers fn for the final successful event. If the
// subscription already confirmed, fn runs immediately.
func (s *Subscription) OnConfirmation(fn func(Event)) {
	s.mu.Lock()
	final := s.final
	if final == nil {
		s.onConfirm = append(s.onConfirm, fn)
	}
	s.mu.Unlock()
	if final != nil && final.Confirmed() {
		fn(*final)
	}
}

// OnFailure registers fn for a final failed event.
func (s *Subscription) OnFailure(fn func(Event)) {
	s.mu.Lock()
	final := s.final
	if final == nil {
		s.onFailure = append(s.onFailure, fn)
	}
	s.mu.Unlock()
	if final != nil && !final.Confirmed() {
		fn(*final)
	}
}

// Done is closed once polling has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops polling. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
