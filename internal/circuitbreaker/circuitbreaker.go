// Package circuitbreaker stops calling a provider that keeps failing and probes
// it again once a cool-down has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned by Do when the breaker rejects the call.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast
	StateHalfOpen              // a single probe is allowed
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Config tunes a breaker. Zero values fall back to DefaultConfig.
type Config struct {
	// Name identifies the protected endpoint in logs and callbacks.
	Name string

	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold int
	// SuccessThreshold consecutive probe successes close a half-open breaker.
	SuccessThreshold int
	// OpenTimeout is the cool-down before the first probe.
	OpenTimeout time.Duration

	// OnStateChange runs after every transition, in order, once the state lock
	// is released. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)

	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// counts is the streak since the last state change or outcome flip.
type counts struct {
	failures    int
	successes   int
	lastFailure time.Time
}

type transition struct{ from, to State }

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	// notifyMu keeps callbacks in transition order across goroutines.
	notifyMu sync.Mutex

	mu       sync.Mutex
	state    State
	counts   counts
	openedAt time.Time
	probing  bool
	pending  []transition
}

func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config: config.withDefaults(),
		state:  StateClosed,
		now:    time.Now,
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State reports the current state, moving an expired open breaker to half-open.
func (cb *CircuitBreaker) State() State {
	var s State
	cb.locked(func() { s = cb.refresh() })
	return s
}

// Allow reports whether a call may proceed. While half-open only one probe is
// admitted until its outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	allowed := true
	cb.locked(func() {
		switch cb.refresh() {
		case StateOpen:
			allowed = false
		case StateHalfOpen:
			allowed = !cb.probing
			cb.probing = true
		}
	})
	return allowed
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.locked(func() {
		cb.probing = false
		cb.counts.failures = 0
		cb.counts.successes++
		if cb.refresh() == StateHalfOpen && cb.counts.successes >= cb.config.SuccessThreshold {
			cb.moveTo(StateClosed)
		}
	})
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.locked(func() {
		cb.probing = false
		cb.counts.successes = 0
		cb.counts.failures++
		cb.counts.lastFailure = cb.now()

		state := cb.refresh()
		if state == StateHalfOpen || (state == StateClosed && cb.counts.failures >= cb.config.FailureThreshold) {
			cb.openedAt = cb.now()
			cb.moveTo(StateOpen)
		}
	})
}

// Do runs fn if the breaker allows it and records the outcome. Errors for which
// isFailure returns false count as successes: the endpoint answered.
func (cb *CircuitBreaker) Do(fn func() error, isFailure func(error) bool) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// Reset closes the breaker and clears its streaks.
func (cb *CircuitBreaker) Reset() {
	cb.locked(func() {
		cb.counts = counts{}
		cb.probing = false
		cb.moveTo(StateClosed)
	})
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	Name                 string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	var s Stats
	cb.locked(func() {
		s = Stats{
			Name:                 cb.config.Name,
			State:                cb.refresh(),
			ConsecutiveFailures:  cb.counts.failures,
			ConsecutiveSuccesses: cb.counts.successes,
			LastFailureTime:      cb.counts.lastFailure,
		}
	})
	return s
}

// locked runs fn under mu, then reports the transitions fn caused.
func (cb *CircuitBreaker) locked(fn func()) {
	cb.notifyMu.Lock()
	defer cb.notifyMu.Unlock()

	cb.mu.Lock()
	fn()
	fired := cb.pending
	cb.pending = nil
	cb.mu.Unlock()

	for _, tr := range fired {
		cb.config.Logger.Warn("circuit breaker state changed",
			zap.String("breaker", cb.config.Name),
			zap.Stringer("from", tr.from),
			zap.Stringer("to", tr.to),
		)
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.config.Name, tr.from, tr.to)
		}
	}
}

// refresh must be called with mu held.
func (cb *CircuitBreaker) refresh() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.OpenTimeout {
		cb.moveTo(StateHalfOpen)
	}
	return cb.state
}

// moveTo must be called with mu held.
func (cb *CircuitBreaker) moveTo(to State) {
	if cb.state == to {
		return
	}
	cb.pending = append(cb.pending, transition{from: cb.state, to: to})
	cb.state = to
	if to == StateClosed {
		cb.counts.successes = 0
	}
}
