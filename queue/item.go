package queue

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/txn"
)

// State is the lifecycle position of a queue item.
type State int

const (
	StatePending State = iota
	StateExecuting
	StateCompleted
	StateFailed
	StateRetrying
	StateCancelled
)

var allStates = []State{StatePending, StateExecuting, StateCompleted, StateFailed, StateRetrying, StateCancelled}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRetrying:
		return "retrying"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Options are the submission options carried by an item.
type Options struct {
	From          common.Address
	Confirmations uint64
	Simulate      bool
	// Timeout bounds one execution attempt; zero uses the queue default.
	Timeout time.Duration
	// Policy overrides the queue's retry policy for this item.
	Policy   *retry.Policy
	Metadata map[string]string
}

// Outcome is what a successful execution reports back.
type Outcome struct {
	Hash          common.Hash
	BlockNumber   uint64
	GasUsed       uint64
	Confirmations uint64
}

// Item wraps an intent with its queue bookkeeping. Values returned by the
// queue are copies.
type Item struct {
	ID       string
	Seq      uint64
	Intent   txn.Intent
	Priority int
	Options  Options
	State    State
	Attempts int
	// DelayUntil is when a retrying item becomes eligible again.
	DelayUntil time.Time
	BundleID   string
	Outcome    Outcome
	Err        error  `json:"-"`
	LastError  string `json:",omitempty"`
	Action     string `json:",omitempty"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	index int
}

func (it *Item) ready(now time.Time) bool {
	return it.State == StatePending || (it.State == StateRetrying && !now.Before(it.DelayUntil))
}

func (it *Item) clone() Item {
	c := *it
	c.Intent = it.Intent.Clone()
	if it.Options.Metadata != nil {
		c.Options.Metadata = make(map[string]string, len(it.Options.Metadata))
		for k, v := range it.Options.Metadata {
			c.Options.Metadata[k] = v
		}
	}
	c.index = -1
	return c
}

// itemHeap orders waiting items by priority descending, then by Seq.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
