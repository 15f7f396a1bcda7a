// Package queue holds intents waiting for execution, ordered by priority, and
// drives them through an Executor with bounded concurrency.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/CaliberVB/txpipeline/internal/metrics"
	"github.com/CaliberVB/txpipeline/retry"
	"github.com/CaliberVB/txpipeline/txn"
)

const (
	DefaultMaxConcurrent = 4
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultItemTimeout   = 5 * time.Minute
)

var (
	ErrUnknownItem     = errors.New("unknown queue item")
	ErrNotCancellable  = errors.New("queue item is not waiting")
	ErrNotExecuting    = errors.New("queue item is not executing")
	ErrDuplicateItem   = errors.New("duplicate queue item id")
	ErrEmptyBundle     = errors.New("bundle needs at least one item")
	ErrAlreadyBundled  = errors.New("queue item already belongs to a bundle")
	ErrUnknownBundle   = errors.New("unknown bundle")
	ErrNoExecutor      = errors.New("queue has no executor")
	ErrAlreadyRunning  = errors.New("queue is already processing")
	ErrInvalidPriority = errors.New("priority must not be negative")
)

// Bundle groups items for accounting. It does not make their execution atomic.
type Bundle struct {
	ID        string
	ItemIDs   []string
	CreatedAt time.Time
}

// BundleStatus is a bundle plus the aggregate state of its items.
type BundleStatus struct {
	Bundle
	State  State
	Counts map[State]int
}

// Statistics is a point-in-time summary of the queue.
type Statistics struct {
	Total         int
	Pending       int
	Executing     int
	Completed     int
	Failed        int
	Retrying      int
	Cancelled     int
	Bundles       int
	MaxConcurrent int
	Running       bool
}

// Queue is safe for concurrent use. Its lock is never held across executor calls.
type Queue struct {
	mu      sync.Mutex
	items   map[string]*Item
	waiting itemHeap
	bundles map[string]*Bundle
	seq     uint64

	exec          Executor
	sem           *semaphore.Weighted
	maxConcurrent int
	pollInterval  time.Duration
	itemTimeout   time.Duration
	policy        retry.Policy

	running bool
	stop    func()
	wg      sync.WaitGroup
	wake    chan struct{}

	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

func WithExecutor(e Executor) Option {
	return func(q *Queue) { q.exec = e }
}

// WithMaxConcurrent bounds how many items may be executing at once.
func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxConcurrent = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithItemTimeout is the default per-attempt execution timeout.
func WithItemTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.itemTimeout = d
		}
	}
}

// WithRetryPolicy sets the policy used for items without their own.
func WithRetryPolicy(p retry.Policy) Option {
	return func(q *Queue) { q.policy = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		items:         make(map[string]*Item),
		bundles:       make(map[string]*Bundle),
		maxConcurrent: DefaultMaxConcurrent,
		pollInterval:  DefaultPollInterval,
		itemTimeout:   DefaultItemTimeout,
		policy:        retry.DefaultPolicy(),
		wake:          make(chan struct{}, 1),
		log:           zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.sem = semaphore.NewWeighted(int64(q.maxConcurrent))
	return q
}

func validate(intent txn.Intent, priority int, opts Options) error {
	if priority < 0 {
		return &txn.ValidationError{Field: "priority", Err: ErrInvalidPriority}
	}
	if opts.From == (common.Address{}) {
		return &txn.ValidationError{Field: "from", Err: txn.ErrMissingIdentity}
	}
	return intent.Validate()
}

// Enqueue adds an intent and returns its item id. Invalid intents are
// rejected here and never enter the queue.
func (q *Queue) Enqueue(intent txn.Intent, priority int, opts Options) (string, error) {
	if err := validate(intent, priority, opts); err != nil {
		return "", err
	}
	q.mu.Lock()
	it := q.addLocked(intent, priority, opts)
	q.refreshDepthLocked()
	q.mu.Unlock()

	q.log.Debug("item enqueued",
		zap.String("item_id", it.ID),
		zap.Int("priority", priority),
		zap.String("wallet", opts.From.Hex()),
	)
	q.signal()
	return it.ID, nil
}

// EnqueueBatch adds every intent or none of them.
func (q *Queue) EnqueueBatch(intents []txn.Intent, priority int, opts Options) ([]string, error) {
	for i, intent := range intents {
		if err := validate(intent, priority, opts); err != nil {
			return nil, fmt.Errorf("intent %d: %w", i, err)
		}
	}
	ids := make([]string, 0, len(intents))
	q.mu.Lock()
	for _, intent := range intents {
		ids = append(ids, q.addLocked(intent, priority, opts).ID)
	}
	q.refreshDepthLocked()
	q.mu.Unlock()

	q.log.Debug("batch enqueued", zap.Int("items", len(ids)), zap.Int("priority", priority))
	q.signal()
	return ids, nil
}

func (q *Queue) addLocked(intent txn.Intent, priority int, opts Options) *Item {
	now := q.now()
	q.seq++
	it := &Item{
		ID:        uuid.NewString(),
		Seq:       q.seq,
		Intent:    intent.Clone(),
		Priority:  priority,
		Options:   opts,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.items[it.ID] = it
	heap.Push(&q.waiting, it)
	q.metrics.ObserveTransition(StatePending.String())
	return it
}

// Dequeue claims the highest-priority item that is ready now and moves it to
// executing. Items still inside their backoff window are skipped.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var deferred []*Item
	var found *Item
	for q.waiting.Len() > 0 {
		it := heap.Pop(&q.waiting).(*Item)
		if it.ready(now) {
			found = it
			break
		}
		deferred = append(deferred, it)
	}
	for _, it := range deferred {
		heap.Push(&q.waiting, it)
	}
	if found == nil {
		return Item{}, false
	}

	found.State = StateExecuting
	found.Attempts++
	found.UpdatedAt = now
	q.metrics.ObserveTransition(StateExecuting.String())
	q.refreshDepthLocked()
	return found.clone(), true
}

// Finish records the result of an execution. A failure is classified: if the
// item's policy allows another attempt it moves to retrying with a backoff,
// otherwise it fails with the strategy's action hint.
func (q *Queue) Finish(id string, out Outcome, execErr error) (Item, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return Item{}, ErrUnknownItem
	}
	if it.State != StateExecuting {
		q.mu.Unlock()
		return Item{}, fmt.Errorf("%w: %s is %s", ErrNotExecuting, id, it.State)
	}

	now := q.now()
	it.UpdatedAt = now
	var delay time.Duration
	var strategy retry.Strategy
	if execErr == nil {
		it.State = StateCompleted
		it.Outcome = out
		it.Err = nil
		it.LastError = ""
		it.Action = ""
	} else {
		policy := q.policy
		if it.Options.Policy != nil {
			policy = *it.Options.Policy
		}
		strategy = retry.StrategyFor(execErr)
		it.Err = execErr
		it.LastError = execErr.Error()
		it.Action = strategy.Action
		if policy.ShouldRetry(it.Attempts-1, execErr, strategy) {
			delay = policy.Delay(it.Attempts-1, strategy)
			it.State = StateRetrying
			it.DelayUntil = now.Add(delay)
			heap.Push(&q.waiting, it)
			q.metrics.ObserveRetry(strategy.Category.String())
		} else {
			it.State = StateFailed
		}
	}
	q.metrics.ObserveTransition(it.State.String())
	q.refreshDepthLocked()
	snapshot := it.clone()
	q.mu.Unlock()

	fields := []zap.Field{
		zap.String("item_id", id),
		zap.String("state", snapshot.State.String()),
		zap.Int("attempt", snapshot.Attempts),
	}
	switch snapshot.State {
	case StateCompleted:
		q.log.Info("item completed", append(fields, zap.String("tx_hash", out.Hash.Hex()))...)
	case StateRetrying:
		q.log.Warn("item scheduled for retry", append(fields,
			zap.Stringer("category", strategy.Category),
			zap.Duration("delay", delay),
			zap.Error(execErr),
		)...)
		q.signal()
	default:
		q.log.Error("item failed", append(fields,
			zap.Stringer("category", strategy.Category),
			zap.String("action", strategy.Action),
			zap.Error(execErr),
		)...)
	}
	return snapshot, nil
}

// Cancel moves a waiting item to cancelled. Executing and terminal items
// cannot be cancelled.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrUnknownItem
	}
	if it.State != StatePending && it.State != StateRetrying {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, it.State)
	}
	if it.index >= 0 {
		heap.Remove(&q.waiting, it.index)
	}
	it.State = StateCancelled
	it.UpdatedAt = q.now()
	q.metrics.ObserveTransition(StateCancelled.String())
	q.refreshDepthLocked()
	q.log.Debug("item cancelled", zap.String("item_id", id))
	return nil
}

// Status returns a copy of the item.
func (q *Queue) Status(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

// Items returns copies of every item in enqueue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len is the number of items not yet terminal.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.State.Terminal() {
			n++
		}
	}
	return n
}

func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Statistics{
		Total:         len(q.items),
		Bundles:       len(q.bundles),
		MaxConcurrent: q.maxConcurrent,
		Running:       q.running,
	}
	for _, it := range q.items {
		switch it.State {
		case StatePending:
			s.Pending++
		case StateExecuting:
			s.Executing++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateRetrying:
			s.Retrying++
		case StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// CreateBundle groups existing items under a new bundle id.
func (q *Queue) CreateBundle(ids []string) (string, error) {
	if len(ids) == 0 {
		return "", ErrEmptyBundle
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		it, ok := q.items[id]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownItem, id)
		}
		if it.BundleID != "" {
			return "", fmt.Errorf("%w: %s in %s", ErrAlreadyBundled, id, it.BundleID)
		}
		if _, dup := seen[id]; dup {
			return "", fmt.Errorf("%w: %s", ErrDuplicateItem, id)
		}
		seen[id] = struct{}{}
	}
	b := &Bundle{
		ID:        uuid.NewString(),
		ItemIDs:   append([]string(nil), ids...),
		CreatedAt: q.now(),
	}
	for _, id := range ids {
		q.items[id].BundleID = b.ID
	}
	q.bundles[b.ID] = b
	q.log.Debug("bundle created", zap.String("bundle_id", b.ID), zap.Int("items", len(ids)))
	return b.ID, nil
}

// Bundle reports a bundle and the aggregate state of its remaining items:
// completed only when all completed, failed once nothing is left running and
// something failed, otherwise the most advanced active state.
func (q *Queue) Bundle(id string) (BundleStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.bundles[id]
	if !ok {
		return BundleStatus{}, ErrUnknownBundle
	}
	st := BundleStatus{
		Bundle: Bundle{ID: b.ID, ItemIDs: append([]string(nil), b.ItemIDs...), CreatedAt: b.CreatedAt},
		Counts: make(map[State]int),
	}
	for _, itemID := range b.ItemIDs {
		if it, ok := q.items[itemID]; ok {
			st.Counts[it.State]++
		}
	}
	active := st.Counts[StatePending] + st.Counts[StateExecuting] + st.Counts[StateRetrying]
	switch {
	case st.Counts[StateExecuting] > 0:
		st.State = StateExecuting
	case st.Counts[StateRetrying] > 0:
		st.State = StateRetrying
	case active > 0:
		st.State = StatePending
	case st.Counts[StateFailed] > 0:
		st.State = StateFailed
	case st.Counts[StateCompleted] > 0:
		st.State = StateCompleted
	default:
		st.State = StateCancelled
	}
	return st, nil
}

// CleanupCompleted removes completed items last updated more than age ago.
func (q *Queue) CleanupCompleted(age time.Duration) int {
	return q.cleanup(StateCompleted, age)
}

// CleanupFailed removes failed items last updated more than age ago.
func (q *Queue) CleanupFailed(age time.Duration) int {
	return q.cleanup(StateFailed, age)
}

func (q *Queue) cleanup(state State, age time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-age)
	removed := 0
	for id, it := range q.items {
		if it.State != state || it.UpdatedAt.After(cutoff) {
			continue
		}
		delete(q.items, id)
		q.dropFromBundleLocked(it)
		removed++
	}
	if removed > 0 {
		q.refreshDepthLocked()
		q.log.Debug("queue cleanup", zap.String("state", state.String()), zap.Int("removed", removed))
	}
	return removed
}

func (q *Queue) dropFromBundleLocked(it *Item) {
	if it.BundleID == "" {
		return
	}
	b, ok := q.bundles[it.BundleID]
	if !ok {
		return
	}
	kept := b.ItemIDs[:0]
	for _, id := range b.ItemIDs {
		if id != it.ID {
			kept = append(kept, id)
		}
	}
	b.ItemIDs = kept
	if len(kept) == 0 {
		delete(q.bundles, b.ID)
	}
}

// Snapshot returns copies of every item and bundle so a caller can persist
// them. The queue itself keeps nothing on disk.
func (q *Queue) Snapshot() ([]Item, []Bundle) {
	items := q.Items()
	q.mu.Lock()
	defer q.mu.Unlock()
	bundles := make([]Bundle, 0, len(q.bundles))
	for _, b := range q.bundles {
		bundles = append(bundles, Bundle{ID: b.ID, ItemIDs: append([]string(nil), b.ItemIDs...), CreatedAt: b.CreatedAt})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].CreatedAt.Before(bundles[j].CreatedAt) })
	return items, bundles
}

// Restore loads items and bundles from a snapshot. Items that were executing
// when the snapshot was taken come back as retrying and are eligible at once.
func (q *Queue) Restore(items []Item, bundles []Bundle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range items {
		if _, dup := q.items[it.ID]; dup || it.ID == "" {
			return fmt.Errorf("%w: %q", ErrDuplicateItem, it.ID)
		}
	}
	for _, b := range bundles {
		if _, dup := q.bundles[b.ID]; dup {
			return fmt.Errorf("bundle %q already exists", b.ID)
		}
	}
	for i := range items {
		it := items[i].clone()
		if it.State == StateExecuting {
			it.State = StateRetrying
			it.DelayUntil = time.Time{}
		}
		if it.Seq > q.seq {
			q.seq = it.Seq
		}
		ptr := &it
		q.items[it.ID] = ptr
		if ptr.State == StatePending || ptr.State == StateRetrying {
			heap.Push(&q.waiting, ptr)
		}
	}
	for _, b := range bundles {
		q.bundles[b.ID] = &Bundle{ID: b.ID, ItemIDs: append([]string(nil), b.ItemIDs...), CreatedAt: b.CreatedAt}
	}
	q.refreshDepthLocked()
	q.signal()
	return nil
}

func (q *Queue) refreshDepthLocked() {
	if q.metrics == nil {
		return
	}
	counts := make(map[State]int, len(allStates))
	for _, it := range q.items {
		counts[it.State]++
	}
	for _, s := range allStates {
		q.metrics.SetQueueDepth(s.String(), counts[s])
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
