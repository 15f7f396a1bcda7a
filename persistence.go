package txpipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/CaliberVB/txpipeline/queue"
)

// QueueStore persists the execution queue across process restarts.
// The pipeline loads it once on Start and saves it once on Shutdown.
//
// Implementations MUST be safe for concurrent use.
type QueueStore interface {
	// Save replaces whatever snapshot was stored before.
	Save(ctx context.Context, items []queue.Item, bundles []queue.Bundle) error
	// Load returns nil slices and no error when nothing was saved yet.
	Load(ctx context.Context) ([]queue.Item, []queue.Bundle, error)
}

// queueSnapshot is the stored form of a queue.
type queueSnapshot struct {
	Items   []queue.Item   `json:"items"`
	Bundles []queue.Bundle `json:"bundles"`
	SavedAt time.Time      `json:"saved_at"`
}

// storable drops the parts of an item that cannot be encoded. Per-item retry
// policies carry callbacks, so restored items fall back to the queue policy.
func storable(items []queue.Item) []queue.Item {
	out := make([]queue.Item, len(items))
	for i, it := range items {
		it.Options.Policy = nil
		it.Err = nil
		out[i] = it
	}
	return out
}

// MemoryQueueStore keeps the snapshot in process. It survives a
// Shutdown/New cycle inside one process, which is what tests need.
type MemoryQueueStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

func (s *MemoryQueueStore) Save(_ context.Context, items []queue.Item, bundles []queue.Bundle) error {
	data, err := json.Marshal(queueSnapshot{Items: storable(items), Bundles: bundles, SavedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encoding queue snapshot: %w", err)
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryQueueStore) Load(_ context.Context) ([]queue.Item, []queue.Bundle, error) {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	if data == nil {
		return nil, nil, nil
	}
	var snap queueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("decoding queue snapshot: %w", err)
	}
	return snap.Items, snap.Bundles, nil
}

// RedisQueueStore keeps the snapshot under a single redis key.
type RedisQueueStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisQueueStore stores the snapshot at key. An empty key uses "txpipeline:queue".
func NewRedisQueueStore(client redis.UniversalClient, key string) *RedisQueueStore {
	if key == "" {
		key = "txpipeline:queue"
	}
	return &RedisQueueStore{client: client, key: key}
}

func (s *RedisQueueStore) Save(ctx context.Context, items []queue.Item, bundles []queue.Bundle) error {
	data, err := json.Marshal(queueSnapshot{Items: storable(items), Bundles: bundles, SavedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encoding queue snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("saving queue snapshot: %w", err)
	}
	return nil
}

func (s *RedisQueueStore) Load(ctx context.Context) ([]queue.Item, []queue.Bundle, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading queue snapshot: %w", err)
	}
	var snap queueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("decoding queue snapshot: %w", err)
	}
	return snap.Items, snap.Bundles, nil
}

// RecoveryResult summarizes a queue restore.
type RecoveryResult struct {
	// Restored is the number of items loaded, terminal ones included
	Restored int
	// Resumed counts items that will run again
	Resumed int
	// Interrupted counts items that were executing at shutdown
	Interrupted int
	Bundles     int
}

func (p *Pipeline) restoreQueue(ctx context.Context) error {
	items, bundles, err := p.store.Load(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 && len(bundles) == 0 {
		return nil
	}
	res := RecoveryResult{Restored: len(items), Bundles: len(bundles)}
	for _, it := range items {
		switch it.State {
		case queue.StateExecuting:
			res.Interrupted++
			res.Resumed++
		case queue.StatePending, queue.StateRetrying:
			res.Resumed++
		}
	}
	if err := p.queue.Restore(items, bundles); err != nil {
		return fmt.Errorf("restoring queue: %w", err)
	}
	p.log.Info("queue restored",
		zap.Int("restored", res.Restored),
		zap.Int("resumed", res.Resumed),
		zap.Int("interrupted", res.Interrupted),
		zap.Int("bundles", res.Bundles),
	)
	return nil
}

func (p *Pipeline) persistQueue(ctx context.Context) error {
	items, bundles := p.queue.Snapshot()
	if err := p.store.Save(ctx, items, bundles); err != nil {
		return err
	}
	p.log.Info("queue persisted", zap.Int("items", len(items)), zap.Int("bundles", len(bundles)))
	return nil
}
