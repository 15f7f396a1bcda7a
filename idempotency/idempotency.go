// Package idempotency records which caller request keys have already entered
// the pipeline, so a retried request is answered from the record instead of
// being submitted twice.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gocache "github.com/patrickmn/go-cache"
)

var (
	// ErrDuplicateKey is returned by Create together with the existing record.
	ErrDuplicateKey = errors.New("duplicate idempotency key: request already submitted")
	ErrKeyNotFound  = errors.New("idempotency key not found")
)

// Status is how far the keyed request got.
type Status int

const (
	StatusPending   Status = iota // accepted, not yet broadcast
	StatusSubmitted               // broadcast, waiting for confirmation
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the request is finished.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Record is the stored state of one key. It is a plain value so it can be
// shared across processes.
type Record struct {
	Key         string        `json:"key"`
	Status      Status        `json:"status"`
	TxHash      common.Hash   `json:"tx_hash"`
	// RawTx is the signed encoding of TxHash, kept so a resumed request can
	// replace the broadcast on the same nonce.
	RawTx       hexutil.Bytes `json:"raw_tx,omitempty"`
	// Broadcasts lists every hash sent for this key, oldest first.
	Broadcasts  []common.Hash `json:"broadcasts,omitempty"`
	ItemID      string        `json:"item_id,omitempty"`
	BlockNumber uint64        `json:"block_number,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (r Record) clone() Record {
	r.RawTx = append(hexutil.Bytes(nil), r.RawTx...)
	r.Broadcasts = append([]common.Hash(nil), r.Broadcasts...)
	return r
}

// Store persists records. Implementations must make Create atomic: of two
// concurrent Creates for one key exactly one succeeds.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	// Create inserts a pending record. If the key exists it returns the existing
	// record and ErrDuplicateKey.
	Create(ctx context.Context, key string) (*Record, error)
	Update(ctx context.Context, record *Record) error
	Delete(ctx context.Context, key string) error
}

// InMemoryStore keeps records in process memory with a TTL.
type InMemoryStore struct {
	records *gocache.Cache
	now     func() time.Time
}

// NewInMemoryStore returns a store whose records expire after ttl. A zero
// ttl keeps records until deleted.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	exp := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = ttl
	}
	return &InMemoryStore{
		records: gocache.New(exp, cleanup),
		now:     time.Now,
	}
}

func (s *InMemoryStore) Get(_ context.Context, key string) (*Record, error) {
	v, ok := s.records.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	r := v.(Record).clone()
	return &r, nil
}

func (s *InMemoryStore) Create(ctx context.Context, key string) (*Record, error) {
	now := s.now()
	r := Record{Key: key, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := s.records.Add(key, r, gocache.DefaultExpiration); err != nil {
		existing, gerr := s.Get(ctx, key)
		if gerr != nil {
			// expired between Add and Get
			return s.Create(ctx, key)
		}
		return existing, ErrDuplicateKey
	}
	return &r, nil
}

// Update replaces the record and keeps its original expiry.
func (s *InMemoryStore) Update(_ context.Context, record *Record) error {
	_, exp, ok := s.records.GetWithExpiration(record.Key)
	if !ok {
		return ErrKeyNotFound
	}
	record.UpdatedAt = s.now()
	d := gocache.NoExpiration
	if !exp.IsZero() {
		d = time.Until(exp)
		if d <= 0 {
			return ErrKeyNotFound
		}
	}
	s.records.Set(record.Key, record.clone(), d)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.records.Delete(key)
	return nil
}

// Size counts stored records, including expired ones not yet evicted.
func (s *InMemoryStore) Size() int {
	return s.records.ItemCount()
}

// Close is a no-op so both stores can be released the same way.
func (s *InMemoryStore) Close() error {
	return nil
}
