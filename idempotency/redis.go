package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "txpipeline:idem:"

// RedisStore shares records between processes through Redis. Create relies on
// SET NX, so it is atomic across every process using the same prefix.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore uses client with keys under prefix. A zero ttl keeps records
// until deleted.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", key, err)
	}
	return &r, nil
}

func (s *RedisStore) Create(ctx context.Context, key string) (*Record, error) {
	now := s.now()
	r := &Record{Key: key, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, s.key(key), raw, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		existing, gerr := s.Get(ctx, key)
		if errors.Is(gerr, ErrKeyNotFound) {
			return s.Create(ctx, key)
		}
		if gerr != nil {
			return nil, gerr
		}
		return existing, ErrDuplicateKey
	}
	return r, nil
}

// Update overwrites an existing record, keeping its TTL.
func (s *RedisStore) Update(ctx context.Context, record *Record) error {
	record.UpdatedAt = s.now()
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	err = s.client.SetArgs(ctx, s.key(record.Key), raw, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("redis set %s: %w", record.Key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
