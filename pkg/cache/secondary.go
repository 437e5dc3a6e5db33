package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SecondaryStore is the durable tier behind the fast LRU tier. Entries here
// outlive fast-tier eviction and are promoted back on read. Get reports the
// entry's remaining TTL so promotion carries the expiry over; zero means the
// entry does not expire.
type SecondaryStore interface {
	Get(ctx context.Context, key string) (any, time.Duration, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// RedisStore backs the secondary tier with Redis. Values are stored as JSON
// so anything the gateway memoizes must be JSON-serializable; decoded values
// come back with JSON's generic shapes (map[string]any, []any, float64).
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. The prefix namespaces every
// key so Clear only touches this gateway's entries.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gateway:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (any, time.Duration, bool, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.prefix+key)
	ttlCmd := pipe.TTL(ctx, s.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, 0, false, err
	}
	raw, err := getCmd.Bytes()
	if err == redis.Nil {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, 0, false, fmt.Errorf("decode cached value for %q: %w", key, err)
	}
	// TTL reports negative sentinels for keys without an expiry.
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return val, ttl, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is an in-process SecondaryStore used by tests and by
// deployments that run without Redis.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (any, time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	if !ok {
		return nil, 0, false, nil
	}
	var ttl time.Duration
	if !ent.expiresAt.IsZero() {
		ttl = time.Until(ent.expiresAt)
		if ttl <= 0 {
			delete(s.entries, key)
			return nil, 0, false, nil
		}
	}
	return ent.value, ttl, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.entries = make(map[string]memoryEntry)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
