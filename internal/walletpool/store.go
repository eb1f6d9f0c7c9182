package walletpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Store holds the keys of idle wallets. Put is idempotent.
type Store interface {
	// Seed fills an empty store with keys, once per store
	Seed(ctx context.Context, keys []string) error
	// Take removes the oldest idle key
	Take(ctx context.Context) (key string, ok bool, err error)
	Put(ctx context.Context, key string) error
	// Idle reports whether key is waiting in the store
	Idle(ctx context.Context, key string) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu     sync.Mutex
	idle   []string
	seeded bool
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Seed(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeded {
		return nil
	}
	m.seeded = true
	m.idle = append(m.idle, keys...)
	return nil
}

func (m *MemoryStore) Take(_ context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.idle) == 0 {
		return "", false, nil
	}
	key := m.idle[0]
	m.idle = m.idle[1:]
	return key, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.idle {
		if k == key {
			return nil
		}
	}
	m.idle = append(m.idle, key)
	return nil
}

func (m *MemoryStore) Idle(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.idle {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idle), nil
}

func (m *MemoryStore) Close() error { return nil }

// RedisStore keeps idle keys in a Redis list so several servers can share one wallet set
type RedisStore struct {
	client *redis.Client
	list   string
}

// NewRedisStore connects to url and checks the connection
func NewRedisStore(ctx context.Context, url, list string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if list == "" {
		list = "zkvqa:wallets"
	}
	return &RedisStore{client: client, list: list}, nil
}

func (r *RedisStore) Seed(ctx context.Context, keys []string) error {
	first, err := r.client.SetNX(ctx, r.list+":seeded", 1, 0).Result()
	if err != nil {
		return fmt.Errorf("redis seed marker: %w", err)
	}
	if !first || len(keys) == 0 {
		return nil
	}

	values := make([]interface{}, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.list)
		pipe.RPush(ctx, r.list, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis seed: %w", err)
	}
	return nil
}

func (r *RedisStore) Take(ctx context.Context) (string, bool, error) {
	key, err := r.client.LPop(ctx, r.list).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis take: %w", err)
	}
	return key, true, nil
}

func (r *RedisStore) Put(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.list, 0, key)
		pipe.RPush(ctx, r.list, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (r *RedisStore) Idle(ctx context.Context, key string) (bool, error) {
	err := r.client.LPos(ctx, r.list, key, redis.LPosArgs{}).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis idle: %w", err)
	}
	return true, nil
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.list).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len: %w", err)
	}
	return int(n), nil
}

// Reset drops the list and the seed marker
func (r *RedisStore) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.list, r.list+":seeded").Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
