package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StateStore persists governor state between runs.
type StateStore interface {
	// Load returns the stored state, or nil if nothing is stored.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// MemoryStateStore keeps state for the lifetime of the process.
type MemoryStateStore struct {
	state *State
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Load implements StateStore.
func (m *MemoryStateStore) Load(_ context.Context) (*State, error) {
	if m.state == nil {
		return nil, nil
	}
	return m.state.Clone(), nil
}

// Save implements StateStore.
func (m *MemoryStateStore) Save(_ context.Context, state *State) error {
	m.state = state.Clone()
	return nil
}

// RedisStateStore keeps governor state in Redis so that the hourly download
// window is honoured across process restarts.
type RedisStateStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStateStore creates a Redis-backed store. An empty key uses RedisKeyState.
func NewRedisStateStore(redisClient *redis.Client, key string) *RedisStateStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = RedisKeyState
	}
	return &RedisStateStore{redis: redisClient, key: key}
}

// Load implements StateStore.
func (r *RedisStateStore) Load(ctx context.Context) (*State, error) {
	data, err := r.redis.Get(ctx, r.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get governor state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode governor state: %w", err)
	}
	return &state, nil
}

// Save implements StateStore. Entries expire after the longest window.
func (r *RedisStateStore) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode governor state: %w", err)
	}
	if err := r.redis.Set(ctx, r.key, data, HourWindow).Err(); err != nil {
		return fmt.Errorf("redis set governor state: %w", err)
	}
	return nil
}
