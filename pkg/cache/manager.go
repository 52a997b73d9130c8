package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultTTL keeps chunks long enough to resume a run on the next day.
const DefaultTTL = 24 * time.Hour

// Config holds the cache configuration.
type Config struct {
	// TTL of stored chunks. Zero uses DefaultTTL.
	TTL time.Duration

	// KeyPrefix is prepended to every Redis key.
	KeyPrefix string
}

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client, cfg Config) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis:  redisClient,
		ttl:    ttl,
		prefix: cfg.KeyPrefix,
	}
}

func (m *Manager) redisKey(key CacheKey) string {
	return m.prefix + key.String()
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := m.redis.Get(ctx, m.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, m.redisKey(key), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, m.redisKey(key)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Lookup returns the cached response for a chunk URL. ok is false on a miss.
func (m *Manager) Lookup(ctx context.Context, rawURL string, format client.Format) (*client.Response, bool, error) {
	key, err := KeyForURL(rawURL, format)
	if err != nil {
		return nil, false, err
	}
	entry, err := m.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Response(), true, nil
}

// Store caches a successful chunk response under its URL.
func (m *Manager) Store(ctx context.Context, rawURL string, resp *client.Response) error {
	key, err := KeyForURL(rawURL, resp.Format)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, EntryFromResponse(resp, m.ttl))
}

// Evict drops the cached response for a chunk URL, e.g. after its body
// failed to parse, so that the next run requests it again.
func (m *Manager) Evict(ctx context.Context, rawURL string, format client.Format) error {
	key, err := KeyForURL(rawURL, format)
	if err != nil {
		return err
	}
	return m.Delete(ctx, key)
}
