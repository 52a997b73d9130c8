package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client on DB 15, skipping when Redis
// is not reachable.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

const chunkURL = "http://localhost/public/rest/data/DF,1.0/Q.USA.B1GQ?startPeriod=2023-Q1&endPeriod=2023-Q2"

func TestNewManager(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rc.Close()

	manager := NewManager(rc, Config{})
	if manager.redis != rc {
		t.Error("Manager redis client not set correctly")
	}
	if manager.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", manager.ttl, DefaultTTL)
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, Config{})
}

func TestManager_SetAndGet(t *testing.T) {
	rc := setupTestRedis(t)
	manager := NewManager(rc, Config{})
	ctx := context.Background()

	key := CacheKey{SeriesKey: "Q.USA.B1GQ", Format: client.FormatCSV}
	entry := &CacheEntry{
		Data:       []byte("REF_AREA,TIME_PERIOD,OBS_VALUE\n"),
		Format:     client.FormatCSV,
		StatusCode: 200,
		CachedAt:   time.Now(),
		Expires:    time.Now().Add(5 * time.Minute),
	}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != string(entry.Data) || got.StatusCode != 200 {
		t.Errorf("Get() = %+v", got)
	}
}

func TestManager_GetMiss(t *testing.T) {
	rc := setupTestRedis(t)
	manager := NewManager(rc, Config{})

	_, err := manager.Get(context.Background(), CacheKey{SeriesKey: "missing"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_SetExpiredIsNoop(t *testing.T) {
	rc := setupTestRedis(t)
	manager := NewManager(rc, Config{})
	ctx := context.Background()
	key := CacheKey{SeriesKey: "stale"}

	if err := manager.Set(ctx, key, &CacheEntry{Expires: time.Now().Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expired entry was stored: %v", err)
	}
}

func TestManager_SetNil(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rc.Close()
	if err := NewManager(rc, Config{}).Set(context.Background(), CacheKey{}, nil); err == nil {
		t.Error("Set(nil) should fail")
	}
}

func TestManager_InvalidEntry(t *testing.T) {
	rc := setupTestRedis(t)
	manager := NewManager(rc, Config{KeyPrefix: "test:"})
	ctx := context.Background()
	key := CacheKey{SeriesKey: "broken"}

	rc.Set(ctx, "test:"+key.String(), "not json", time.Minute)
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
}

func TestManager_LookupStore(t *testing.T) {
	rc := setupTestRedis(t)
	manager := NewManager(rc, Config{TTL: time.Minute})
	ctx := context.Background()

	_, ok, err := manager.Lookup(ctx, chunkURL, client.FormatCSV)
	if err != nil || ok {
		t.Fatalf("Lookup() on empty cache = %v, %v", ok, err)
	}

	resp := &client.Response{StatusCode: 200, Body: []byte("x"), Format: client.FormatCSV, Attempts: 2}
	if err := manager.Store(ctx, chunkURL, resp); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, ok, err := manager.Lookup(ctx, chunkURL, client.FormatCSV)
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if string(got.Body) != "x" {
		t.Errorf("Body = %q", got.Body)
	}

	// Same URL in another format is a different chunk.
	if _, ok, _ := manager.Lookup(ctx, chunkURL, client.FormatXML); ok {
		t.Error("xml lookup hit a csv entry")
	}
}

func TestManager_Delete(t *testing.T) {
	rc := setupTestRedis(t)
	manager := NewManager(rc, Config{})
	ctx := context.Background()
	key := CacheKey{SeriesKey: "Q.USA.B1GQ"}

	if err := manager.Set(ctx, key, &CacheEntry{Expires: time.Now().Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Delete = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Evict(t *testing.T) {
	rc := setupTestRedis(t)
	manager := NewManager(rc, Config{})
	ctx := context.Background()

	resp := &client.Response{StatusCode: 200, Body: []byte("garbage"), Format: client.FormatCSV}
	if err := manager.Store(ctx, chunkURL, resp); err != nil {
		t.Fatal(err)
	}
	if err := manager.Evict(ctx, chunkURL, client.FormatCSV); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if _, ok, _ := manager.Lookup(ctx, chunkURL, client.FormatCSV); ok {
		t.Error("Lookup() after Evict hit")
	}
}
