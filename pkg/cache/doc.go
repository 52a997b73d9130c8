// Package cache provides a Redis-backed cache of raw SDMX chunk responses.
//
// A fetch run that is interrupted (process killed, quota exhausted, a few
// chunks failing permanently) can simply be rerun: every chunk that already
// succeeded is served from the cache and costs no request quota. Only
// successful replies are cached, "no data" replies included.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, cache.Config{TTL: 24 * time.Hour})
//
//	key, err := cache.KeyForURL(chunkURL, client.FormatCSV)
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch through the governed client
//	}
//
// The Manager also satisfies the fetch engine's chunk cache interface via
// Lookup and Store, which work on request URLs and client responses.
//
// # Metrics
//
//   - sdmx_cache_hits_total - Cache hits
//   - sdmx_cache_misses_total - Cache misses
//   - sdmx_cache_size_bytes - Bytes written to the cache
//   - sdmx_cache_errors_total{operation} - Cache operation errors
package cache
