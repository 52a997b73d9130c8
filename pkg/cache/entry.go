package cache

import (
	"time"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
)

// CacheEntry represents a cached chunk response.
type CacheEntry struct {
	// Data is the raw response body
	Data []byte `json:"data"`

	// Format the body is encoded in
	Format client.Format `json:"format"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// NoData marks an SDMX "no results" reply
	NoData bool `json:"no_data"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// EntryFromResponse converts a successful client response to a CacheEntry
// that expires after ttl.
func EntryFromResponse(resp *client.Response, ttl time.Duration) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Data:       resp.Body,
		Format:     resp.Format,
		StatusCode: resp.StatusCode,
		NoData:     resp.NoData,
		CachedAt:   now,
		Expires:    now.Add(ttl),
	}
}

// Response converts the entry back into a client response. Attempts is zero:
// no request was issued.
func (e *CacheEntry) Response() *client.Response {
	return &client.Response{
		StatusCode: e.StatusCode,
		Body:       e.Data,
		Format:     e.Format,
		NoData:     e.NoData,
	}
}
