package cache

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
)

// CacheKey represents a unique identifier for a cached chunk.
type CacheKey struct {
	// Dataflow is the dataflow path segment (e.g. "OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1")
	Dataflow string

	// SeriesKey is the filter fragment (e.g. "Q..USA.S1..B1GQ.....")
	SeriesKey string

	// QueryParams are the query parameters (startPeriod, endPeriod, ...)
	QueryParams url.Values

	// Format is the requested response format
	Format client.Format
}

// KeyForURL builds the cache key of a chunk request URL.
func KeyForURL(rawURL string, format client.Format) (CacheKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CacheKey{}, fmt.Errorf("parse chunk url: %w", err)
	}
	p := strings.TrimSuffix(u.Path, "/")
	return CacheKey{
		Dataflow:    path.Base(path.Dir(p)),
		SeriesKey:   path.Base(p),
		QueryParams: u.Query(),
		Format:      format,
	}, nil
}

// String generates a deterministic cache key string.
// Format: sdmx:chunk:dataflow:serieskey:query1=val1:format=csv
//
// Example:
//
//	sdmx:chunk:OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1:Q..USA.S1..B1GQ.....:endPeriod=2023-Q4:startPeriod=2023-Q1:format=csv
func (k CacheKey) String() string {
	parts := []string{"sdmx", "chunk"}

	if k.Dataflow != "" {
		parts = append(parts, k.Dataflow)
	}
	parts = append(parts, k.SeriesKey)

	// Add query params (sorted for determinism)
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.QueryParams.Get(key)))
		}
	}

	if k.Format != "" {
		parts = append(parts, fmt.Sprintf("format=%s", k.Format))
	}

	return strings.Join(parts, ":")
}
