package cache

import (
	"testing"
	"time"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
)

func TestCacheEntry_IsExpired(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{name: "not expired", expires: time.Now().Add(5 * time.Minute), want: false},
		{name: "expired", expires: time.Now().Add(-5 * time.Minute), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{Expires: tt.expires}
			if got := entry.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheEntry_TTL(t *testing.T) {
	entry := &CacheEntry{Expires: time.Now().Add(-time.Minute)}
	if ttl := entry.TTL(); ttl != 0 {
		t.Errorf("TTL() of expired entry = %v, want 0", ttl)
	}

	entry = &CacheEntry{Expires: time.Now().Add(time.Hour)}
	if ttl := entry.TTL(); ttl <= 59*time.Minute || ttl > time.Hour {
		t.Errorf("TTL() = %v, want about 1h", ttl)
	}
}

func TestEntryFromResponse_RoundTrip(t *testing.T) {
	resp := &client.Response{
		StatusCode: 200,
		Body:       []byte("REF_AREA,TIME_PERIOD,OBS_VALUE\nUSA,2023-Q1,1\n"),
		Format:     client.FormatCSV,
		Attempts:   3,
	}

	entry := EntryFromResponse(resp, time.Hour)
	if entry.IsExpired() {
		t.Fatal("fresh entry is expired")
	}

	got := entry.Response()
	if got.StatusCode != 200 || string(got.Body) != string(resp.Body) || got.Format != client.FormatCSV {
		t.Errorf("Response() = %+v", got)
	}
	if got.Attempts != 0 {
		t.Errorf("cached response Attempts = %d, want 0", got.Attempts)
	}
}

func TestEntryFromResponse_NoData(t *testing.T) {
	entry := EntryFromResponse(&client.Response{StatusCode: 404, NoData: true, Format: client.FormatXML}, time.Hour)
	if got := entry.Response(); !got.NoData || got.Format != client.FormatXML {
		t.Errorf("Response() = %+v, want NoData xml", got)
	}
}
