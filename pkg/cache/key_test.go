package cache

import (
	"net/url"
	"testing"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "series key only",
			key:  CacheKey{SeriesKey: "Q.USA.B1GQ"},
			want: "sdmx:chunk:Q.USA.B1GQ",
		},
		{
			name: "with dataflow and format",
			key: CacheKey{
				Dataflow:  "OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1",
				SeriesKey: "Q.USA.B1GQ",
				Format:    client.FormatCSV,
			},
			want: "sdmx:chunk:OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1:Q.USA.B1GQ:format=csv",
		},
		{
			name: "query params are sorted",
			key: CacheKey{
				SeriesKey: "Q.USA.B1GQ",
				QueryParams: url.Values{
					"startPeriod": []string{"2023-Q1"},
					"endPeriod":   []string{"2023-Q4"},
				},
			},
			want: "sdmx:chunk:Q.USA.B1GQ:endPeriod=2023-Q4:startPeriod=2023-Q1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyForURL(t *testing.T) {
	raw := "https://sdmx.oecd.org/public/rest/data/OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1/Q..USA.S1..B1GQ.....?startPeriod=2023-Q1&endPeriod=2023-Q4&dimensionAtObservation=TIME_PERIOD"

	key, err := KeyForURL(raw, client.FormatCSV)
	if err != nil {
		t.Fatalf("KeyForURL() error = %v", err)
	}
	if key.Dataflow != "OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1" {
		t.Errorf("Dataflow = %q", key.Dataflow)
	}
	if key.SeriesKey != "Q..USA.S1..B1GQ....." {
		t.Errorf("SeriesKey = %q", key.SeriesKey)
	}

	// Parameter order does not change the key.
	reordered := "https://sdmx.oecd.org/public/rest/data/OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1/Q..USA.S1..B1GQ.....?dimensionAtObservation=TIME_PERIOD&endPeriod=2023-Q4&startPeriod=2023-Q1"
	other, err := KeyForURL(reordered, client.FormatCSV)
	if err != nil {
		t.Fatal(err)
	}
	if key.String() != other.String() {
		t.Errorf("keys differ:\n%s\n%s", key, other)
	}

	xml, _ := KeyForURL(raw, client.FormatXML)
	if xml.String() == key.String() {
		t.Error("format must be part of the key")
	}
}

func TestKeyForURL_Invalid(t *testing.T) {
	if _, err := KeyForURL("://bad", client.FormatCSV); err == nil {
		t.Error("expected error for invalid URL")
	}
}
