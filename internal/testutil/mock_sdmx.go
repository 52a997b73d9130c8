// Package testutil provides testing utilities for the SDMX data builder.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
)

// MockSDMXResponse defines the behavior for a mock SDMX endpoint response.
type MockSDMXResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one request seen by the mock.
type RecordedRequest struct {
	Path   string
	Key    string
	Query  url.Values
	Accept string
}

// Series is the observation set served for one key: country -> period -> value.
type Series map[string]map[string]string

// MockSDMX is a configurable mock SDMX REST server for testing. Keys without
// a scripted response are answered from the registered Series, filtered by
// startPeriod/endPeriod, in SDMX-CSV or SDMX-ML depending on Accept.
type MockSDMX struct {
	server *httptest.Server
	mu     sync.Mutex

	series    map[string]Series
	scripted  map[string][]MockSDMXResponse
	handlers  map[string]http.HandlerFunc
	requests  []RecordedRequest
	dataflows string
}

// Dataflow is the path prefix served by the mock.
const Dataflow = "/public/rest/data/OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1/"

// NewMockSDMX creates a new mock SDMX server.
func NewMockSDMX() *MockSDMX {
	mock := &MockSDMX{
		series:    make(map[string]Series),
		scripted:  make(map[string][]MockSDMXResponse),
		handlers:  make(map[string]http.HandlerFunc),
		dataflows: Dataflow,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL.
func (m *MockSDMX) URL() string {
	return m.server.URL
}

// BaseURL returns the dataflow base URL, ending in "/".
func (m *MockSDMX) BaseURL() string {
	return m.server.URL + m.dataflows
}

// Close shuts down the mock server.
func (m *MockSDMX) Close() {
	m.server.Close()
}

// SetSeries registers the data served for a key fragment.
func (m *MockSDMX) SetSeries(key string, s Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[key] = s
}

// SetResponses scripts the replies for a key fragment. Replies are consumed
// in order; the last one repeats.
func (m *MockSDMX) SetResponses(key string, resps ...MockSDMXResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[key] = resps
}

// SetHandler sets a custom handler for a key fragment.
func (m *MockSDMX) SetHandler(key string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[key] = handler
}

// Requests returns every request received so far.
func (m *MockSDMX) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSDMX) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// CountFor returns the number of requests made for a key fragment.
func (m *MockSDMX) CountFor(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Key == key {
			n++
		}
	}
	return n
}

// Reset clears recorded requests.
func (m *MockSDMX) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockSDMX) serve(w http.ResponseWriter, r *http.Request) {
	key := path.Base(r.URL.Path)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Path:   r.URL.Path,
		Key:    key,
		Query:  r.URL.Query(),
		Accept: r.Header.Get("Accept"),
	})
	handler := m.handlers[key]
	var scripted *MockSDMXResponse
	if resps := m.scripted[key]; len(resps) > 0 {
		resp := resps[0]
		scripted = &resp
		if len(resps) > 1 {
			m.scripted[key] = resps[1:]
		}
	}
	series, known := m.series[key]
	m.mu.Unlock()

	switch {
	case handler != nil:
		handler(w, r)
	case scripted != nil:
		writeResponse(w, *scripted)
	case known:
		m.serveSeries(w, r, series)
	default:
		writeResponse(w, NewNoDataResponse())
	}
}

func (m *MockSDMX) serveSeries(w http.ResponseWriter, r *http.Request, s Series) {
	q := r.URL.Query()
	filtered := filterSeries(s, q.Get("startPeriod"), q.Get("endPeriod"))
	if len(filtered) == 0 {
		writeResponse(w, NewNoDataResponse())
		return
	}
	key := path.Base(r.URL.Path)
	if strings.Contains(r.Header.Get("Accept"), "xml") {
		writeResponse(w, MockSDMXResponse{
			StatusCode: http.StatusOK,
			Body:       GenericXML(key, filtered),
			Headers:    map[string]string{"Content-Type": "application/vnd.sdmx.genericdata+xml"},
		})
		return
	}
	writeResponse(w, NewCSVResponse(SDMXCSV(key, filtered)))
}

func filterSeries(s Series, start, end string) Series {
	var lo, hi *period.Period
	if p, err := period.Parse(start); err == nil {
		lo = &p
	}
	if p, err := period.Parse(end); err == nil {
		hi = &p
	}
	out := Series{}
	for country, obs := range s {
		for ts, v := range obs {
			p, err := period.Parse(ts)
			if err != nil {
				continue
			}
			if lo != nil && p.Before(*lo) || hi != nil && hi.Before(p) {
				continue
			}
			if out[country] == nil {
				out[country] = map[string]string{}
			}
			out[country][ts] = v
		}
	}
	return out
}

func writeResponse(w http.ResponseWriter, resp MockSDMXResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// SDMXCSV renders a series as SDMX-CSV with sorted rows.
func SDMXCSV(key string, s Series) string {
	var b strings.Builder
	b.WriteString("DATAFLOW,KEY,REF_AREA,TIME_PERIOD,OBS_VALUE\n")
	for _, row := range sortedObs(s) {
		fmt.Fprintf(&b, "OECD.SDD.NAD:DSD_NAMAIN1@DF_QNA(1.1),%s,%s,%s,%s\n", key, row[0], row[1], row[2])
	}
	return b.String()
}

// GenericXML renders a series as SDMX-ML 2.1 generic data.
func GenericXML(key string, s Series) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<message:GenericData xmlns:message="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/message" xmlns:generic="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/data/generic">` + "\n")
	b.WriteString("<message:DataSet>\n")

	countries := make([]string, 0, len(s))
	for c := range s {
		countries = append(countries, c)
	}
	sort.Strings(countries)
	for _, c := range countries {
		b.WriteString("<generic:Series><generic:SeriesKey>")
		fmt.Fprintf(&b, `<generic:Value id="REF_AREA" value="%s"/>`, c)
		b.WriteString("</generic:SeriesKey>\n")
		for _, row := range sortedObs(Series{c: s[c]}) {
			fmt.Fprintf(&b, `<generic:Obs><generic:ObsDimension value="%s"/><generic:ObsValue value="%s"/></generic:Obs>`+"\n", row[1], row[2])
		}
		b.WriteString("</generic:Series>\n")
	}
	b.WriteString("</message:DataSet>\n</message:GenericData>\n")
	return b.String()
}

func sortedObs(s Series) [][3]string {
	var rows [][3]string
	for country, obs := range s {
		for ts, v := range obs {
			rows = append(rows, [3]string{country, ts, v})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i][0] != rows[j][0] {
			return rows[i][0] < rows[j][0]
		}
		return rows[i][1] < rows[j][1]
	})
	return rows
}

// NewCSVResponse creates a 200 OK SDMX-CSV response.
func NewCSVResponse(body string) MockSDMXResponse {
	return MockSDMXResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/vnd.sdmx.data+csv; charset=utf-8"},
	}
}

// NewNoDataResponse creates the SDMX 404 "no results" response.
func NewNoDataResponse() MockSDMXResponse {
	return MockSDMXResponse{
		StatusCode: http.StatusNotFound,
		Body:       "NoResultsFound",
		Headers:    map[string]string{"Content-Type": "text/plain"},
	}
}

// NewNotFoundResponse creates a 404 for an unknown dataflow.
func NewNotFoundResponse() MockSDMXResponse {
	return MockSDMXResponse{
		StatusCode: http.StatusNotFound,
		Body:       "Dataflow not found",
	}
}

// NewBadRequestResponse creates a 400 for a malformed key.
func NewBadRequestResponse() MockSDMXResponse {
	return MockSDMXResponse{
		StatusCode: http.StatusBadRequest,
		Body:       "Semantic error: invalid key",
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockSDMXResponse {
	return MockSDMXResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       "Too many requests",
		Headers:    map[string]string{"Retry-After": "60"},
	}
}

// NewServerErrorResponse creates a 503 Service Unavailable response.
func NewServerErrorResponse() MockSDMXResponse {
	return MockSDMXResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       "Service unavailable",
	}
}
