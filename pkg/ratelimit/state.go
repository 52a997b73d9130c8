// Package ratelimit implements the request governor for the SDMX API.
// It enforces the documented quotas (20 queries per rolling minute, 20
// downloads per rolling hour) plus a minimum spacing between requests, and
// admits exactly one request at a time.
package ratelimit

import (
	"time"
)

// Documented API ceilings. Configured limits are clamped to these values.
const (
	MaxQueriesPerMinute = 20
	MaxDownloadsPerHour = 20

	MinuteWindow = time.Minute
	HourWindow   = time.Hour
)

// Redis key for persisted governor state.
const RedisKeyState = "sdmx:rate_limit:state"

// Kind classifies a request for quota accounting.
type Kind string

const (
	// KindQuery is a lightweight request (probes, validations). It counts
	// against the per-minute window only.
	KindQuery Kind = "query"

	// KindDownload is a data request. It counts against both the per-minute
	// and the per-hour window.
	KindDownload Kind = "download"
)

// Limits are the effective quota settings of a governor.
type Limits struct {
	QueriesPerMinute int           `json:"queries_per_minute"`
	DownloadsPerHour int           `json:"downloads_per_hour"`
	RequestInterval  time.Duration `json:"request_interval"`
}

// State is the sliding-window bookkeeping of admitted requests. Timestamps
// are kept in ascending order. The state is persisted between runs so the
// hourly window survives restarts.
type State struct {
	// Starts holds the start time of every request in the last minute.
	Starts []time.Time `json:"starts"`

	// DownloadStarts holds the start time of every download in the last hour.
	DownloadStarts []time.Time `json:"download_starts"`

	// LastRequest is the start of the most recently admitted request.
	LastRequest time.Time `json:"last_request"`
}

// Prune drops timestamps that have left their window as of now.
func (s *State) Prune(now time.Time) {
	s.Starts = pruneBefore(s.Starts, now.Add(-MinuteWindow))
	s.DownloadStarts = pruneBefore(s.DownloadStarts, now.Add(-HourWindow))
}

// QueriesInWindow returns how many requests started in the minute before now.
func (s *State) QueriesInWindow(now time.Time) int {
	return countAfter(s.Starts, now.Add(-MinuteWindow))
}

// DownloadsInWindow returns how many downloads started in the hour before now.
func (s *State) DownloadsInWindow(now time.Time) int {
	return countAfter(s.DownloadStarts, now.Add(-HourWindow))
}

// NextAdmission returns the earliest time at or after now at which a request
// of the given kind fits into every applicable window. It is the "next
// allowed time" watermark; spacing is enforced separately.
func (s *State) NextAdmission(now time.Time, kind Kind, limits Limits) time.Time {
	next := now
	next = laterOf(next, windowWatermark(s.Starts, now, MinuteWindow, limits.QueriesPerMinute))
	if kind == KindDownload {
		next = laterOf(next, windowWatermark(s.DownloadStarts, now, HourWindow, limits.DownloadsPerHour))
	}
	return next
}

// Record registers a request admitted at t.
func (s *State) Record(t time.Time, kind Kind) {
	s.Starts = append(s.Starts, t)
	if kind == KindDownload {
		s.DownloadStarts = append(s.DownloadStarts, t)
	}
	s.LastRequest = t
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return &State{
		Starts:         append([]time.Time(nil), s.Starts...),
		DownloadStarts: append([]time.Time(nil), s.DownloadStarts...),
		LastRequest:    s.LastRequest,
	}
}

// windowWatermark returns when the window will have room for one more
// request. A start at t occupies the window until t+window.
func windowWatermark(starts []time.Time, now time.Time, window time.Duration, limit int) time.Time {
	live := starts[len(starts)-countAfter(starts, now.Add(-window)):]
	if len(live) < limit {
		return now
	}
	return live[len(live)-limit].Add(window)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func countAfter(ts []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0 && ts[i].After(cutoff); i-- {
		n++
	}
	return n
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
