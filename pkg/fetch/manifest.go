package fetch

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
)

// Stage names where a task can fail.
const (
	StageFetch = "fetch"
	StageParse = "parse"
)

// PermanentTaskFailure records a task that produced no usable data: a
// permanent HTTP failure, exhausted retries, or an unparseable body.
type PermanentTaskFailure struct {
	Key      TaskKey
	Span     string
	URL      string
	Stage    string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (f *PermanentTaskFailure) Error() string {
	return fmt.Sprintf("task %s (%s) failed at %s after %d attempt(s): %v",
		f.Key, f.Span, f.Stage, f.Attempts, f.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (f *PermanentTaskFailure) Unwrap() error {
	return f.Err
}

// StatusCode returns the HTTP status of the last attempt, if known.
func (f *PermanentTaskFailure) StatusCode() int {
	var fe *client.FetchError
	if errors.As(f.Err, &fe) {
		return fe.StatusCode
	}
	return 0
}

// Manifest is the report of one fetch run.
type Manifest struct {
	RunID     string
	Recipe    string
	Start     string
	End       string
	ChunkSize int

	Planned   int
	Succeeded int
	FromCache int
	NoData    int
	Requests  int

	Failures  []*PermanentTaskFailure
	Conflicts []ValueConflict

	StartedAt  time.Time
	FinishedAt time.Time
}

// ValueConflict is a cell for which several series reported a value. The
// table keeps the first one.
type ValueConflict struct {
	Column  string
	Date    string
	Country string
	Kept    float64
	Dropped float64
}

// Completed returns the number of tasks that reached a final outcome.
func (m *Manifest) Completed() int {
	return m.Succeeded + len(m.Failures)
}

// Complete reports whether every planned task succeeded.
func (m *Manifest) Complete() bool {
	return len(m.Failures) == 0 && m.Succeeded == m.Planned
}

// Failed reports whether the task has a recorded failure.
func (m *Manifest) Failed(key TaskKey) bool {
	for _, f := range m.Failures {
		if f.Key == key {
			return true
		}
	}
	return false
}

// AddFailure records a failure. A task is listed at most once; a later
// failure of the same task replaces the earlier one.
func (m *Manifest) AddFailure(f *PermanentTaskFailure) {
	for i, prev := range m.Failures {
		if prev.Key == f.Key {
			m.Failures[i] = f
			return
		}
	}
	m.Failures = append(m.Failures, f)
}

// FailedColumns returns the columns with at least one failed task, sorted.
func (m *Manifest) FailedColumns() []string {
	seen := map[string]bool{}
	var cols []string
	for _, f := range m.Failures {
		if !seen[f.Key.Column] {
			seen[f.Key.Column] = true
			cols = append(cols, f.Key.Column)
		}
	}
	sort.Strings(cols)
	return cols
}

// RecordParseFailure moves a fetched task to the failures: its body arrived
// but could not be normalized.
func (m *Manifest) RecordParseFailure(f *PermanentTaskFailure) {
	if !m.Failed(f.Key) && m.Succeeded > 0 {
		m.Succeeded--
	}
	f.Stage = StageParse
	m.AddFailure(f)
}
