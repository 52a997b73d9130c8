// Package fetch implements the chunked fetch engine: it turns a recipe and a
// period range into a plan of per-column, per-chunk requests, issues them one
// at a time through the governed client, and collects the raw responses with
// a manifest of what succeeded and what failed.
package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
)

// TaskKey identifies one chunk of one column.
type TaskKey struct {
	Column string
	Chunk  int
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s#%d", k.Column, k.Chunk)
}

// Task is one planned request.
type Task struct {
	Column string
	Chunk  int
	Span   period.Span
	URL    string
}

// Key returns the task's key.
func (t Task) Key() TaskKey {
	return TaskKey{Column: t.Column, Chunk: t.Chunk}
}

// Plan is the ordered task list of a fetch: columns in recipe order, chunks
// in time order within a column.
type Plan struct {
	Recipe    string
	Start     period.Period
	End       period.Period
	ChunkSize int
	Periods   int
	Tasks     []Task
}

// ChunksPerColumn returns ceil(Periods/ChunkSize).
func (p *Plan) ChunksPerColumn() int {
	return period.ChunkCount(p.Periods, p.ChunkSize)
}

// PlanConfig holds what BuildPlan needs besides the recipe and the range.
type PlanConfig struct {
	// BaseURL is the dataflow URL the fragments are appended to. It must end in "/".
	BaseURL string

	Format client.Format
}

// BuildPlan partitions [start, end] into chunks of at most chunkSize periods
// for every column of r.
func BuildPlan(r *recipe.Recipe, start, end period.Period, chunkSize int, cfg PlanConfig) (*Plan, error) {
	if r == nil || len(r.Columns) == 0 {
		return nil, &recipe.ConfigError{Reason: "recipe has no columns"}
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	periods, err := period.Range(start, end)
	if err != nil {
		return nil, err
	}
	spans, err := period.Chunk(periods, chunkSize)
	if err != nil {
		return nil, err
	}

	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	plan := &Plan{
		Recipe:    r.Name,
		Start:     start,
		End:       end,
		ChunkSize: chunkSize,
		Periods:   len(periods),
		Tasks:     make([]Task, 0, len(r.Columns)*len(spans)),
	}
	for _, col := range r.Columns {
		for i, span := range spans {
			plan.Tasks = append(plan.Tasks, Task{
				Column: col.Name,
				Chunk:  i,
				Span:   span,
				URL:    ChunkURL(base, col.Fragment, span, cfg.Format),
			})
		}
	}
	return plan, nil
}

// ChunkURL builds {base}{fragment}?startPeriod=..&endPeriod=..&dimensionAtObservation=TIME_PERIOD&format=..
func ChunkURL(base, fragment string, span period.Span, format client.Format) string {
	params := [][2]string{
		{"startPeriod", span.Start.String()},
		{"endPeriod", span.End.String()},
		{"dimensionAtObservation", "TIME_PERIOD"},
	}
	if v := format.QueryValue(); v != "" {
		params = append(params, [2]string{"format", v})
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(fragment)
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}
