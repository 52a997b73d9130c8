// Package builder runs the whole pipeline for one recipe: fetch every chunk,
// normalize each response and aggregate the records into the result table.
package builder

import (
	"context"
	"fmt"

	"github.com/Sternrassler/sdmx-databuilder/pkg/aggregate"
	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/Sternrassler/sdmx-databuilder/pkg/fetch"
	"github.com/Sternrassler/sdmx-databuilder/pkg/normalize"
	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher runs a fetch plan. *fetch.Engine implements it.
type Fetcher interface {
	FetchData(ctx context.Context, r *recipe.Recipe, start, end period.Period, chunkSize int) (*fetch.Result, error)
}

// Evicter drops a cached chunk. *cache.Manager implements it.
type Evicter interface {
	Evict(ctx context.Context, url string, format client.Format) error
}

// Config holds the builder configuration.
type Config struct {
	// Fetcher (REQUIRED).
	Fetcher Fetcher

	// Evicter, when set, removes cached chunks whose body failed to parse.
	Evicter Evicter
}

// Builder assembles result tables.
type Builder struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a builder.
func New(cfg Config) (*Builder, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	return &Builder{
		cfg:    cfg,
		logger: log.With().Str("component", "builder").Logger(),
	}, nil
}

// Build fetches r over [start, end] and returns the aggregated table and the
// run manifest. Failed tasks, including responses that could not be parsed,
// are listed in the manifest and show up as gaps in the table.
//
// Configuration and pre-flight quota errors return no table. When ctx is
// cancelled mid-run, the table built from the chunks fetched so far is
// returned together with the context error.
func (b *Builder) Build(ctx context.Context, r *recipe.Recipe, start, end period.Period, chunkSize int) (*aggregate.Table, *fetch.Manifest, error) {
	result, fetchErr := b.cfg.Fetcher.FetchData(ctx, r, start, end, chunkSize)
	if result == nil {
		return nil, nil, fetchErr
	}
	manifest := result.Manifest
	logger := b.logger.With().Str("run_id", manifest.RunID).Str("recipe", manifest.Recipe).Logger()

	records := b.normalize(ctx, logger, result, normalize.Options{Freq: start.Freq})

	table, err := aggregate.Build(r.ColumnNames(), records)
	if err != nil {
		return nil, manifest, fmt.Errorf("aggregate: %w", err)
	}
	recordConflicts(logger, manifest, table.Conflicts)

	event := logger.Info()
	if !manifest.Complete() {
		event = logger.Warn().Strs("failed_columns", manifest.FailedColumns())
	}
	event.
		Int("rows", len(table.Rows)).
		Int("columns", len(table.Columns)).
		Int("failed", len(manifest.Failures)).
		Int("conflicts", len(manifest.Conflicts)).
		Msg("Result table built")

	return table, manifest, fetchErr
}

// recordConflicts copies the cells that received several present values into
// the manifest and logs each one.
func recordConflicts(logger zerolog.Logger, m *fetch.Manifest, conflicts []aggregate.Conflict) {
	m.Conflicts = nil
	for _, c := range conflicts {
		vc := fetch.ValueConflict{
			Column:  c.Column,
			Date:    c.Date.String(),
			Country: c.Country,
			Kept:    c.Kept.Number,
			Dropped: c.Dropped.Number,
		}
		m.Conflicts = append(m.Conflicts, vc)
		logger.Warn().
			Str("column", vc.Column).
			Str("date", vc.Date).
			Str("country", vc.Country).
			Float64("kept", vc.Kept).
			Float64("dropped", vc.Dropped).
			Msg("Several series reported one cell, keeping the first value")
	}
}

// normalize parses every response in plan order. Parse failures are moved
// into the manifest; their records are dropped.
func (b *Builder) normalize(ctx context.Context, logger zerolog.Logger, result *fetch.Result, opts normalize.Options) []normalize.Record {
	var records []normalize.Record
	for _, raw := range result.Ordered() {
		if raw.NoData {
			continue
		}
		recs, err := normalize.Parse(raw.Task.Column, raw.Body, raw.Format, opts)
		if err != nil {
			b.recordParseFailure(ctx, logger, result.Manifest, raw, err)
			continue
		}
		records = append(records, recs...)
	}
	return records
}

func (b *Builder) recordParseFailure(ctx context.Context, logger zerolog.Logger, m *fetch.Manifest, raw *fetch.RawResponse, err error) {
	task := raw.Task
	m.RecordParseFailure(&fetch.PermanentTaskFailure{
		Key:      task.Key(),
		Span:     task.Span.String(),
		URL:      task.URL,
		Attempts: raw.Attempts,
		Err:      err,
	})

	logger.Error().
		Err(err).
		Str("column", task.Column).
		Int("chunk", task.Chunk).
		Bool("from_cache", raw.FromCache).
		Msg("Response could not be parsed")

	if b.cfg.Evicter != nil {
		if err := b.cfg.Evicter.Evict(ctx, task.URL, raw.Format); err != nil {
			logger.Warn().Err(err).Str("url", task.URL).Msg("Failed to evict unparseable chunk from cache")
		}
	}
}
