package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sternrassler/sdmx-databuilder/pkg/export"
	"github.com/Sternrassler/sdmx-databuilder/pkg/fetch"
	"github.com/Sternrassler/sdmx-databuilder/pkg/metrics"
	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
)

// exitPartial is returned when the table was written but some tasks failed.
const exitPartial = 3

func runFetchCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("fetch", stderr)
	recipeName := fs.String("recipe", "DEFAULT", "recipe to fetch")
	start := fs.String("start", "", "first period, e.g. 2020-Q1 (required)")
	end := fs.String("end", "", "last period, e.g. 2023-Q4 (required)")
	chunkSize := fs.Int("chunk-size", 0, "periods per request (default from config)")
	out := fs.String("out", "", "output file (default from config)")
	outFormat := fs.String("out-format", "", "csv, xlsx or sqlite (default: from -out extension or config)")
	allowMultiHour := fs.Bool("allow-multi-hour", false, "pace plans larger than the hourly download cap over several hours")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while fetching")
	manifestPath := fs.String("manifest", "", "write the run manifest as JSON to this file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath, stderr)
	if err != nil {
		return exitCode(stderr, err)
	}

	if *start == "" || *end == "" {
		return exitCode(stderr, &usageError{msg: "-start and -end are required"})
	}
	startP, err := period.Parse(*start)
	if err != nil {
		return exitCode(stderr, &usageError{msg: err.Error()})
	}
	endP, err := period.Parse(*end)
	if err != nil {
		return exitCode(stderr, &usageError{msg: err.Error()})
	}
	if *chunkSize == 0 {
		*chunkSize = cfg.Fetch.ChunkSize
	}
	if *out == "" {
		*out = cfg.Output.Path
	}
	writer, err := resolveWriter(*out, *outFormat, cfg.Output.Format)
	if err != nil {
		return exitCode(stderr, &usageError{msg: err.Error()})
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return exitCode(stderr, err)
	}
	defer a.Close()

	if addr := firstNonEmpty(*metricsAddr, cfg.Metrics.Addr); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				a.logger.Error().Err(err).Str("addr", addr).Msg("Metrics endpoint failed")
			}
		}()
	}

	r, err := a.store.Load(*recipeName)
	if err != nil {
		return exitCode(stderr, err)
	}

	b, err := a.builder(*allowMultiHour || cfg.Fetch.AllowMultiHour, func(s fetch.Status) {
		fmt.Fprintf(stderr, "[%d/%d] %s (failed %d, cached %d)\n", s.Completed, s.Planned, s.Current, s.Failed, s.Cached)
	})
	if err != nil {
		return exitCode(stderr, err)
	}

	table, manifest, buildErr := b.Build(ctx, r, startP, endP, *chunkSize)
	if table == nil {
		return exitCode(stderr, buildErr)
	}

	// A cancelled run still writes what it fetched.
	writeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := writer.Write(writeCtx, *out, table); err != nil {
		return exitCode(stderr, fmt.Errorf("write %s: %w", *out, err))
	}
	if sw, ok := writer.(export.SQLiteWriter); ok {
		if err := sw.WriteManifest(writeCtx, *out, manifest); err != nil {
			return exitCode(stderr, err)
		}
	}
	if *manifestPath != "" {
		if err := writeManifestJSON(*manifestPath, manifest); err != nil {
			return exitCode(stderr, err)
		}
	}

	printSummary(stdout, *out, len(table.Rows), manifest)
	if buildErr != nil {
		return exitCode(stderr, buildErr)
	}
	if !manifest.Complete() {
		return exitPartial
	}
	return 0
}

func resolveWriter(out, flagFormat, cfgFormat string) (export.Writer, error) {
	name := flagFormat
	if name == "" {
		if inferred, err := export.FormatForPath(out); err == nil {
			name = inferred
		} else {
			name = cfgFormat
		}
	}
	return export.ForFormat(name)
}

func printSummary(w io.Writer, out string, rows int, m *fetch.Manifest) {
	fmt.Fprintf(w, "run %s: recipe %s %s..%s\n", m.RunID, m.Recipe, m.Start, m.End)
	fmt.Fprintf(w, "  tasks: %d planned, %d succeeded (%d cached, %d empty), %d failed\n",
		m.Planned, m.Succeeded, m.FromCache, m.NoData, len(m.Failures))
	for _, f := range m.Failures {
		fmt.Fprintf(w, "  failed %s %s [%s]: %v\n", f.Key, f.Span, f.Stage, f.Err)
	}
	if n := len(m.Conflicts); n > 0 {
		fmt.Fprintf(w, "  %d cell(s) reported by several series, first value kept\n", n)
	}
	fmt.Fprintf(w, "  wrote %d rows to %s\n", rows, out)
}

type manifestReport struct {
	RunID      string           `json:"run_id"`
	Recipe     string           `json:"recipe"`
	Start      string           `json:"start"`
	End        string           `json:"end"`
	ChunkSize  int              `json:"chunk_size"`
	Planned    int              `json:"planned"`
	Succeeded  int              `json:"succeeded"`
	FromCache  int              `json:"from_cache"`
	NoData     int              `json:"no_data"`
	Requests   int              `json:"requests"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Failures   []failureReport  `json:"failures"`
	Conflicts  []conflictReport `json:"conflicts"`
}

type conflictReport struct {
	Column  string  `json:"column"`
	Date    string  `json:"date"`
	Country string  `json:"country"`
	Kept    float64 `json:"kept"`
	Dropped float64 `json:"dropped"`
}

type failureReport struct {
	Column     string `json:"column"`
	Chunk      int    `json:"chunk"`
	Span       string `json:"span"`
	URL        string `json:"url"`
	Stage      string `json:"stage"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
}

func writeManifestJSON(path string, m *fetch.Manifest) error {
	report := manifestReport{
		RunID:      m.RunID,
		Recipe:     m.Recipe,
		Start:      m.Start,
		End:        m.End,
		ChunkSize:  m.ChunkSize,
		Planned:    m.Planned,
		Succeeded:  m.Succeeded,
		FromCache:  m.FromCache,
		NoData:     m.NoData,
		Requests:   m.Requests,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
		Failures:   []failureReport{},
		Conflicts:  []conflictReport{},
	}
	for _, f := range m.Failures {
		report.Failures = append(report.Failures, failureReport{
			Column:     f.Key.Column,
			Chunk:      f.Key.Chunk,
			Span:       f.Span,
			URL:        f.URL,
			Stage:      f.Stage,
			StatusCode: f.StatusCode(),
			Attempts:   f.Attempts,
			Error:      f.Err.Error(),
		})
	}
	for _, c := range m.Conflicts {
		report.Conflicts = append(report.Conflicts, conflictReport(c))
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
