// Package probe checks API liveness and recipe columns with single-period
// requests, so that a broken recipe is found before the bulk fetch spends
// the download budget.
package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/Sternrassler/sdmx-databuilder/pkg/fetch"
	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
	"github.com/Sternrassler/sdmx-databuilder/pkg/ratelimit"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultProbeURL is a known-good single-quarter query used as liveness check.
const DefaultProbeURL = "https://sdmx.oecd.org/public/rest/data/" +
	"OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA_EXPENDITURE_CAPITA,1.1/" +
	"Q............?startPeriod=2024-Q1"

// DefaultWindow is the period requested per column.
var DefaultWindow = period.Span{
	Start: period.Period{Freq: period.Quarterly, Year: 2024, Sub: 1},
	End:   period.Period{Freq: period.Quarterly, Year: 2024, Sub: 1},
	Len:   1,
}

// ConnectivityError reports a column whose probe request failed.
type ConnectivityError struct {
	Column string
	URL    string
	Err    error
}

func (e *ConnectivityError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("connectivity check %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("column %q: connectivity check %s failed: %v", e.Column, e.URL, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// Config holds the prober configuration.
type Config struct {
	// Client issues governed requests (REQUIRED).
	Client fetch.Getter

	// ProbeURL defaults to DefaultProbeURL.
	ProbeURL string

	// Format defaults to csv.
	Format client.Format

	// Window defaults to DefaultWindow. Its frequency must match the
	// fragments' FREQ dimension.
	Window period.Span
}

// ColumnStatus is the probe outcome for one recipe column.
type ColumnStatus struct {
	Column string
	URL    string
	OK     bool

	// NoData is set when the API answered "no results" for the window.
	// The column is reachable but may select nothing.
	NoData bool

	Err error
}

// Prober issues lightweight query-class requests.
type Prober struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a prober.
func New(cfg Config) (*Prober, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = DefaultProbeURL
	}
	if cfg.Format == "" {
		cfg.Format = client.FormatCSV
	}
	if cfg.Window.Len == 0 {
		cfg.Window = DefaultWindow
	}
	return &Prober{
		cfg:    cfg,
		logger: log.With().Str("component", "probe").Logger(),
	}, nil
}

// Ping issues one request to the probe URL.
func (p *Prober) Ping(ctx context.Context) error {
	if _, err := p.cfg.Client.Get(ctx, ratelimit.KindQuery, p.cfg.ProbeURL, p.cfg.Format); err != nil {
		return &ConnectivityError{URL: p.cfg.ProbeURL, Err: err}
	}
	return nil
}

// TestAPIConnection reports whether the probe URL answers successfully.
func (p *Prober) TestAPIConnection(ctx context.Context) bool {
	if err := p.Ping(ctx); err != nil {
		p.logger.Error().Err(err).Msg("API connection test failed")
		return false
	}
	p.logger.Info().Str("url", p.cfg.ProbeURL).Msg("API connection successful")
	return true
}

// Check probes every column of r against baseURL, one request per column in
// recipe order. A failing column never stops the remaining ones.
func (p *Prober) Check(ctx context.Context, r *recipe.Recipe, baseURL string) ([]ColumnStatus, error) {
	if r == nil || len(r.Columns) == 0 {
		return nil, &recipe.ConfigError{Reason: "recipe has no columns"}
	}
	base := normalizeBase(baseURL)

	p.logger.Warn().
		Str("recipe", r.Name).
		Int("requests", len(r.Columns)).
		Str("window", p.cfg.Window.String()).
		Msg("Probing recipe columns; each column costs one query against the rate limit")

	statuses := make([]ColumnStatus, 0, len(r.Columns))
	for _, col := range r.Columns {
		if err := ctx.Err(); err != nil {
			return statuses, err
		}
		statuses = append(statuses, p.checkColumn(ctx, base, col))
	}
	return statuses, nil
}

// TestRecipe returns column → reachable. It does not fail for individual
// columns; only a cancelled ctx or an empty recipe stops it early, in which
// case unprobed columns are reported false.
func (p *Prober) TestRecipe(ctx context.Context, r *recipe.Recipe, baseURL string) map[string]bool {
	out := make(map[string]bool)
	if r == nil {
		return out
	}
	for _, col := range r.Columns {
		out[col.Name] = false
	}
	statuses, err := p.Check(ctx, r, baseURL)
	if err != nil {
		p.logger.Error().Err(err).Str("recipe", r.Name).Msg("Recipe probe stopped early")
	}
	for _, s := range statuses {
		out[s.Column] = s.OK
	}
	return out
}

// CheckFragment issues one probe request for a single fragment. It lets the
// recipe store validate pasted URLs.
func (p *Prober) CheckFragment(ctx context.Context, baseURL, fragment string) error {
	status := p.checkColumn(ctx, normalizeBase(baseURL), recipe.Column{Fragment: fragment})
	return status.Err
}

func (p *Prober) checkColumn(ctx context.Context, base string, col recipe.Column) ColumnStatus {
	url := fetch.ChunkURL(base, col.Fragment, p.cfg.Window, p.cfg.Format)
	status := ColumnStatus{Column: col.Name, URL: url}
	logger := p.logger.With().Str("column", col.Name).Str("url", url).Logger()

	resp, err := p.cfg.Client.Get(ctx, ratelimit.KindQuery, url, p.cfg.Format)
	if err != nil {
		status.Err = &ConnectivityError{Column: col.Name, URL: url, Err: err}
		logger.Warn().Err(err).Msg("Column probe failed")
		return status
	}
	status.OK = true
	status.NoData = resp.NoData
	if resp.NoData {
		logger.Warn().Msg("Column reachable but returned no observations")
	} else {
		logger.Debug().Int("status_code", resp.StatusCode).Msg("Column probe succeeded")
	}
	return status
}

func normalizeBase(base string) string {
	if base != "" && !strings.HasSuffix(base, "/") {
		return base + "/"
	}
	return base
}
