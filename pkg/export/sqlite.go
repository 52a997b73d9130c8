package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/Sternrassler/sdmx-databuilder/pkg/aggregate"
	"github.com/Sternrassler/sdmx-databuilder/pkg/fetch"
)

// DefaultTable is the SQLite table the dataset is written to.
const DefaultTable = "dataset"

// SQLiteWriter writes the table into a fresh SQLite database file. Missing
// values are NULL.
type SQLiteWriter struct {
	// Table defaults to DefaultTable.
	Table string
}

func (s SQLiteWriter) table() string {
	if s.Table == "" {
		return DefaultTable
	}
	return s.Table
}

// Write implements Writer.
func (s SQLiteWriter) Write(ctx context.Context, path string, table *aggregate.Table) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := checkColumnNames(table.Columns); err != nil {
		return err
	}
	return replaceFile(path, func(tmp string) error {
		return s.writeTable(ctx, tmp, table)
	})
}

func (s SQLiteWriter) writeTable(ctx context.Context, path string, table *aggregate.Table) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	name := quoteIdent(s.table())
	cols := []string{
		quoteIdent(aggregate.DateColumn) + " TEXT NOT NULL",
		quoteIdent(aggregate.CountryColumn) + " TEXT NOT NULL",
	}
	for _, c := range table.Columns {
		cols = append(cols, quoteIdent(c)+" REAL")
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s, PRIMARY KEY (%s, %s))",
		name, strings.Join(cols, ", "),
		quoteIdent(aggregate.DateColumn), quoteIdent(aggregate.CountryColumn))
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", 2+len(table.Columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", name, placeholders))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, 2+len(table.Columns))
	for i, row := range table.Rows {
		args[0] = row.Date.String()
		args[1] = row.Country
		for j, v := range row.Values {
			if v.Valid {
				args[2+j] = v.Number
			} else {
				args[2+j] = nil
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// WriteManifest appends the run manifest, its failures and its value
// conflicts to the database
// at path, next to the dataset. The tables are created when missing.
func (s SQLiteWriter) WriteManifest(ctx context.Context, path string, m *fetch.Manifest) error {
	if m == nil {
		return fmt.Errorf("no manifest to export")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		recipe TEXT,
		start_period TEXT,
		end_period TEXT,
		chunk_size INTEGER,
		planned INTEGER,
		succeeded INTEGER,
		from_cache INTEGER,
		no_data INTEGER,
		requests INTEGER,
		started_at DATETIME,
		finished_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS run_failures (
		run_id TEXT NOT NULL,
		column_name TEXT NOT NULL,
		chunk INTEGER NOT NULL,
		span TEXT,
		url TEXT,
		stage TEXT,
		status_code INTEGER,
		attempts INTEGER,
		error TEXT
	);
	CREATE TABLE IF NOT EXISTS run_conflicts (
		run_id TEXT NOT NULL,
		column_name TEXT NOT NULL,
		date TEXT NOT NULL,
		country TEXT NOT NULL,
		kept REAL,
		dropped REAL
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create manifest tables: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Recipe, m.Start, m.End, m.ChunkSize, m.Planned, m.Succeeded,
		m.FromCache, m.NoData, m.Requests, m.StartedAt, m.FinishedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_failures WHERE run_id = ?`, m.RunID); err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	for _, f := range m.Failures {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_failures VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.RunID, f.Key.Column, f.Key.Chunk, f.Span, f.URL, f.Stage, f.StatusCode(), f.Attempts, f.Err.Error(),
		); err != nil {
			return fmt.Errorf("insert failure: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_conflicts WHERE run_id = ?`, m.RunID); err != nil {
		return fmt.Errorf("clear conflicts: %w", err)
	}
	for _, c := range m.Conflicts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_conflicts VALUES (?, ?, ?, ?, ?, ?)`,
			m.RunID, c.Column, c.Date, c.Country, c.Kept, c.Dropped,
		); err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
	}
	return tx.Commit()
}

// checkColumnNames rejects value columns that SQLite would treat as the same
// identifier, or as one of the key columns.
func checkColumnNames(columns []string) error {
	seen := map[string]string{
		strings.ToLower(aggregate.DateColumn):    aggregate.DateColumn,
		strings.ToLower(aggregate.CountryColumn): aggregate.CountryColumn,
	}
	for _, c := range columns {
		folded := strings.ToLower(c)
		if prev, dup := seen[folded]; dup {
			return fmt.Errorf("column %q collides with %q (SQLite names are case-insensitive)", c, prev)
		}
		seen[folded] = c
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
