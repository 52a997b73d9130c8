// Package export writes a result table to disk as CSV, XLSX or SQLite.
// Every format leads with the date and country key columns followed by one
// column per recipe column; gaps are written as empty cells or NULL.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/sdmx-databuilder/pkg/aggregate"
)

// Writer persists a table at path, replacing any existing file.
type Writer interface {
	Write(ctx context.Context, path string, table *aggregate.Table) error
}

// Supported output format names.
const (
	FormatCSV    = "csv"
	FormatXLSX   = "xlsx"
	FormatSQLite = "sqlite"
)

// ForFormat returns the writer for a format name.
func ForFormat(name string) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case FormatCSV:
		return CSVWriter{}, nil
	case FormatXLSX, "excel":
		return XLSXWriter{}, nil
	case FormatSQLite, "sqlite3", "db":
		return SQLiteWriter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", name)
	}
}

// FormatForPath infers the format name from the file extension.
func FormatForPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite, nil
	default:
		return "", fmt.Errorf("cannot infer output format from %q", path)
	}
}

// replaceFile lets write produce the output under a temporary name in the
// destination directory and renames it over path only when write succeeds.
// A failed write leaves any previous file at path untouched.
func replaceFile(path string, write func(tmp string) error) error {
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear %s: %w", tmp, err)
	}
	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func checkTable(table *aggregate.Table) error {
	if table == nil {
		return fmt.Errorf("no table to export")
	}
	return nil
}
