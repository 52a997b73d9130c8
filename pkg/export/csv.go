package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/Sternrassler/sdmx-databuilder/pkg/aggregate"
)

// CSVWriter writes RFC 4180 CSV. Missing values are empty fields.
type CSVWriter struct{}

// Write implements Writer.
func (CSVWriter) Write(ctx context.Context, path string, table *aggregate.Table) error {
	if err := checkTable(table); err != nil {
		return err
	}

	return replaceFile(path, func(tmp string) error {
		return writeCSV(ctx, tmp, table)
	})
}

func writeCSV(ctx context.Context, path string, table *aggregate.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(table.Header()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, 2+len(table.Columns))
	for i, row := range table.Rows {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		record[0] = row.Date.String()
		record[1] = row.Country
		for j, v := range row.Values {
			record[2+j] = v.String()
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}
