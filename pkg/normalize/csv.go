package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
)

// parseCSV reads SDMX-CSV. Column order is free; only the country, time
// and value columns (plus OBS_STATUS when present) are used.
func parseCSV(column string, body []byte, opts Options) ([]Record, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, &ParseError{Format: client.FormatCSV, Line: 1, Reason: fmt.Sprintf("read header: %v", err)}
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		name := fieldName(h)
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	for _, required := range [][]string{countryAliases, timeAliases, valueAliases} {
		if !hasAny(index, required) {
			return nil, &ParseError{
				Format: client.FormatCSV,
				Line:   1,
				Reason: fmt.Sprintf("header %v has no %s column", header, required[0]),
			}
		}
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Format: client.FormatCSV, Line: line, Reason: err.Error()}
		}
		if len(row) == 1 && row[0] == "" {
			continue
		}
		if len(row) < len(header) {
			return nil, &ParseError{
				Format: client.FormatCSV,
				Line:   line,
				Reason: fmt.Sprintf("row has %d fields, header has %d", len(row), len(header)),
			}
		}

		fields := make(map[string]string, len(index))
		for name, i := range index {
			fields[name] = row[i]
		}
		rec, err := recordFrom(column, fields, opts)
		if err != nil {
			return nil, &ParseError{Format: client.FormatCSV, Line: line, Reason: err.Error()}
		}
		records = append(records, rec)
	}
	return records, nil
}

func hasAny(index map[string]int, names []string) bool {
	for _, n := range names {
		if _, ok := index[n]; ok {
			return true
		}
	}
	return false
}
