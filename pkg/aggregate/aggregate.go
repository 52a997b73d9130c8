// Package aggregate merges normalized records of many columns into one wide
// table keyed by (date, country).
//
// Build is pure: the same records always produce the same table, and the
// order in which columns' records arrive does not matter.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Sternrassler/sdmx-databuilder/pkg/normalize"
	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
)

// Key columns leading every table.
const (
	DateColumn    = "date"
	CountryColumn = "country"
)

// Row is one (date, country) key and a value per table column. Values[i]
// belongs to Table.Columns[i]; gaps are normalize.Missing().
type Row struct {
	Date    period.Period
	Country string
	Values  []normalize.Value
}

// Table is the wide result table. It must not be modified once returned.
type Table struct {
	Columns []string
	Rows    []Row
	// Conflicts lists cells that received more than one present value,
	// sorted by date, country and column.
	Conflicts []Conflict
}

// Conflict is a present value that lost to an earlier present value in the
// same cell.
type Conflict struct {
	Date    period.Period
	Country string
	Column  string
	Kept    normalize.Value
	Dropped normalize.Value
}

// UnknownColumnError reports a record tagged with a column the table does
// not declare.
type UnknownColumnError struct {
	Column string
}

func (e *UnknownColumnError) Error() string {
	return fmt.Sprintf("record for undeclared column %q", e.Column)
}

type rowKey struct {
	date    period.Period
	country string
}

// Build returns the full outer union of (date, country) keys across all
// records. Rows are sorted by date then country; value columns follow the
// declared order.
//
// When several records land in the same cell a present value beats a
// missing one, and among present values the first one wins. Every dropped
// present value is reported in Table.Conflicts.
//
// Column names are compared ignoring case, both against each other and
// against the key columns.
func Build(columns []string, records []normalize.Record) (*Table, error) {
	index := make(map[string]int, len(columns))
	folded := make(map[string]string, len(columns))
	for i, c := range columns {
		if strings.EqualFold(c, DateColumn) || strings.EqualFold(c, CountryColumn) {
			return nil, fmt.Errorf("column name %q is reserved", c)
		}
		if prev, dup := folded[strings.ToLower(c)]; dup {
			return nil, fmt.Errorf("duplicate column %q (clashes with %q)", c, prev)
		}
		folded[strings.ToLower(c)] = c
		index[c] = i
	}

	type conflict struct {
		col int
		Conflict
	}
	var conflicts []conflict

	cells := make(map[rowKey][]normalize.Value)
	for _, rec := range records {
		col, ok := index[rec.Column]
		if !ok {
			return nil, &UnknownColumnError{Column: rec.Column}
		}
		k := rowKey{date: rec.Date, country: rec.Country}
		values, ok := cells[k]
		if !ok {
			values = make([]normalize.Value, len(columns))
			cells[k] = values
		}
		switch {
		case !values[col].Valid:
			values[col] = rec.Value
		case rec.Value.Valid:
			conflicts = append(conflicts, conflict{col: col, Conflict: Conflict{
				Date:    rec.Date,
				Country: rec.Country,
				Column:  rec.Column,
				Kept:    values[col],
				Dropped: rec.Value,
			}})
		}
	}

	rows := make([]Row, 0, len(cells))
	for k, values := range cells {
		rows = append(rows, Row{Date: k.date, Country: k.country, Values: values})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		return a.Country < b.Country
	})

	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.Country != b.Country {
			return a.Country < b.Country
		}
		return a.col < b.col
	})
	var out []Conflict
	for _, c := range conflicts {
		out = append(out, c.Conflict)
	}

	return &Table{Columns: append([]string(nil), columns...), Rows: rows, Conflicts: out}, nil
}

// Header returns the leading key columns followed by the value columns.
func (t *Table) Header() []string {
	return append([]string{DateColumn, CountryColumn}, t.Columns...)
}

// Value looks up one cell. ok is false when the row or column does not exist.
func (t *Table) Value(date period.Period, country, column string) (v normalize.Value, ok bool) {
	col := -1
	for i, c := range t.Columns {
		if c == column {
			col = i
			break
		}
	}
	if col < 0 {
		return normalize.Value{}, false
	}
	i := sort.Search(len(t.Rows), func(i int) bool {
		r := t.Rows[i]
		if r.Date != date {
			return !r.Date.Before(date)
		}
		return r.Country >= country
	})
	if i == len(t.Rows) || t.Rows[i].Date != date || t.Rows[i].Country != country {
		return normalize.Value{}, false
	}
	return t.Rows[i].Values[col], true
}

// Gaps counts missing cells per column.
func (t *Table) Gaps() map[string]int {
	gaps := make(map[string]int, len(t.Columns))
	for _, c := range t.Columns {
		gaps[c] = 0
	}
	for _, r := range t.Rows {
		for i, v := range r.Values {
			if !v.Valid {
				gaps[t.Columns[i]]++
			}
		}
	}
	return gaps
}

// Countries returns the distinct countries in the table, sorted.
func (t *Table) Countries() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range t.Rows {
		if !seen[r.Country] {
			seen[r.Country] = true
			out = append(out, r.Country)
		}
	}
	sort.Strings(out)
	return out
}
