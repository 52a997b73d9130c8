// Package recipe defines named recipes (ordered column → SDMX filter fragment
// mappings) and a JSON-file backed store for them.
package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DefaultTransactionPosition is the index of the TRANSACTION dimension in the
// OECD national accounts key (FREQ.ADJUSTMENT.REF_AREA.SECTOR.COUNTERPART_SECTOR.TRANSACTION...).
const DefaultTransactionPosition = 5

// TransactionDimension is the dimension id that pins the transaction
// position when a column is written as a dimension object.
const TransactionDimension = "TRANSACTION"

// Dimension is one named position of an SDMX series key.
type Dimension struct {
	ID    string
	Value string
}

// Column is one output column of a recipe and the series it is fetched from.
type Column struct {
	Name     string
	Fragment string

	// Dimensions is set when the column was written as a dimension object.
	// Fragment is then the dimension values joined with ".".
	Dimensions []Dimension
}

// TransactionPosition returns the transaction index of the fragment: the
// TRANSACTION dimension when the column names its dimensions, otherwise def.
func (c Column) TransactionPosition(def int) int {
	for i, d := range c.Dimensions {
		if strings.EqualFold(d.ID, TransactionDimension) {
			return i
		}
	}
	return def
}

// Recipe is an ordered set of columns. Column order is the output order.
type Recipe struct {
	Name    string
	Columns []Column
}

// ColumnNames returns the column names in declared order.
func (r *Recipe) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column.
func (r *Recipe) Column(name string) (Column, bool) {
	for _, c := range r.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Set adds the column or replaces the fragment of an existing column in place.
func (r *Recipe) Set(col Column) {
	for i, c := range r.Columns {
		if c.Name == col.Name {
			r.Columns[i] = col
			return
		}
	}
	r.Columns = append(r.Columns, col)
}

// Clone returns a deep copy.
func (r *Recipe) Clone() *Recipe {
	out := &Recipe{Name: r.Name, Columns: make([]Column, len(r.Columns))}
	for i, c := range r.Columns {
		out.Columns[i] = c
		if c.Dimensions != nil {
			out.Columns[i].Dimensions = append([]Dimension(nil), c.Dimensions...)
		}
	}
	return out
}

// reservedColumns are the key column names of the result table.
var reservedColumns = map[string]bool{"date": true, "country": true}

// Validate checks that the recipe has columns, that names are non-empty,
// unique ignoring case and not a key column name, and that every fragment
// selects exactly one series.
func (r *Recipe) Validate(transactionPos int) error {
	if len(r.Columns) == 0 {
		return &ConfigError{Recipe: r.Name, Reason: fmt.Sprintf("recipe %q has no columns", r.Name)}
	}
	seen := make(map[string]string, len(r.Columns))
	for _, c := range r.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return &ConfigError{Recipe: r.Name, Reason: fmt.Sprintf("recipe %q has a column without a name", r.Name)}
		}
		// Exported tables key on these names and SQLite compares
		// identifiers case-insensitively.
		folded := strings.ToLower(c.Name)
		if reservedColumns[folded] {
			return &ConfigError{Recipe: r.Name, Column: c.Name, Reason: "column name is reserved for the table key"}
		}
		if prev, dup := seen[folded]; dup {
			return &ConfigError{Recipe: r.Name, Column: c.Name, Reason: fmt.Sprintf("duplicate column name (clashes with %q)", prev)}
		}
		seen[folded] = c.Name
		if err := CheckSingleSeries(c.Name, c.Fragment, c.TransactionPosition(transactionPos)); err != nil {
			return err
		}
	}
	return nil
}

// CheckSingleSeries enforces the single-series rule on a fragment. The
// fragment is split on "."; the value at the transaction position must be
// one code. A "+"-joined list or an empty (wildcard) value selects several
// transactions and is rejected with MultipleSeriesError. Other dimensions
// may list several codes (for example several REF_AREA countries).
func CheckSingleSeries(column, fragment string, transactionPos int) error {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return &ConfigError{Column: column, Reason: "empty fragment"}
	}
	if strings.ContainsAny(fragment, "/?") {
		return &ConfigError{Column: column, Reason: fmt.Sprintf("fragment %q contains URL path or query characters", fragment)}
	}
	parts := strings.Split(fragment, ".")
	if transactionPos < 0 || transactionPos >= len(parts) {
		return &ConfigError{Column: column, Reason: fmt.Sprintf(
			"fragment %q has %d dimensions, transaction position %d is out of range", fragment, len(parts), transactionPos)}
	}
	code := strings.TrimSpace(parts[transactionPos])
	if code == "" {
		return &MultipleSeriesError{Column: column, Fragment: fragment}
	}
	if codes := strings.Split(code, "+"); len(codes) > 1 {
		return &MultipleSeriesError{Column: column, Fragment: fragment, Codes: codes}
	}
	return nil
}

// ExtractFragment splits a full data URL into the dataset base URL and the
// series-key fragment. The query string (startPeriod etc.) is dropped.
//
//	https://sdmx.oecd.org/public/rest/data/OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1/Q..USA.S1..B1GQ....USD_PPP.LR..?startPeriod=2023-Q3
//	base:     https://sdmx.oecd.org/public/rest/data/OECD.SDD.NAD,DSD_NAMAIN1@DF_QNA,1.1/
//	fragment: Q..USA.S1..B1GQ....USD_PPP.LR..
func ExtractFragment(rawURL string) (base, fragment string, err error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", &ConfigError{Reason: fmt.Sprintf("invalid URL %q: %v", rawURL, err)}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", &ConfigError{Reason: fmt.Sprintf("URL %q must be absolute", rawURL)}
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-1] == "" {
		return "", "", &ConfigError{Reason: fmt.Sprintf("URL %q has no series key segment", rawURL)}
	}
	fragment = segments[len(segments)-1]
	base = fmt.Sprintf("%s://%s/%s/", u.Scheme, u.Host, strings.Join(segments[:len(segments)-1], "/"))
	return base, fragment, nil
}

// MarshalJSON writes the columns as an object in declared order. Columns
// written as dimension objects are written back the same way.
func (r *Recipe) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, c.Name); err != nil {
			return nil, err
		}
		if c.Dimensions == nil {
			v, err := json.Marshal(c.Fragment)
			if err != nil {
				return nil, err
			}
			buf.Write(v)
			continue
		}
		buf.WriteByte('{')
		for j, d := range c.Dimensions {
			if j > 0 {
				buf.WriteByte(',')
			}
			if err := writeKey(&buf, d.ID); err != nil {
				return nil, err
			}
			v, err := json.Marshal(d.Value)
			if err != nil {
				return nil, err
			}
			buf.Write(v)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a column object, keeping key order.
func (r *Recipe) UnmarshalJSON(data []byte) error {
	r.Columns = nil
	dec := json.NewDecoder(bytes.NewReader(data))
	return decodeObject(dec, func(name string, raw json.RawMessage) error {
		col, err := decodeColumn(name, raw)
		if err != nil {
			return err
		}
		r.Columns = append(r.Columns, col)
		return nil
	})
}

func decodeColumn(name string, raw json.RawMessage) (Column, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Column{}, &ConfigError{Column: name, Reason: "missing value"}
	}

	switch trimmed[0] {
	case '"':
		var fragment string
		if err := json.Unmarshal(trimmed, &fragment); err != nil {
			return Column{}, &ConfigError{Column: name, Reason: err.Error()}
		}
		return Column{Name: name, Fragment: fragment}, nil
	case '{':
		col := Column{Name: name, Dimensions: []Dimension{}}
		err := decodeObject(json.NewDecoder(bytes.NewReader(trimmed)), func(id string, v json.RawMessage) error {
			var value string
			if err := json.Unmarshal(v, &value); err != nil {
				return &ConfigError{Column: name, Reason: fmt.Sprintf("dimension %q must be a string", id)}
			}
			col.Dimensions = append(col.Dimensions, Dimension{ID: id, Value: value})
			return nil
		})
		if err != nil {
			return Column{}, err
		}
		values := make([]string, len(col.Dimensions))
		for i, d := range col.Dimensions {
			values[i] = d.Value
		}
		col.Fragment = strings.Join(values, ".")
		return col, nil
	default:
		return Column{}, &ConfigError{Column: name, Reason: "value must be a fragment string or a dimension object"}
	}
}

// decodeObject walks a JSON object in document order.
func decodeObject(dec *json.Decoder, fn func(key string, raw json.RawMessage) error) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: expected object, got %v", ErrConfig, tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: expected key, got %v", ErrConfig, tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("%w: value of %q: %v", ErrConfig, key, err)
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

func writeKey(buf *bytes.Buffer, key string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	return nil
}
