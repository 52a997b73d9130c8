// Package normalize parses raw SDMX responses (SDMX-CSV and SDMX-ML) into
// normalized records: one (date, country, column, value) tuple per
// observation, with missing observations kept as explicit absences.
package normalize

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
)

// Value is an observation value. The zero Value is missing.
type Value struct {
	Number float64
	Valid  bool
}

// Missing returns the explicit-absence value.
func Missing() Value { return Value{} }

// Of returns a present value.
func Of(f float64) Value { return Value{Number: f, Valid: true} }

func (v Value) String() string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Number, 'g', -1, 64)
}

// Record is one normalized observation.
type Record struct {
	Date    period.Period
	Country string
	Column  string
	Value   Value
}

// ParseError reports a body that matches neither expected format.
type ParseError struct {
	Format client.Format
	Line   int
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s response: line %d: %s", e.Format, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse %s response: %s", e.Format, e.Reason)
}

// Options tune parsing.
type Options struct {
	// Freq, when set, is the frequency every observation must have.
	Freq period.Freq
}

// Parse decodes body according to format and tags every record with column.
func Parse(column string, body []byte, format client.Format, opts Options) ([]Record, error) {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Format: format, Reason: "empty body"}
	}
	switch format {
	case client.FormatCSV:
		return parseCSV(column, body, opts)
	case client.FormatXML:
		return parseXML(column, body, opts)
	default:
		return nil, &ParseError{Format: format, Reason: "unsupported format"}
	}
}

// Column aliases, upper case. SDMX-CSV exports and older OECD.Stat extracts
// name the key columns differently.
var (
	countryAliases = []string{"REF_AREA", "LOCATION", "COUNTRY", "COU"}
	timeAliases    = []string{"TIME_PERIOD", "TIME", "DATE", "PERIOD"}
	valueAliases   = []string{"OBS_VALUE", "VALUE"}
	statusAliases  = []string{"OBS_STATUS"}
)

// missingMarkers are the value spellings that mean "no observation".
var missingMarkers = map[string]bool{
	"":     true,
	"NAN":  true,
	"NA":   true,
	"N/A":  true,
	"..":   true,
	"...":  true,
	"-":    true,
	"NULL": true,
	"NONE": true,
}

// missingStatus are OBS_STATUS codes flagging a missing observation.
var missingStatus = map[string]bool{
	"M": true, // missing value
	"L": true, // missing, exists but not collected
}

// fieldName normalizes a header or dimension id: "REF_AREA: Reference area" -> "REF_AREA".
func fieldName(s string) string {
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// codeOf strips a label from a coded value: "USA: United States" -> "USA".
func codeOf(s string) string {
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// parseValue maps an observation string to a Value. Non-numeric strings
// are treated as missing, never as zero.
func parseValue(raw, status string) Value {
	if missingStatus[strings.ToUpper(codeOf(status))] {
		return Missing()
	}
	s := strings.TrimSpace(raw)
	if missingMarkers[strings.ToUpper(s)] {
		return Missing()
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Missing()
	}
	return Of(f)
}

// parseDate parses a period and enforces opts.Freq.
func parseDate(raw string, opts Options) (period.Period, error) {
	s := codeOf(raw)
	if opts.Freq != "" {
		return period.ParseAs(opts.Freq, s)
	}
	return period.Parse(s)
}

// lookup returns the first alias present in fields.
func lookup(fields map[string]string, aliases []string) (string, bool) {
	for _, a := range aliases {
		if v, ok := fields[a]; ok {
			return v, true
		}
	}
	return "", false
}

// recordFrom builds a record from a field map keyed by normalized names.
func recordFrom(column string, fields map[string]string, opts Options) (Record, error) {
	country, ok := lookup(fields, countryAliases)
	if !ok || codeOf(country) == "" {
		return Record{}, fmt.Errorf("observation without country")
	}
	date, ok := lookup(fields, timeAliases)
	if !ok {
		return Record{}, fmt.Errorf("observation without time period")
	}
	p, err := parseDate(date, opts)
	if err != nil {
		return Record{}, err
	}
	raw, _ := lookup(fields, valueAliases)
	status, _ := lookup(fields, statusAliases)
	return Record{
		Date:    p,
		Country: strings.ToUpper(codeOf(country)),
		Column:  column,
		Value:   parseValue(raw, status),
	}, nil
}
