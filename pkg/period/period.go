// Package period models SDMX reporting periods (annual, quarterly, monthly)
// and partitions period ranges into request-sized chunks.
package period

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Freq is an SDMX frequency code.
type Freq string

const (
	// Annual periods are written "YYYY".
	Annual Freq = "A"

	// Quarterly periods are written "YYYY-Qn".
	Quarterly Freq = "Q"

	// Monthly periods are written "YYYY-MM".
	Monthly Freq = "M"
)

// ErrInvalidPeriod is returned when a period string cannot be parsed.
var ErrInvalidPeriod = errors.New("invalid period")

// ParseFreq converts a frequency code. "Y" is accepted as an alias for annual.
func ParseFreq(s string) (Freq, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "Y":
		return Annual, nil
	case "Q":
		return Quarterly, nil
	case "M":
		return Monthly, nil
	default:
		return "", fmt.Errorf("unsupported frequency %q", s)
	}
}

// perYear returns how many periods of f fit into one year.
func (f Freq) perYear() int {
	switch f {
	case Quarterly:
		return 4
	case Monthly:
		return 12
	default:
		return 1
	}
}

// Period is a single reporting period. Sub is the quarter (1-4) or month
// (1-12) and is zero for annual periods.
type Period struct {
	Freq Freq
	Year int
	Sub  int
}

// String formats the period the way the SDMX API expects it in
// startPeriod/endPeriod parameters.
func (p Period) String() string {
	switch p.Freq {
	case Quarterly:
		return fmt.Sprintf("%04d-Q%d", p.Year, p.Sub)
	case Monthly:
		return fmt.Sprintf("%04d-%02d", p.Year, p.Sub)
	default:
		return fmt.Sprintf("%04d", p.Year)
	}
}

// Ordinal returns a monotonically increasing index within the frequency.
func (p Period) Ordinal() int {
	if p.Freq == Annual {
		return p.Year
	}
	return p.Year*p.Freq.perYear() + p.Sub - 1
}

// Next returns the following period of the same frequency.
func (p Period) Next() Period {
	return fromOrdinal(p.Freq, p.Ordinal()+1)
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	switch p.Freq {
	case Quarterly:
		return time.Date(p.Year, time.Month((p.Sub-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(p.Year, time.Month(p.Sub), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(p.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
}

// Before orders periods by start time, then by frequency code so that
// periods of different frequencies sharing a start still sort stably.
func (p Period) Before(o Period) bool {
	ps, os := p.Start(), o.Start()
	if !ps.Equal(os) {
		return ps.Before(os)
	}
	return p.Freq < o.Freq
}

func fromOrdinal(f Freq, ord int) Period {
	if f == Annual {
		return Period{Freq: Annual, Year: ord}
	}
	n := f.perYear()
	return Period{Freq: f, Year: ord / n, Sub: ord%n + 1}
}

// Parse infers the frequency from the period string. Accepted forms are
// "2023", "2023-Q1", "2023Q1", "2023-01" and "2023-M01".
func Parse(s string) (Period, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 4 {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	rest := strings.TrimPrefix(s[4:], "-")

	switch {
	case rest == "":
		return Period{Freq: Annual, Year: year}, nil
	case strings.HasPrefix(rest, "Q"):
		return withSub(Quarterly, year, rest[1:], s)
	case strings.HasPrefix(rest, "M"):
		return withSub(Monthly, year, rest[1:], s)
	default:
		return withSub(Monthly, year, rest, s)
	}
}

// ParseAs parses s and requires it to be of frequency f.
func ParseAs(f Freq, s string) (Period, error) {
	p, err := Parse(s)
	if err != nil {
		return Period{}, err
	}
	if p.Freq != f {
		return Period{}, fmt.Errorf("%w: %q is not a %s period", ErrInvalidPeriod, s, f)
	}
	return p, nil
}

func withSub(f Freq, year int, sub, raw string) (Period, error) {
	n, err := strconv.Atoi(sub)
	if err != nil || n < 1 || n > f.perYear() {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
	return Period{Freq: f, Year: year, Sub: n}, nil
}

// Range returns every period from start to end inclusive.
func Range(start, end Period) ([]Period, error) {
	if start.Freq != end.Freq {
		return nil, fmt.Errorf("%w: %s and %s have different frequencies", ErrInvalidPeriod, start, end)
	}
	if end.Ordinal() < start.Ordinal() {
		return nil, fmt.Errorf("%w: start %s is after end %s", ErrInvalidPeriod, start, end)
	}
	out := make([]Period, 0, end.Ordinal()-start.Ordinal()+1)
	for p := start; p.Ordinal() <= end.Ordinal(); p = p.Next() {
		out = append(out, p)
	}
	return out, nil
}
