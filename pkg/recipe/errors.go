package recipe

import (
	"errors"
	"fmt"
)

// ErrConfig is matched by every configuration error: malformed recipes,
// malformed URLs and fragments that select more than one series.
var ErrConfig = errors.New("recipe configuration error")

// NotFoundError is returned by Load for unknown recipe names.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("recipe %q not found", e.Name)
}

// ConfigError describes a malformed recipe entry.
type ConfigError struct {
	Recipe string
	Column string
	Reason string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Recipe != "" && e.Column != "":
		return fmt.Sprintf("recipe %q column %q: %s", e.Recipe, e.Column, e.Reason)
	case e.Column != "":
		return fmt.Sprintf("column %q: %s", e.Column, e.Reason)
	default:
		return e.Reason
	}
}

// Unwrap makes errors.Is(err, ErrConfig) hold.
func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// MultipleSeriesError is returned when the transaction position of a
// fragment selects more than one code.
type MultipleSeriesError struct {
	Column   string
	Fragment string
	Codes    []string
}

func (e *MultipleSeriesError) Error() string {
	if len(e.Codes) == 0 {
		return fmt.Sprintf("column %q: fragment %q leaves the transaction dimension open (selects every transaction)",
			e.Column, e.Fragment)
	}
	return fmt.Sprintf("column %q: fragment %q selects %d transactions %v, exactly one is required",
		e.Column, e.Fragment, len(e.Codes), e.Codes)
}

// Unwrap makes errors.Is(err, ErrConfig) hold.
func (e *MultipleSeriesError) Unwrap() error {
	return ErrConfig
}
