package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNegativeDuration = errors.New("duration must not be negative")

// FieldError names the config key a bad value came from.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %q: %v", e.Path, e.Value, e.Err) }

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a Go duration string ("750ms", "2m"). Empty
// means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Value: raw, Err: err}
	case d < 0:
		return 0, &FieldError{Path: path, Value: raw, Err: ErrNegativeDuration}
	}
	return d, nil
}

// ParseDurationOrDefault falls back to def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
