package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldError ties a problem to the config path it was found at.
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a Go duration string. Empty means zero;
// negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &FieldError{Path: path, Err: fmt.Errorf("invalid duration %q", raw)}
	}
	if d < 0 {
		return 0, &FieldError{Path: path, Err: fmt.Errorf("duration %s must be >= 0", s)}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseDurationList parses a delay sequence such as hub.reconnect_delays.
// Zero entries are kept (an immediate retry); nil in gives nil out.
func ParseDurationList(path string, raw []string) ([]time.Duration, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]time.Duration, len(raw))
	for i, r := range raw {
		d, err := ParseDurationField(path+"["+strconv.Itoa(i)+"]", r)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
