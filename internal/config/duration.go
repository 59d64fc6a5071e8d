package config

import (
	"fmt"
	"strings"
	"time"
)

// Every duration in the config file is a Go duration string ("5s",
// "1m30s"). path names the offending field in errors, e.g.
// "calendar.min_create_spacing".

// ParseDurationField parses raw. Empty means zero; the caller decides what
// zero falls back to. Negative durations are rejected outright.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is omitted.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
