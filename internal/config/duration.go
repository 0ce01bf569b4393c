package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued fields arrive as Go duration strings ("30s", "2h"). Every
// consumer is a timeout or an interval, so negatives are rejected outright.

// ParseDurationField parses one duration field. path names the field in error
// messages ("feed.timeout"). Empty input parses to zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for fields the
// operator left unset.
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
