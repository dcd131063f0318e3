package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a config duration. Empty means zero; negative values are rejected.
// field is the dotted config path used in error messages.
func ParseDurationField(field, raw string) (time.Duration, error) {
	return ParseDurationOrDefault(field, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def standing in for empty or zero.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	case d == 0:
		return def, nil
	}
	return d, nil
}
