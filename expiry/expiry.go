// Package expiry parses the human-readable expiry codes attached to
// tokens, e.g. "1w", "90d" or "never".
package expiry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidDuration indicates an expiry code that could not be parsed.
var ErrInvalidDuration = errors.New("invalid duration code")

// Never is the number of seconds used for accounts that never expire.
const Never = int64(math.MaxInt64)

const (
	secondsPerHour = 60 * 60
	secondsPerDay  = 24 * secondsPerHour
	secondsPerWeek = 7 * secondsPerDay
	secondsPerYear = 365 * secondsPerDay
)

// Parse converts an expiry code into seconds. The code "never" maps to
// Never; otherwise the code is a decimal integer followed by a single
// unit letter: [s]econds, [h]ours, [d]ays, [w]eeks or [y]ears.
func Parse(code string) (int64, error) {
	if code == "never" {
		return Never, nil
	}
	if len(code) < 2 {
		return 0, fmt.Errorf("%w: %q is too short, expiry codes are at least 2 characters", ErrInvalidDuration, code)
	}
	val, err := strconv.ParseInt(code[:len(code)-1], 10, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("%w: %q has no valid numeric prefix", ErrInvalidDuration, code)
	}
	switch code[len(code)-1] {
	case 'y':
		return scale(val, secondsPerYear), nil
	case 'w':
		return scale(val, secondsPerWeek), nil
	case 'd':
		return scale(val, secondsPerDay), nil
	case 'h':
		return scale(val, secondsPerHour), nil
	case 's':
		return val, nil
	default:
		return 0, fmt.Errorf("%w: %q is not a valid time unit, try [y]ears, [w]eeks, [d]ays, [h]ours or [s]econds",
			ErrInvalidDuration, code[len(code)-1:])
	}
}

// scale multiplies a count by a unit size without overflowing. A code
// too large to fit in int64 seconds is the same as never expiring.
func scale(val, unit int64) int64 {
	if val > Never/unit {
		return Never
	}
	return val * unit
}

// SaturatingAdd adds two second counts without overflowing, so that
// created_at + Never still compares sanely against any clock value.
func SaturatingAdd(a, b int64) int64 {
	if a > 0 && b > math.MaxInt64-a {
		return math.MaxInt64
	}
	if a < 0 && b < math.MinInt64-a {
		return math.MinInt64
	}
	return a + b
}
