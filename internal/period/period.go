// Package period parses the relative time windows accepted by the
// management API, such as "24h" or "7d".
package period

import (
	"math"
	"strconv"
	"time"

	"hookrelay.dev/internal/errs"
)

// Unit durations. Days and larger units use fixed approximations:
// a month is 30 days and a year is 365 days.
const (
	Hour  = time.Hour
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

// Parse converts a period string of the form "<n><unit>" into a duration.
// The unit is one of h, d, w, m, or y: "24h" is 24 hours, "3m" is 90 days.
// Anything else reports an invalid_argument error.
func Parse(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, badPeriod(s)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'h':
		unit = Hour
	case 'd':
		unit = Day
	case 'w':
		unit = Week
	case 'm':
		unit = Month
	case 'y':
		unit = Year
	default:
		return 0, badPeriod(s)
	}

	digits := s[:len(s)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, badPeriod(s)
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, badPeriod(s)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, errs.B().Code(errs.InvalidArgument).Msgf("period %q out of range", s).Err()
	}
	return time.Duration(n) * unit, nil
}

func badPeriod(s string) error {
	return errs.B().Code(errs.InvalidArgument).
		Msgf("invalid period %q: want <number> followed by one of h, d, w, m, y", s).
		Err()
}
