package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StartNow is the start date keyword for leases that begin immediately.
const StartNow = "now"

// LeaseDateFormat is the preferred lease date layout.
const LeaseDateFormat = "2006-01-02 15:04"

var leaseDateLayouts = []string{
	LeaseDateFormat,
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseLeaseDate parses a lease date in UTC. The StartNow keyword resolves to now.
func ParseLeaseDate(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == StartNow {
		return now.UTC(), nil
	}
	for _, layout := range leaseDateLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, NewInvalidDateError(
		fmt.Sprintf("invalid date %q, expected format %s", value, LeaseDateFormat))
}

// ParseLeaseDuration parses durations such as "90m", "12h", "1d" or "2w".
func ParseLeaseDuration(param, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, NewMissingParameterError(param)
	}

	var d time.Duration
	switch unit := value[len(value)-1]; unit {
	case 'd', 'w':
		n, err := strconv.Atoi(value[:len(value)-1])
		if err != nil {
			return 0, NewMalformedParameterError(param, err)
		}
		d = time.Duration(n) * 24 * time.Hour
		if unit == 'w' {
			d *= 7
		}
	default:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return 0, NewMalformedParameterError(param, err)
		}
		d = parsed
	}

	if d <= 0 {
		return 0, NewMalformedParameterError(param, fmt.Errorf("duration must be positive"))
	}
	return d, nil
}
