package parse

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxWaitTime is the largest duration WaitTime and Hours return. Larger
// requests saturate to it and are bounded later by the duration policy.
const MaxWaitTime = 100_000 * time.Hour

var (
	// "2", "2.5", "2.5h", "2.5 hours"
	hoursRe = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?|\.\d+)\s*(?:h|hr|hrs|hour|hours)?$`)
	// "90m", "90 min", "90 minutes"
	minutesRe = regexp.MustCompile(`(?i)^(\d+)\s*(?:m|min|mins|minute|minutes)$`)
	// "1h30m", "1h 30m"
	compoundRe = regexp.MustCompile(`(?i)^(\d+)\s*h\s*(\d+)\s*m$`)
)

// WaitTime parses a requested waiting time. A bare number is a number of
// hours, matching the chat command form "!games sfv 2.5".
func WaitTime(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty wait time")
	}

	if m := compoundRe.FindStringSubmatch(s); m != nil {
		h, err := count(m[1], time.Hour)
		if err != nil {
			return 0, fmt.Errorf("unable to parse wait time %q: %w", raw, err)
		}
		mins, err := count(m[2], time.Minute)
		if err != nil {
			return 0, fmt.Errorf("unable to parse wait time %q: %w", raw, err)
		}
		// Each part is at most MaxWaitTime, so the sum cannot overflow.
		return min(h+mins, MaxWaitTime), nil
	}

	if m := minutesRe.FindStringSubmatch(s); m != nil {
		mins, err := count(m[1], time.Minute)
		if err != nil {
			return 0, fmt.Errorf("unable to parse wait time %q: %w", raw, err)
		}
		return mins, nil
	}

	if m := hoursRe.FindStringSubmatch(s); m != nil {
		hours, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("unable to parse wait time %q: %w", raw, err)
		}
		return Hours(hours), nil
	}

	return 0, fmt.Errorf("unable to parse wait time: %q", raw)
}

// Hours converts a fractional number of hours to a Duration, rounded to the
// second and saturated to ±MaxWaitTime. NaN converts to zero.
func Hours(h float64) time.Duration {
	limit := MaxWaitTime.Hours()
	switch {
	case math.IsNaN(h):
		return 0
	case h >= limit:
		return MaxWaitTime
	case h <= -limit:
		return -MaxWaitTime
	}
	return (time.Duration(h * float64(time.Hour))).Round(time.Second)
}

// count multiplies a decimal count by unit, saturating at MaxWaitTime.
func count(digits string, unit time.Duration) (time.Duration, error) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return MaxWaitTime, nil
	}
	if err != nil {
		return 0, err
	}
	if n >= int64(MaxWaitTime/unit) {
		return MaxWaitTime, nil
	}
	return time.Duration(n) * unit, nil
}
