// Package hours converts wall-clock time strings into hour-of-day buckets and
// back into the canonical epoch-day form used for slot boundaries.
package hours

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTime is returned for strings that are not a recognised time format.
var ErrInvalidTime = errors.New("invalid time")

// ErrInvalidDate is returned for dates not in YYYY-MM-DD form.
var ErrInvalidDate = errors.New("invalid date")

const (
	// Midnight is the exclusive end hour of a window that runs to the end of the day.
	Midnight = 24

	canonicalLayout = "2006-01-02T15:04:05.000Z"
	DateLayout      = "2006-01-02"
)

var epochDay = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

var clockLayouts = []string{"15:04", "15:04:05"}

// ParseTimeToHour returns the hour of day in [0,23] for an ISO datetime (UTC
// hour), an "HH:MM" or "HH:MM:SS" clock string, or a bare hour integer.
func ParseTimeToHour(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTime)
	}
	if strings.Contains(s, "T") || strings.Count(s, "-") >= 2 {
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Hour(), nil
			}
		}
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	if strings.Contains(s, ":") {
		for _, layout := range clockLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Hour(), nil
			}
		}
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(s)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return h, nil
}

// ParseEndHour parses the exclusive end of a window. "24:00", "24" and a
// next-day midnight all map to Midnight.
func ParseEndHour(s string) (int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "24" || strings.HasPrefix(trimmed, "24:00") {
		return Midnight, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		t = t.UTC()
		if t.Hour() == 0 && t.After(epochDay) {
			return Midnight, nil
		}
		return t.Hour(), nil
	}
	return ParseTimeToHour(trimmed)
}

// CanonicalTime renders hour as "1970-01-01THH:00:00.000Z". Hour 24 renders
// as the following midnight so window ends compare exactly.
func CanonicalTime(hour int) string {
	return epochDay.Add(time.Duration(hour) * time.Hour).Format(canonicalLayout)
}

// Label renders hour as "HH:00" for human-readable reasons.
func Label(hour int) string {
	return fmt.Sprintf("%02d:00", hour)
}

// ParseDate validates a YYYY-MM-DD date and returns it normalised.
func ParseDate(s string) (string, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t.Format(DateLayout), nil
}

// NormalizeSlot parses a start/end pair into canonical boundaries.
func NormalizeSlot(start, end string) (string, string, error) {
	w, err := ParseWindow(start, end)
	if err != nil {
		return "", "", err
	}
	if w.End <= w.Start {
		return "", "", fmt.Errorf("%w: end %q is not after start %q", ErrInvalidTime, end, start)
	}
	return CanonicalTime(w.Start), CanonicalTime(w.End), nil
}
