// Package dateparse turns the date shorthands accepted on the command line
// into ISO 8601 dates (YYYY-MM-DD) and lookback cutoffs.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const layout = "2006-01-02"

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseDate parses a date relative to the current time.
func ParseDate(input string) (string, error) {
	return ParseDateFrom(input, time.Now())
}

// ParseDateFrom parses a date input relative to now.
//
// Supported formats:
//   - Exact dates: "2026-03-01"
//   - Keywords: "today", "yesterday", "tomorrow"
//   - Offsets: "-3d", "+2w", "-1m" (days, weeks, months)
//   - Day names: "monday" is the most recent Monday, today included
func ParseDateFrom(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return "", fmt.Errorf("empty date input")
	}
	if t, err := time.Parse(layout, input); err == nil {
		return t.Format(layout), nil
	}

	switch input {
	case "today":
		return now.Format(layout), nil
	case "yesterday":
		return now.AddDate(0, 0, -1).Format(layout), nil
	case "tomorrow":
		return now.AddDate(0, 0, 1).Format(layout), nil
	}

	if input[0] == '+' || input[0] == '-' {
		t, err := offset(input, now)
		if err != nil {
			return "", err
		}
		return t.Format(layout), nil
	}

	if target, ok := weekdays[input]; ok {
		back := (int(now.Weekday()) - int(target) + 7) % 7
		return now.AddDate(0, 0, -back).Format(layout), nil
	}
	return "", fmt.Errorf("unrecognized date format: %q", input)
}

// offset applies a signed "Nd", "Nw" or "Nm" to now.
func offset(input string, now time.Time) (time.Time, error) {
	sign := 1
	if input[0] == '-' {
		sign = -1
	}
	body := input[1:]
	if len(body) < 2 {
		return time.Time{}, fmt.Errorf("invalid offset %q", input)
	}
	n, err := strconv.Atoi(body[:len(body)-1])
	if err != nil || n < 0 {
		return time.Time{}, fmt.Errorf("invalid offset %q", input)
	}
	n *= sign
	switch body[len(body)-1] {
	case 'd':
		return now.AddDate(0, 0, n), nil
	case 'w':
		return now.AddDate(0, 0, 7*n), nil
	case 'm':
		return now.AddDate(0, n, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown unit %q in %q (use d, w or m)", body[len(body)-1:], input)
	}
}

// ParseSince resolves a lookback expression to a cutoff time. It accepts
// Go durations ("90m", "24h"), day and week counts ("3d", "2w"), RFC 3339
// timestamps and anything ParseDateFrom accepts, which resolves to the start
// of that day.
func ParseSince(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, fmt.Errorf("empty since input")
	}
	if d, err := time.ParseDuration(input); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t, nil
	}
	lower := strings.ToLower(input)
	if last := lower[len(lower)-1]; last == 'd' || last == 'w' {
		if _, err := strconv.Atoi(lower[:len(lower)-1]); err == nil {
			return offset("-"+lower, now)
		}
	}
	day, err := ParseDateFrom(lower, now)
	if err != nil {
		return time.Time{}, err
	}
	t, _ := time.ParseInLocation(layout, day, now.Location())
	return t, nil
}
