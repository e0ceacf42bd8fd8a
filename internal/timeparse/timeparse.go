// Package timeparse turns human-entered schedule expressions into absolute
// instants. Parse is pure: it never reads the wall clock, all resolution is
// relative to the caller-supplied reference instant.
package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrBadExpression means the input matched neither grammar.
	ErrBadExpression = errors.New("unrecognized time expression")
	// ErrPast means the expression resolved to an instant at or before the reference.
	ErrPast = errors.New("scheduled time is in the past")
)

var (
	reFullDate = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})[ T](\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	reMonthDay = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2}) (\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	reTimeOnly = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	reRelTerm  = regexp.MustCompile(`^(\d+)\s*(second|minute|hour)s?$`)
)

// Parse resolves expr against ref.
//
// Absolute forms:
//   - "2025-01-15 14:30", "2025/01/15 14:30:45", "2025-01-15T14:30"
//   - "01-15 14:30" (current year, rolled forward a year if already past)
//   - "14:30", "14:30:45" (next occurrence of that time of day after ref)
//
// Relative forms are sums of unit terms ending in "from now":
//   - "30 seconds from now", "2 hours 30 minutes from now"
func Parse(expr string, ref time.Time) (time.Time, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return time.Time{}, ErrBadExpression
	}

	if d, ok, err := parseRelative(s); ok {
		if err != nil {
			return time.Time{}, err
		}
		return ref.Add(d), nil
	}

	if m := reFullDate.FindStringSubmatch(s); m != nil {
		t, err := makeDate(atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), atoi(m[5]), optSec(m[6]), ref.Location())
		if err != nil {
			return time.Time{}, err
		}
		if !t.After(ref) {
			return time.Time{}, ErrPast
		}
		return t, nil
	}

	if m := reMonthDay.FindStringSubmatch(s); m != nil {
		t, err := makeDate(ref.Year(), atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), optSec(m[5]), ref.Location())
		if err != nil {
			return time.Time{}, err
		}
		if !t.After(ref) {
			t = t.AddDate(1, 0, 0)
		}
		return t, nil
	}

	if m := reTimeOnly.FindStringSubmatch(s); m != nil {
		hh, mm, ss := atoi(m[1]), atoi(m[2]), optSec(m[3])
		if hh > 23 || mm > 59 || ss > 59 {
			return time.Time{}, fmt.Errorf("%w: invalid time of day %q", ErrBadExpression, s)
		}
		t := time.Date(ref.Year(), ref.Month(), ref.Day(), hh, mm, ss, 0, ref.Location())
		// Already passed today: next occurrence is tomorrow.
		if !t.After(ref) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrBadExpression, expr)
}

// parseRelative reports (offset, matched, err). matched is true when the
// expression is shaped like a relative one, even if invalid; errors then
// surface instead of falling through to the absolute grammars.
func parseRelative(s string) (time.Duration, bool, error) {
	low := strings.ToLower(s)
	const suffix = "from now"
	if !strings.HasSuffix(low, suffix) {
		return 0, false, nil
	}
	body := strings.TrimSpace(low[:len(low)-len(suffix)])
	if body == "" {
		return 0, true, fmt.Errorf("%w: empty offset", ErrBadExpression)
	}

	// Split "2 hours 30 minutes" into "<N> <unit>" terms.
	fields := strings.Fields(body)
	if len(fields)%2 != 0 {
		return 0, true, fmt.Errorf("%w: %q", ErrBadExpression, s)
	}

	var total time.Duration
	seen := map[string]bool{}
	for i := 0; i < len(fields); i += 2 {
		term := fields[i] + " " + fields[i+1]
		m := reRelTerm.FindStringSubmatch(term)
		if m == nil {
			return 0, true, fmt.Errorf("%w: bad offset term %q", ErrBadExpression, term)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0, true, fmt.Errorf("%w: offset must be a positive integer in %q", ErrBadExpression, term)
		}
		if seen[m[2]] {
			return 0, true, fmt.Errorf("%w: repeated unit %q", ErrBadExpression, m[2])
		}
		seen[m[2]] = true
		switch m[2] {
		case "second":
			total += time.Duration(n) * time.Second
		case "minute":
			total += time.Duration(n) * time.Minute
		case "hour":
			total += time.Duration(n) * time.Hour
		}
	}
	if total <= 0 {
		return 0, true, fmt.Errorf("%w: zero offset", ErrBadExpression)
	}
	return total, true, nil
}

// makeDate builds a timestamp and rejects normalized overflow (e.g. Feb 30).
func makeDate(year, month, day, hh, mm, ss int, loc *time.Location) (time.Time, error) {
	if hh > 23 || mm > 59 || ss > 59 {
		return time.Time{}, fmt.Errorf("%w: invalid time of day", ErrBadExpression)
	}
	t := time.Date(year, time.Month(month), day, hh, mm, ss, 0, loc)
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: invalid calendar date", ErrBadExpression)
	}
	return t, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func optSec(s string) int {
	if s == "" {
		return 0
	}
	return atoi(s)
}

// SupportedFormats returns user-facing help for the accepted expressions.
func SupportedFormats() string {
	return strings.TrimSpace(`
Supported time formats:

Absolute:
- 2025-01-15 14:30  (full date, optional :SS)
- 2025/01/15 14:30
- 01-15 14:30       (this year; next year if already past)
- 14:30             (today; tomorrow if already past)

Relative:
- 30 seconds from now
- 5 minutes 30 seconds from now
- 2 hours 30 minutes from now
`)
}
