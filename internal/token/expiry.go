package token

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/example/filevault/internal/apperr"
)

// maxCalendarOffset bounds the count in a day, week, month or year term.
// Anything larger lands past year 9999 anyway.
const maxCalendarOffset = 1_000_000

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseExpiry resolves an expiry expression to a concrete time. Accepted forms:
//
//	1767225600              unix seconds
//	2026-01-01T00:00:00Z    RFC3339 and a few common date layouts (UTC)
//	15m, 1h30m              Go durations, relative to now
//	+5 minutes, 2 days      relative phrases, optionally ending in "ago"
//	now, today, tomorrow, yesterday
func ParseExpiry(expr string, now time.Time) (time.Time, error) {
	const op = "token.parse_expiry"

	s := strings.TrimSpace(expr)
	if s == "" {
		return time.Time{}, apperr.WithOp(apperr.ErrInvalidExpiry, op)
	}

	if isDigits(s) {
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ts <= 0 || !inRange(time.Unix(ts, 0)) {
			return time.Time{}, apperr.WithOp(apperr.ErrInvalidExpiry, op)
		}
		return time.Unix(ts, 0), nil
	}

	switch strings.ToLower(s) {
	case "now":
		return now, nil
	case "today", "midnight":
		return midnight(now), nil
	case "tomorrow":
		return midnight(now).AddDate(0, 0, 1), nil
	case "yesterday":
		return midnight(now).AddDate(0, 0, -1), nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}

	if d, err := time.ParseDuration(strings.TrimPrefix(s, "+")); err == nil {
		return now.Add(d), nil
	}

	if t, ok := parseRelative(s, now); ok && inRange(t) {
		return t, nil
	}
	return time.Time{}, apperr.WithOp(apperr.ErrInvalidExpiry, op)
}

// parseRelative handles "<[+-]n> <unit>" pairs, e.g. "+1 day 2 hours" or
// "3 weeks ago".
func parseRelative(s string, now time.Time) (time.Time, bool) {
	fields := strings.Fields(strings.ToLower(s))
	sign := 1
	if n := len(fields); n > 0 && fields[n-1] == "ago" {
		sign = -1
		fields = fields[:n-1]
	}
	if len(fields) == 0 {
		return time.Time{}, false
	}

	t := now
	for len(fields) > 0 {
		numStr, unit := fields[0], ""
		// Accept "+5minutes" as well as "+5 minutes".
		if i := strings.IndexFunc(strings.TrimLeft(numStr, "+-"), isLetter); i >= 0 {
			cut := len(numStr) - len(strings.TrimLeft(numStr, "+-")) + i
			numStr, unit = numStr[:cut], numStr[cut:]
			fields = fields[1:]
		} else {
			if len(fields) < 2 {
				return time.Time{}, false
			}
			unit = fields[1]
			fields = fields[2:]
		}

		n, err := strconv.Atoi(strings.TrimPrefix(numStr, "+"))
		if err != nil {
			return time.Time{}, false
		}
		n *= sign

		unit = strings.TrimSuffix(unit, "s")
		if d, isClock := clockUnits[unit]; isClock {
			next, ok := addClock(t, n, d)
			if !ok {
				return time.Time{}, false
			}
			t = next
			continue
		}
		if n > maxCalendarOffset || n < -maxCalendarOffset {
			return time.Time{}, false
		}
		switch unit {
		case "day":
			t = t.AddDate(0, 0, n)
		case "week":
			t = t.AddDate(0, 0, 7*n)
		case "fortnight":
			t = t.AddDate(0, 0, 14*n)
		case "month":
			t = t.AddDate(0, n, 0)
		case "year":
			t = t.AddDate(n, 0, 0)
		default:
			return time.Time{}, false
		}
	}
	return t, true
}

var clockUnits = map[string]time.Duration{
	"sec":    time.Second,
	"second": time.Second,
	"min":    time.Minute,
	"minute": time.Minute,
	"hour":   time.Hour,
}

// addClock adds n units to t, failing instead of wrapping when n units do not
// fit in a time.Duration.
func addClock(t time.Time, n int, unit time.Duration) (time.Time, bool) {
	limit := int64(math.MaxInt64 / unit)
	if int64(n) > limit || int64(n) < -limit {
		return time.Time{}, false
	}
	return t.Add(time.Duration(n) * unit), true
}

// inRange reports whether t has a four digit year.
func inRange(t time.Time) bool {
	y := t.Year()
	return y >= 1 && y <= 9999
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
