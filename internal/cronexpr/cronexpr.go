// Package cronexpr parses five-field cron expressions and computes the
// next firing instant after a given time.
//
// Supported field forms: "*", single integers, comma lists, inclusive
// ranges "a-b", and steps "*/n", "a-b/n" and "a/n". Day-of-week accepts
// both 0 and 7 as Sunday. All times are UTC with minute resolution.
package cronexpr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Field indexes reported by InvalidCronError.
const (
	FieldMinute = iota
	FieldHour
	FieldDayOfMonth
	FieldMonth
	FieldDayOfWeek
)

var fieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

var fieldBounds = [5]struct{ min, max int }{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day-of-month
	{1, 12}, // month
	{0, 7},  // day-of-week, 7 normalised to 0
}

// InvalidCronError reports a syntactically invalid or out-of-range
// expression. Field is the zero-based index of the offending field, or -1
// when the expression does not have five fields at all.
type InvalidCronError struct {
	Expr   string
	Field  int
	Reason string
}

func (e *InvalidCronError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("invalid cron expression %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("invalid cron expression %q: %s field: %s", e.Expr, fieldNames[e.Field], e.Reason)
}

// Schedule is a compiled cron expression. Schedules are immutable and safe
// for concurrent use.
type Schedule struct {
	expr string

	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64

	// Whether the day fields were written as "*". Needed for the standard
	// day-of-month/day-of-week OR rule.
	domStar bool
	dowStar bool
}

// nextHorizonYears bounds the forward search in Next. Expressions that are
// syntactically valid but can never match (e.g. "0 0 31 2 *") exhaust the
// horizon and report no next instant.
const nextHorizonYears = 5

// Parsed schedules are cached by raw expression; job catalogs reuse a small
// set of expressions and the scheduler re-parses on every dispatch.
var cache, _ = lru.New[string, *Schedule](256)

// Parse compiles a five-field cron expression.
func Parse(expr string) (*Schedule, error) {
	if s, ok := cache.Get(expr); ok {
		return s, nil
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, &InvalidCronError{Expr: expr, Field: -1,
			Reason: fmt.Sprintf("expected 5 fields, got %d", len(fields))}
	}

	s := &Schedule{expr: expr}
	masks := [5]*uint64{&s.minute, &s.hour, &s.dom, &s.month, &s.dow}
	for i, f := range fields {
		mask, err := parseField(f, i)
		if err != nil {
			err.Expr = expr
			return nil, err
		}
		*masks[i] = mask
	}
	s.domStar = fields[FieldDayOfMonth] == "*" || strings.HasPrefix(fields[FieldDayOfMonth], "*/")
	s.dowStar = fields[FieldDayOfWeek] == "*" || strings.HasPrefix(fields[FieldDayOfWeek], "*/")

	cache.Add(expr, s)
	return s, nil
}

// MustParse is Parse for expressions known to be valid, typically in tests.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }

// parseField compiles one field into a bitmask of permitted values.
func parseField(field string, idx int) (uint64, *InvalidCronError) {
	bounds := fieldBounds[idx]
	var mask uint64

	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, &InvalidCronError{Field: idx, Reason: "empty list element"}
		}

		step := 1
		rangePart := part
		if base, stepStr, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, &InvalidCronError{Field: idx, Reason: fmt.Sprintf("bad step %q", stepStr)}
			}
			step = n
			rangePart = base
		}

		lo, hi := bounds.min, bounds.max
		switch {
		case rangePart == "*":
			// full range
		case strings.Contains(rangePart, "-"):
			loStr, hiStr, _ := strings.Cut(rangePart, "-")
			var err *InvalidCronError
			if lo, err = parseValue(loStr, idx); err != nil {
				return 0, err
			}
			if hi, err = parseValue(hiStr, idx); err != nil {
				return 0, err
			}
			if lo > hi {
				return 0, &InvalidCronError{Field: idx, Reason: fmt.Sprintf("range %d-%d is inverted", lo, hi)}
			}
		default:
			v, err := parseValue(rangePart, idx)
			if err != nil {
				return 0, err
			}
			lo = v
			if step == 1 {
				hi = v
			}
			// "a/n" runs from a to the field maximum, croniter-style.
		}

		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(normalise(v, idx))
		}
	}

	if mask == 0 {
		return 0, &InvalidCronError{Field: idx, Reason: "no values"}
	}
	return mask, nil
}

func parseValue(s string, idx int) (int, *InvalidCronError) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &InvalidCronError{Field: idx, Reason: fmt.Sprintf("not a number: %q", s)}
	}
	b := fieldBounds[idx]
	if v < b.min || v > b.max {
		return 0, &InvalidCronError{Field: idx,
			Reason: fmt.Sprintf("value %d out of range %d-%d", v, b.min, b.max)}
	}
	return v, nil
}

// normalise folds day-of-week 7 onto 0 (both mean Sunday).
func normalise(v, idx int) int {
	if idx == FieldDayOfWeek && v == 7 {
		return 0
	}
	return v
}

// Next returns the smallest instant strictly greater than after, truncated
// to the minute, that matches the schedule. ok is false when no instant
// within the search horizon matches; callers must treat that as "never,
// until the expression or clock changes".
func (s *Schedule) Next(after time.Time) (next time.Time, ok bool) {
	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(nextHorizonYears, 0, 0)

	for t.Before(limit) {
		if s.month&(1<<uint(t.Month())) == 0 {
			// First minute of next month.
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
			continue
		}
		if s.hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
			continue
		}
		if s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// dayMatches applies the standard OR rule: when both day fields are
// restricted, either may match; when one is "*", only the other constrains.
func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom&(1<<uint(t.Day())) != 0
	dowOK := s.dow&(1<<uint(t.Weekday())) != 0

	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}
