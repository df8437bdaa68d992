// Package cron implements the scheduler's 5-field cron dialect.
//
// The dialect matches classic cron for minute, hour, day-of-month and month,
// but numbers weekdays 0=Monday .. 6=Sunday (7 is accepted as an alias for
// Monday). This differs from POSIX cron, where 0 is Sunday. Expressions
// already stored by existing deployments use the Monday-based numbering, so
// it must be preserved. Standard cron libraries (gronx, robfig/cron) cannot
// express it, which is why this package exists.
//
// Day-of-month and day-of-week combine with OR when either field is
// restricted; when both are wildcards the calendar fields impose nothing.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxLookahead bounds NextAfter enumeration to roughly 36 months of minutes.
// An expression with no match inside the horizon is treated as dormant by
// the dispatcher.
const maxLookahead = 36 * 31 * 24 * 60

type fieldSpec struct {
	name string
	min  int
	max  int
	span int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59, 60},
	{"hour", 0, 23, 24},
	{"day", 1, 31, 31},
	{"month", 1, 12, 12},
	{"weekday", 0, 6, 7},
}

// Expression is a parsed cron expression.
type Expression struct {
	raw      string
	fields   [5]map[int]bool
	wildcard [5]bool
}

// Parse validates and compiles a 5-field cron expression.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression must contain 5 fields, got %d", len(parts))
	}
	e := &Expression{raw: expr}
	for i, part := range parts {
		values, wildcard, err := expandField(part, fieldSpecs[i])
		if err != nil {
			return nil, err
		}
		e.fields[i] = values
		e.wildcard[i] = wildcard
	}
	return e, nil
}

// String returns the original expression text.
func (e *Expression) String() string { return e.raw }

func expandField(token string, spec fieldSpec) (map[int]bool, bool, error) {
	values := make(map[int]bool)
	wildcard := false
	for _, raw := range strings.Split(token, ",") {
		item := strings.TrimSpace(raw)
		if item == "" {
			item = "*"
		}
		base := item
		step := 1
		if idx := strings.IndexByte(item, '/'); idx >= 0 {
			base = item[:idx]
			if base == "" {
				base = "*"
			}
			n, err := strconv.Atoi(item[idx+1:])
			if err != nil || n <= 0 {
				return nil, false, fmt.Errorf("invalid step for %s: %q", spec.name, item)
			}
			step = n
		}
		expanded, err := expandRange(base, spec)
		if err != nil {
			return nil, false, err
		}
		start := expanded[0]
		for _, v := range expanded {
			if (v-start)%step == 0 {
				values[v] = true
			}
		}
		// A stepped "*/n" restricts the field; only a bare "*" counts as a
		// wildcard for the day-of-month/day-of-week OR rule.
		wildcard = wildcard || item == "*"
	}
	if spec.name == "weekday" && values[7] {
		// 7 is an alias for 0 in this dialect.
		delete(values, 7)
		values[0] = true
	}
	for v := range values {
		if v < spec.min || v > spec.max {
			return nil, false, fmt.Errorf("%s value %d out of range %d-%d", spec.name, v, spec.min, spec.max)
		}
	}
	if len(values) == 0 {
		return nil, false, fmt.Errorf("no values computed for %s", spec.name)
	}
	return values, wildcard || len(values) == spec.span, nil
}

func expandRange(item string, spec fieldSpec) ([]int, error) {
	if item == "*" {
		out := make([]int, 0, spec.max-spec.min+1)
		for v := spec.min; v <= spec.max; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	if n, err := strconv.Atoi(item); err == nil {
		if n < 0 {
			return nil, fmt.Errorf("invalid %s segment: %q", spec.name, item)
		}
		return []int{n}, nil
	}
	if idx := strings.IndexByte(item, '-'); idx > 0 {
		start, err1 := strconv.Atoi(item[:idx])
		end, err2 := strconv.Atoi(item[idx+1:])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid %s segment: %q", spec.name, item)
		}
		if start > end {
			return nil, fmt.Errorf("%s range start greater than end: %q", spec.name, item)
		}
		out := make([]int, 0, end-start+1)
		for v := start; v <= end; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported %s token: %q", spec.name, item)
}

// Matches reports whether the wall-clock minute containing t satisfies the
// expression.
func (e *Expression) Matches(t time.Time) bool {
	if !e.fields[0][t.Minute()] || !e.fields[1][t.Hour()] || !e.fields[3][int(t.Month())] {
		return false
	}
	// Go numbers weekdays 0=Sunday; shift to this dialect's 0=Monday.
	weekday := (int(t.Weekday()) + 6) % 7
	domMatch := e.fields[2][t.Day()]
	dowMatch := e.fields[4][weekday]
	switch {
	case e.wildcard[2] && e.wildcard[4]:
		return true
	case e.wildcard[2]:
		return dowMatch
	case e.wildcard[4]:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// NextAfter returns the smallest whole-minute instant strictly after t that
// satisfies the expression. ok is false when no match exists within the
// lookahead horizon.
func (e *Expression) NextAfter(t time.Time) (next time.Time, ok bool) {
	candidate := t.Truncate(time.Minute)
	for i := 0; i < maxLookahead; i++ {
		candidate = candidate.Add(time.Minute)
		if e.Matches(candidate) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// NextTimes returns the first k fire times strictly after now, fewer when the
// horizon runs out. Used by the preview endpoint.
func (e *Expression) NextTimes(now time.Time, k int) []time.Time {
	out := make([]time.Time, 0, k)
	cursor := now
	for len(out) < k {
		next, ok := e.NextAfter(cursor)
		if !ok {
			break
		}
		out = append(out, next)
		cursor = next
	}
	return out
}
