// Package cron computes fire times for 5-field cron expressions
// (minute hour day-of-month month day-of-week) where each field is either
// "*" or a comma-separated list of numbers.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidCron means the expression does not parse.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrNoNextRun means no matching instant exists within the search
	// horizon.
	ErrNoNextRun = errors.New("no next run within a year")
)

const numFields = 5

// maxIterations bounds the minute-by-minute search to a little over a year.
const maxIterations = 366 * 24 * 60

type expression struct {
	minutes fieldSet
	hours   fieldSet
	doms    fieldSet
	months  fieldSet
	dows    fieldSet
}

// fieldSet is nil for "*" (matches everything).
type fieldSet map[int]struct{}

func (f fieldSet) matches(n int) bool {
	if f == nil {
		return true
	}
	_, ok := f[n]
	return ok
}

func parse(expr string) (*expression, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != numFields {
		return nil, fmt.Errorf("%w: %q has %d fields, want %d", ErrInvalidCron, expr, len(parts), numFields)
	}

	minutes, err := parseField(parts[0], 0, 59)
	if err != nil {
		return nil, err
	}
	hours, err := parseField(parts[1], 0, 23)
	if err != nil {
		return nil, err
	}
	doms, err := parseField(parts[2], 1, 31)
	if err != nil {
		return nil, err
	}
	months, err := parseField(parts[3], 1, 12)
	if err != nil {
		return nil, err
	}
	dows, err := parseField(parts[4], 0, 6)
	if err != nil {
		return nil, err
	}

	return &expression{minutes: minutes, hours: hours, doms: doms, months: months, dows: dows}, nil
}

func parseField(field string, min, max int) (fieldSet, error) {
	if field == "*" {
		return nil, nil
	}
	set := make(fieldSet)
	for _, s := range strings.Split(field, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n < min || n > max {
			return nil, fmt.Errorf("%w: bad field %q", ErrInvalidCron, field)
		}
		set[n] = struct{}{}
	}
	return set, nil
}

// NextRun returns the first instant strictly after from that matches the
// expression, at minute granularity. All listed fields must match; the
// search gives up after a year.
func NextRun(expr string, from time.Time) (time.Time, error) {
	parsed, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}

	t := from.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxIterations; i++ {
		if parsed.months.matches(int(t.Month())) &&
			parsed.doms.matches(t.Day()) &&
			parsed.dows.matches(int(t.Weekday())) &&
			parsed.hours.matches(t.Hour()) &&
			parsed.minutes.matches(t.Minute()) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("cron %q from %s: %w", expr, from, ErrNoNextRun)
}

// ClampToWindow pushes t into the schedule's execution window ("HH:MM",
// inclusive on both ends). An instant already inside a same-day window is
// returned unchanged; an instant before the window opens moves to the
// window start; anything else moves to the window start on the following
// day. Windows that wrap midnight always take the following-day branch,
// matching the historical behavior schedules were built against. Empty or
// unparseable bounds leave t alone.
func ClampToWindow(t time.Time, windowStart, windowEnd string) time.Time {
	if windowStart == "" || windowEnd == "" {
		return t
	}
	startH, startM, err := parseClock(windowStart)
	if err != nil {
		return t
	}
	endH, endM, err := parseClock(windowEnd)
	if err != nil {
		return t
	}

	startMins := startH*60 + startM
	endMins := endH*60 + endM
	tMins := t.Hour()*60 + t.Minute()

	if startMins <= endMins {
		if tMins >= startMins && tMins <= endMins {
			return t
		}
		if tMins < startMins {
			return time.Date(t.Year(), t.Month(), t.Day(), startH, startM, 0, 0, t.Location())
		}
	}
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), startH, startM, 0, 0, t.Location())
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	return hour, minute, nil
}
