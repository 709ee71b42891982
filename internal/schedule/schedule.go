// Package schedule computes next-occurrence instants for recipient-local
// wall-clock send times. All functions are pure: they take a now instant and
// a fixed timezone offset in minutes and return a UTC instant. Offsets may be
// negative or exceed a day.
package schedule

import (
	"time"

	"stillpoint/internal/types"
)

const day = 24 * time.Hour

// NextDailyLocal returns the next UTC instant strictly after now at which a
// clock offset from UTC by offsetMinutes reads hour:minute. If today's
// candidate has already passed in local time, it rolls forward exactly one
// day.
func NextDailyLocal(now time.Time, offsetMinutes, hour, minute int) time.Time {
	offset := time.Duration(offsetMinutes) * time.Minute
	localNow := now.UTC().Add(offset)
	cand := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), hour, minute, 0, 0, time.UTC)
	if !cand.After(localNow) {
		cand = cand.Add(day)
	}
	return cand.Add(-offset)
}

// NextEveryNDaysLocal returns the next daily instant plus (n-1) whole days.
// The interval anchors to now rather than to a fixed series epoch, so
// changing n mid-series shifts future occurrences relative to the original
// start. Values of n below 1 are treated as 1.
func NextEveryNDaysLocal(now time.Time, offsetMinutes, hour, minute, n int) time.Time {
	if n < 1 {
		n = 1
	}
	return NextDailyLocal(now, offsetMinutes, hour, minute).Add(time.Duration(n-1) * day)
}

// NextWeekdaysLocal returns the earliest instant after now at hour:minute
// local whose local weekday (0=Sun..6=Sat) is in weekdays. The search is
// bounded to seven days forward. An empty set falls back to the plain daily
// calculation.
func NextWeekdaysLocal(now time.Time, offsetMinutes, hour, minute int, weekdays []int) time.Time {
	if len(weekdays) == 0 {
		return NextDailyLocal(now, offsetMinutes, hour, minute)
	}
	allowed := make(map[int]bool, len(weekdays))
	for _, d := range weekdays {
		allowed[d] = true
	}
	offset := time.Duration(offsetMinutes) * time.Minute
	cand := NextDailyLocal(now, offsetMinutes, hour, minute)
	for i := 0; i < 7; i++ {
		if allowed[int(cand.Add(offset).Weekday())] {
			return cand
		}
		cand = cand.Add(day)
	}
	return cand
}

// Next resolves a recurrence descriptor to its next occurrence after now.
func Next(now time.Time, r types.Recurrence) time.Time {
	switch r.Kind {
	case types.RecurEveryNDays:
		return NextEveryNDaysLocal(now, r.TimezoneOffsetMinutes, r.Hour, r.Minute, r.IntervalDays)
	case types.RecurWeekdays:
		return NextWeekdaysLocal(now, r.TimezoneOffsetMinutes, r.Hour, r.Minute, r.Weekdays)
	default:
		return NextDailyLocal(now, r.TimezoneOffsetMinutes, r.Hour, r.Minute)
	}
}
