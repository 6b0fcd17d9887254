package reminder

import (
	"errors"
	"time"
)

// ErrNoRecurrence is returned when asking for the next occurrence of a
// one-shot reminder.
var ErrNoRecurrence = errors.New("reminder does not recur")

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Calendar computes recurrence slots. Monthly recurrence is evaluated in
// Location (UTC when nil); daily and weekly are fixed periods.
type Calendar struct {
	Location *time.Location
}

// NextDueAt returns the first occurrence of r strictly after now, advancing
// from current. Missed periods are skipped, never replayed.
//
// anchor is the first occurrence of the series (CreatedAt + OriginalDelay);
// monthly recurrence keeps its day-of-month, clamped to the last day of
// shorter months. A zero anchor uses current.
func (c Calendar) NextDueAt(current time.Time, r Recurrence, anchor, now time.Time) (time.Time, error) {
	if current.IsZero() {
		return time.Time{}, errors.New("current due time is zero")
	}
	switch r {
	case RecurDaily:
		return advanceFixed(current, day, now), nil
	case RecurWeekly:
		return advanceFixed(current, week, now), nil
	case RecurMonthly:
		return c.advanceMonthly(current, anchor, now), nil
	default:
		return time.Time{}, ErrNoRecurrence
	}
}

// NextDueAt is Calendar{}.NextDueAt (UTC calendar).
func NextDueAt(current time.Time, r Recurrence, anchor, now time.Time) (time.Time, error) {
	return Calendar{}.NextDueAt(current, r, anchor, now)
}

func advanceFixed(current time.Time, period time.Duration, now time.Time) time.Time {
	next := current.Add(period)
	if next.After(now) {
		return next
	}
	// Jump straight to the first slot after now.
	k := now.Sub(current)/period + 1
	next = current.Add(k * period)
	for !next.After(now) {
		next = next.Add(period)
	}
	return next
}

func (c Calendar) advanceMonthly(current, anchor, now time.Time) time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	cur := current.In(loc)
	anchorDay := cur.Day()
	if !anchor.IsZero() {
		anchorDay = anchor.In(loc).Day()
	}
	y, m := cur.Year(), cur.Month()
	h, mi, s := cur.Clock()
	ns := cur.Nanosecond()
	for {
		m++
		if m > time.December {
			m = time.January
			y++
		}
		d := anchorDay
		if last := daysIn(y, m, loc); d > last {
			d = last
		}
		next := time.Date(y, m, d, h, mi, s, ns, loc)
		if next.After(now) {
			return next
		}
	}
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	// Day 0 of the following month is the last day of m.
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}

// FirstDueAt is the first occurrence of the record's series.
func (r Record) FirstDueAt() time.Time {
	return r.CreatedAt.Add(r.OriginalDelay)
}

// Next returns the record's next occurrence after now using cal.
func (r Record) Next(cal Calendar, now time.Time) (time.Time, error) {
	return cal.NextDueAt(r.DueAt, r.Recurrence, r.FirstDueAt(), now)
}
