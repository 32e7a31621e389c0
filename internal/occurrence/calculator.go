// Package occurrence computes the next local-time occurrence of a
// recurring annual date and converts it to a UTC dispatch instant.
//
// Policies, fixed and tested rather than left to the platform:
//
//   - Feb-29 in a non-leap year falls back to Feb-28.
//   - A local time erased by a DST spring-forward gap resolves to the
//     first valid instant after the gap.
//   - A local time repeated by a DST fall-back fold resolves to the
//     earlier of the two UTC instants.
package occurrence

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidDate = errors.New("invalid recurring date")

// Occurrence is one resolved calendar-year instance of a recurring date.
type Occurrence struct {
	// At is the dispatch instant, UTC.
	At time.Time
	// Date is the local calendar date the occurrence refers to
	// (midnight UTC; Feb-29 fallback already applied).
	Date time.Time
}

// Next returns the occurrence with the smallest UTC instant at or after
// ref whose wall-clock time in tz reads (hour:00, month, day) for the
// nearest current or future year. Pure and deterministic.
func Next(month time.Month, day int, tz string, hour int, ref time.Time) (Occurrence, error) {
	if err := ValidateDate(month, day); err != nil {
		return Occurrence{}, err
	}
	if hour < 0 || hour > 23 {
		return Occurrence{}, fmt.Errorf("%w: hour %d out of range", ErrInvalidDate, hour)
	}

	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Occurrence{}, fmt.Errorf("load tz %s: %w", tz, err)
	}

	year := ref.In(loc).Year()
	for y := year; y <= year+1; y++ {
		t := localInstant(y, month, day, hour, loc)
		if !t.Before(ref) {
			d := ClampDay(y, month, day)
			return Occurrence{
				At:   t.UTC(),
				Date: time.Date(y, month, d, 0, 0, 0, 0, time.UTC),
			}, nil
		}
	}

	// Unreachable: the y+1 candidate is always in the future.
	return Occurrence{}, fmt.Errorf("no occurrence found for %02d-%02d after %s", month, day, ref.Format(time.RFC3339))
}

// ValidateDate checks that (month, day) names a real recurring date.
// Feb-29 is valid; it clamps to Feb-28 in non-leap years.
func ValidateDate(month time.Month, day int) error {
	if month < time.January || month > time.December {
		return fmt.Errorf("%w: month %d", ErrInvalidDate, month)
	}
	if day < 1 || day > daysIn(month) {
		return fmt.Errorf("%w: %s %d", ErrInvalidDate, month, day)
	}
	return nil
}

// ClampDay applies the Feb-29 fallback for a concrete year.
func ClampDay(year int, month time.Month, day int) int {
	if month == time.February && day == 29 && !isLeap(year) {
		return 28
	}
	return day
}

// localInstant resolves (hour:00 on year-month-day in loc) to a single
// instant, applying the gap and fold policies.
func localInstant(year int, month time.Month, day, hour int, loc *time.Location) time.Time {
	day = ClampDay(year, month, day)

	t := time.Date(year, month, day, hour, 0, 0, 0, loc)
	if t.Hour() != hour || t.Day() != day {
		// The wall time does not exist (spring-forward gap, or a
		// calendar day skipped by an offset change). time.Date picks an
		// arbitrary side of the transition; resolve it ourselves.
		return afterGap(t, year, month, day, hour)
	}

	// The wall time exists. If a fall-back fold makes it exist twice,
	// the two instants differ by the zone shift; prefer the earlier.
	for _, shift := range []time.Duration{time.Hour, 30 * time.Minute} {
		u := t.Add(-shift)
		if sameWall(u, loc, year, month, day, hour) {
			return u
		}
	}
	return t
}

// afterGap maps an erased wall time to the transition instant ending
// the gap: the first valid local instant after the erased span. t is
// time.Date's resolution of the nonexistent wall time, which may sit on
// either side of the transition (for America/New_York 2025-03-09 02:00
// it yields 01:00 EST, the pre-gap side).
func afterGap(t time.Time, year int, month time.Month, day, hour int) time.Time {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	target := time.Date(year, month, day, hour, 0, 0, 0, time.UTC)

	if wall.Before(target) {
		// Pre-gap side: the transition is ahead of t.
		return transitionAfter(t)
	}
	// Post-gap side: the transition is behind (or at) t.
	return transitionBefore(t)
}

// transitionAfter returns the first instant after t whose zone offset
// differs from t's. Returns t unchanged if no transition is found
// within a week (not a gap we can resolve).
func transitionAfter(t time.Time) time.Time {
	_, off := t.Zone()
	hi := t
	for i := 0; i < 14; i++ {
		hi = hi.Add(12 * time.Hour)
		if _, o := hi.Zone(); o != off {
			return offsetBoundary(t, hi)
		}
	}
	return t
}

// transitionBefore returns the first instant at or before t carrying
// t's zone offset, scanning back across the most recent transition.
func transitionBefore(t time.Time) time.Time {
	_, off := t.Zone()
	lo := t
	for i := 0; i < 14; i++ {
		lo = lo.Add(-12 * time.Hour)
		if _, o := lo.Zone(); o != off {
			return offsetBoundary(lo, t)
		}
	}
	return t
}

// offsetBoundary binary-searches (lo, hi] for the earliest instant
// whose zone offset equals hi's. lo and hi must straddle exactly one
// transition.
func offsetBoundary(lo, hi time.Time) time.Time {
	_, loOff := lo.Zone()
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, o := mid.Zone(); o == loOff {
			lo = mid
		} else {
			hi = mid
		}
	}
	// Zone transitions land on whole seconds.
	return hi.Truncate(time.Second)
}

func sameWall(t time.Time, loc *time.Location, year int, month time.Month, day, hour int) bool {
	lt := t.In(loc)
	return lt.Year() == year && lt.Month() == month && lt.Day() == day &&
		lt.Hour() == hour && lt.Minute() == 0
}

func daysIn(month time.Month) int {
	switch month {
	case time.February:
		return 29
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
