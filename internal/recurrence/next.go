/**
 * @description
 * This package computes the next occurrence of a recurring allowance order.
 * Everything here is a pure function of its inputs: no clock reads, no I/O.
 *
 * Values handled by Next are naive wall-clock readings. The location attached to
 * the input is ignored and results are returned in time.UTC purely as a carrier for
 * the wall fields. Zone conversion happens at the boundary (see zone.go).
 */
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidKind is returned when an interval kind is not one of the five supported kinds.
var ErrInvalidKind = errors.New("invalid interval kind")

// Kind identifies how often an order recurs.
type Kind string

const (
	KindHourly  Kind = "hourly"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindYearly  Kind = "yearly"
)

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindHourly, KindDaily, KindWeekly, KindMonthly, KindYearly:
		return true
	}
	return false
}

// ParseKind normalizes a user supplied interval name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
	return k, nil
}

const (
	minDayOfMonth = 1
	// Days past the 28th are folded back so every month has the day.
	maxDayOfMonth = 28
)

// Spec holds every parameter that drives the calculation.
// DayOfWeek is used by weekly orders, DayOfMonth by monthly and yearly orders,
// MonthOfYear by yearly orders only.
type Spec struct {
	Kind        Kind
	DayOfWeek   time.Weekday
	DayOfMonth  int
	MonthOfYear int
	TimeOfDay   TimeOfDay
}

// Next returns the first occurrence of spec strictly after from.
func Next(spec Spec, from time.Time) (time.Time, error) {
	from = wall(from)
	y, m, d := from.Date()
	tod := spec.TimeOfDay.clamped()

	switch spec.Kind {
	case KindHourly:
		return from.Truncate(time.Hour).Add(time.Hour), nil

	case KindDaily:
		candidate := at(y, m, d, tod)
		if from.Before(candidate) {
			return candidate, nil
		}
		return candidate.AddDate(0, 0, 1), nil

	case KindWeekly:
		target := normalizeWeekday(spec.DayOfWeek)
		days := (int(target) - int(from.Weekday()) + 7) % 7
		if days == 0 {
			candidate := at(y, m, d, tod)
			if from.Before(candidate) {
				return candidate, nil
			}
			days = 7
		}
		return at(y, m, d+days, tod), nil

	case KindMonthly:
		day := clamp(spec.DayOfMonth, minDayOfMonth, maxDayOfMonth)
		candidate := at(y, m, day, tod)
		if from.Before(candidate) {
			return candidate, nil
		}
		return at(y, m+1, day, tod), nil

	case KindYearly:
		day := clamp(spec.DayOfMonth, minDayOfMonth, maxDayOfMonth)
		month := time.Month(clamp(spec.MonthOfYear, 1, 12))
		candidate := at(y, month, day, tod)
		if from.Before(candidate) {
			return candidate, nil
		}
		return at(y+1, month, day, tod), nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidKind, spec.Kind)
}

// at builds a naive timestamp. time.Date normalizes day and month overflow,
// which is what rolls month 13 into January of the next year.
func at(year int, month time.Month, day int, tod TimeOfDay) time.Time {
	return time.Date(year, month, day, tod.Hour, tod.Minute, 0, 0, time.UTC)
}

// wall drops the location of t while keeping its clock reading.
func wall(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func normalizeWeekday(d time.Weekday) time.Weekday {
	return time.Weekday(((int(d) % 7) + 7) % 7)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
