package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
)

// TimeOfDay is a wall-clock hour and minute. Seconds are not modelled.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var reTimeOfDay = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := reTimeOfDay.FindStringSubmatch(raw)
	if len(m) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (use HH:MM)", raw)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	t := TimeOfDay{Hour: hh, Minute: mm}
	if !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (hour 0-23, minute 0-59)", raw)
	}
	return t, nil
}

// Valid reports whether the hour and minute are in range.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalText encodes the value as "HH:MM", which also drives JSON encoding.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TimeOfDay) clamped() TimeOfDay {
	return TimeOfDay{Hour: clamp(t.Hour, 0, 23), Minute: clamp(t.Minute, 0, 59)}
}
