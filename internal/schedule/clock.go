package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (a single-digit hour is accepted).
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 {
		return ClockTime{}, fmt.Errorf("%w: invalid time %q, expected HH:MM", ErrInvalid, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 || len(parts[0]) > 2 {
		return ClockTime{}, fmt.Errorf("%w: invalid hour in %q", ErrInvalid, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("%w: invalid minute in %q", ErrInvalid, s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// MustClock is ParseClock for literals; it panics on bad input.
func MustClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ClockTime) Valid() bool {
	return c.Hour >= 0 && c.Hour <= 23 && c.Minute >= 0 && c.Minute <= 59
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// On returns the instant at this clock time on the calendar date of day,
// interpreted in loc.
func (c ClockTime) On(day time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// ClockOf returns the HH:MM of t.
func ClockOf(t time.Time) ClockTime { return ClockTime{Hour: t.Hour(), Minute: t.Minute()} }

func (c ClockTime) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: clock time %d:%d out of range", ErrInvalid, c.Hour, c.Minute)
	}
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// DaySet is a set of weekdays (bit i = time.Weekday(i), Sunday = 0).
type DaySet uint8

const allDays DaySet = 1<<7 - 1

// AllDays is the full week.
func AllDays() DaySet { return allDays }

// NewDaySet builds a set; weekdays outside 0..6 are rejected.
func NewDaySet(days ...time.Weekday) (DaySet, error) {
	var d DaySet
	for _, w := range days {
		if w < time.Sunday || w > time.Saturday {
			return 0, fmt.Errorf("%w: day of week %d out of range 0-6", ErrInvalid, int(w))
		}
		d |= 1 << uint(w)
	}
	return d, nil
}

func (d DaySet) Has(w time.Weekday) bool {
	if w < time.Sunday || w > time.Saturday {
		return false
	}
	return d&(1<<uint(w)) != 0
}

func (d DaySet) Empty() bool { return d&allDays == 0 }

// Days returns the members in ascending order.
func (d DaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for w := time.Sunday; w <= time.Saturday; w++ {
		if d.Has(w) {
			out = append(out, w)
		}
	}
	return out
}

func (d DaySet) MarshalJSON() ([]byte, error) {
	days := d.Days()
	ints := make([]int, len(days))
	for i, w := range days {
		ints[i] = int(w)
	}
	return json.Marshal(ints)
}

func (d *DaySet) UnmarshalJSON(b []byte) error {
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return fmt.Errorf("%w: daysOfWeek must be an array of integers 0-6", ErrInvalid)
	}
	days := make([]time.Weekday, len(ints))
	for i, v := range ints {
		days[i] = time.Weekday(v)
	}
	set, err := NewDaySet(days...)
	if err != nil {
		return err
	}
	*d = set
	return nil
}
