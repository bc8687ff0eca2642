// Package due decides which schedules should be delivered at a given
// instant.
package due

import (
	"fmt"
	"strings"
	"time"

	"remindd/internal/schedule"
)

type Mode int

const (
	// ModeCatchUp fires a schedule at the first evaluation at or after its
	// instant, so a skipped tick only delays a reminder.
	ModeCatchUp Mode = iota
	// ModeExact fires only when the evaluation minute equals the
	// schedule's minute.
	ModeExact
)

func (m Mode) String() string {
	switch m {
	case ModeExact:
		return "exact"
	default:
		return "catch-up"
	}
}

// ParseMode accepts "catch-up" (or "catchup", "") and "exact".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "catch-up", "catchup", "catch_up":
		return ModeCatchUp, nil
	case "exact":
		return ModeExact, nil
	default:
		return ModeCatchUp, fmt.Errorf("unknown match mode %q (want catch-up or exact)", s)
	}
}

// Evaluator is a pure predicate over schedules. The zero value evaluates in
// time.Local with catch-up matching and no grace bound.
type Evaluator struct {
	Location *time.Location
	Mode     Mode
	// Grace, when positive, skips catch-up schedules more than Grace past
	// their instant for this cycle.
	Grace time.Duration
}

func (e Evaluator) loc() *time.Location {
	if e.Location == nil {
		return time.Local
	}
	return e.Location
}

// Due returns the subset of list that is due at now, preserving order.
func (e Evaluator) Due(list []schedule.Schedule, now time.Time) []schedule.Schedule {
	out := make([]schedule.Schedule, 0, len(list))
	for _, s := range list {
		if e.IsDue(s, now) {
			out = append(out, s)
		}
	}
	return out
}

func (e Evaluator) IsDue(s schedule.Schedule, now time.Time) bool {
	if !s.Enabled {
		return false
	}
	now = now.In(e.loc())
	switch t := s.Trigger.(type) {
	case schedule.Recurring:
		return e.recurringDue(t, s.CreatedAt, s.LastSentAt, now)
	case schedule.OneTime:
		return e.oneTimeDue(t, s.LastSentAt, now)
	default:
		return false
	}
}

// recurringDue treats today's slot as missed, not pending, when the
// schedule was created after it.
func (e Evaluator) recurringDue(t schedule.Recurring, created, lastSent, now time.Time) bool {
	if !t.Days.Has(now.Weekday()) {
		return false
	}
	if !lastSent.IsZero() && sameDay(lastSent.In(e.loc()), now) {
		return false
	}
	slot := t.At.On(now, e.loc())
	if !created.IsZero() && slot.Before(created.Truncate(time.Minute)) {
		return false
	}
	if e.Mode == ModeExact {
		return schedule.ClockOf(now) == t.At
	}
	return e.withinWindow(slot, now)
}

func (e Evaluator) oneTimeDue(t schedule.OneTime, lastSent, now time.Time) bool {
	at := t.At.In(e.loc())
	if !lastSent.IsZero() && !lastSent.Before(at) {
		return false
	}
	if e.Mode == ModeExact {
		return sameDay(at, now) && schedule.ClockOf(at) == schedule.ClockOf(now)
	}
	return e.withinWindow(at.Truncate(time.Minute), now)
}

func (e Evaluator) withinWindow(at, now time.Time) bool {
	if at.After(now) {
		return false
	}
	return e.Grace <= 0 || now.Sub(at) <= e.Grace
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
