package schedule

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindOneTime   Kind = "one-time"
	KindRecurring Kind = "recurring"
)

// Trigger says when a schedule fires. It is closed over OneTime and
// Recurring.
type Trigger interface {
	Kind() Kind
	validate() error
}

// OneTime fires once at At.
type OneTime struct {
	At time.Time
}

func (OneTime) Kind() Kind { return KindOneTime }

func (t OneTime) validate() error {
	if t.At.IsZero() {
		return fmt.Errorf("%w: oneTimeInstant is required", ErrInvalid)
	}
	return nil
}

// Recurring fires on each day in Days at At (local to the evaluator).
type Recurring struct {
	Days DaySet
	At   ClockTime
}

func (Recurring) Kind() Kind { return KindRecurring }

func (t Recurring) validate() error {
	if t.Days.Empty() {
		return fmt.Errorf("%w: recurringPattern.daysOfWeek must not be empty", ErrInvalid)
	}
	if !t.At.Valid() {
		return fmt.Errorf("%w: recurringPattern.timeOfDay %q is not a valid 24-hour time", ErrInvalid, t.At.String())
	}
	return nil
}
