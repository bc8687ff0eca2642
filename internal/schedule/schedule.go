package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid schedule")

// Schedule is one notification: who to send to, what, and when.
type Schedule struct {
	ID           string
	Subscription Handle
	Title        string
	Body         string
	Trigger      Trigger
	Payload      map[string]any
	Enabled      bool
	CreatedAt    time.Time
	// LastSentAt is zero until the first successful delivery.
	LastSentAt time.Time
}

// Kind reports the trigger variant, or "" when no trigger is set.
func (s Schedule) Kind() Kind {
	if s.Trigger == nil {
		return ""
	}
	return s.Trigger.Kind()
}

func (s Schedule) Sent() bool { return !s.LastSentAt.IsZero() }

// Validate checks the record invariants.
func (s Schedule) Validate() error {
	var errs []error
	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, fmt.Errorf("%w: id is required", ErrInvalid))
	}
	if s.Subscription.IsZero() {
		errs = append(errs, fmt.Errorf("%w: subscription is required", ErrInvalid))
	}
	if strings.TrimSpace(s.Title) == "" {
		errs = append(errs, fmt.Errorf("%w: title is required", ErrInvalid))
	}
	if strings.TrimSpace(s.Body) == "" {
		errs = append(errs, fmt.Errorf("%w: body is required", ErrInvalid))
	}
	if s.Trigger == nil {
		errs = append(errs, fmt.Errorf("%w: kind must be %q or %q", ErrInvalid, KindOneTime, KindRecurring))
	} else if err := s.Trigger.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Clone returns a copy that shares no mutable state with s.
func (s Schedule) Clone() Schedule {
	out := s
	if s.Payload != nil {
		out.Payload = maps.Clone(s.Payload)
	}
	return out
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title      *string
	Body       *string
	Trigger    Trigger
	Payload    map[string]any
	Enabled    *bool
	LastSentAt *time.Time
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Body == nil && p.Trigger == nil && p.Payload == nil && p.Enabled == nil && p.LastSentAt == nil
}

// Apply merges p into s and returns the result.
func (p Patch) Apply(s Schedule) Schedule {
	out := s.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Body != nil {
		out.Body = *p.Body
	}
	if p.Trigger != nil {
		out.Trigger = p.Trigger
	}
	if p.Payload != nil {
		out.Payload = maps.Clone(p.Payload)
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.LastSentAt != nil {
		out.LastSentAt = *p.LastSentAt
	}
	return out
}

type wirePattern struct {
	DaysOfWeek DaySet    `json:"daysOfWeek"`
	TimeOfDay  ClockTime `json:"timeOfDay"`
}

type wireSchedule struct {
	ID               string         `json:"id"`
	Subscription     Handle         `json:"subscription"`
	Kind             Kind           `json:"kind"`
	Type             Kind           `json:"type,omitempty"`
	Title            string         `json:"title"`
	Body             string         `json:"body"`
	OneTimeInstant   *time.Time     `json:"oneTimeInstant,omitempty"`
	RecurringPattern *wirePattern   `json:"recurringPattern,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Enabled          *bool          `json:"enabled,omitempty"`
	CreatedAt        *time.Time     `json:"createdAt,omitempty"`
	LastSentAt       *time.Time     `json:"lastSentAt,omitempty"`
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	enabled := s.Enabled
	w := wireSchedule{
		ID:           s.ID,
		Subscription: s.Subscription,
		Kind:         s.Kind(),
		Title:        s.Title,
		Body:         s.Body,
		Data:         s.Payload,
		Enabled:      &enabled,
	}
	switch t := s.Trigger.(type) {
	case OneTime:
		at := t.At
		w.OneTimeInstant = &at
	case Recurring:
		w.RecurringPattern = &wirePattern{DaysOfWeek: t.Days, TimeOfDay: t.At}
	}
	if !s.CreatedAt.IsZero() {
		c := s.CreatedAt
		w.CreatedAt = &c
	}
	if !s.LastSentAt.IsZero() {
		l := s.LastSentAt
		w.LastSentAt = &l
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the wire shape and enforces that exactly one of
// oneTimeInstant and recurringPattern is present, matching kind. A missing
// "enabled" decodes as true.
func (s *Schedule) UnmarshalJSON(b []byte) error {
	var w wireSchedule
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	kind := w.Kind
	if kind == "" {
		kind = w.Type
	}

	var trig Trigger
	switch {
	case w.OneTimeInstant != nil && w.RecurringPattern != nil:
		return fmt.Errorf("%w: oneTimeInstant and recurringPattern are mutually exclusive", ErrInvalid)
	case w.OneTimeInstant != nil:
		trig = OneTime{At: *w.OneTimeInstant}
	case w.RecurringPattern != nil:
		trig = Recurring{Days: w.RecurringPattern.DaysOfWeek, At: w.RecurringPattern.TimeOfDay}
	}
	switch kind {
	case KindOneTime, KindRecurring:
		if trig == nil {
			if kind == KindOneTime {
				return fmt.Errorf("%w: oneTimeInstant is required for one-time schedules", ErrInvalid)
			}
			return fmt.Errorf("%w: recurringPattern is required for recurring schedules", ErrInvalid)
		}
		if trig.Kind() != kind {
			return fmt.Errorf("%w: kind %q does not match the trigger fields", ErrInvalid, kind)
		}
	case "":
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}

	out := Schedule{
		ID:           strings.TrimSpace(w.ID),
		Subscription: w.Subscription,
		Title:        w.Title,
		Body:         w.Body,
		Trigger:      trig,
		Payload:      w.Data,
		Enabled:      w.Enabled == nil || *w.Enabled,
	}
	if w.CreatedAt != nil {
		out.CreatedAt = *w.CreatedAt
	}
	if w.LastSentAt != nil {
		out.LastSentAt = *w.LastSentAt
	}
	*s = out
	return nil
}
