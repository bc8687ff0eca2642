// Package compiler turns timetable entries, task due dates and habit
// reminder times into notification schedules. It performs no I/O.
package compiler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"remindd/internal/schedule"
)

type Anchor string

const (
	AnchorBefore Anchor = "before"
	AnchorAfter  Anchor = "after"
)

const maxOffsetMinutes = 24 * 60

// ClassEntry is one weekly timetable slot.
type ClassEntry struct {
	ID                  string `json:"id"`
	DayOfWeek           int    `json:"dayOfWeek"`
	StartTime           string `json:"startTime"`
	EndTime             string `json:"endTime,omitempty"`
	Label               string `json:"label"`
	Tag                 string `json:"tag,omitempty"`
	NotifyOffsetMinutes int    `json:"notifyOffsetMinutes"`
	Anchor              Anchor `json:"anchor"`
}

// TaskReminder asks for a reminder RemindDaysBefore days ahead of DueDate.
type TaskReminder struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Type             string `json:"type,omitempty"` // "exam" or "assignment"
	DueDate          string `json:"dueDate"`        // YYYY-MM-DD or RFC 3339
	RemindDaysBefore int    `json:"remindDaysBefore"`
}

type HabitReminder struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ReminderTime string `json:"reminderTime,omitempty"`
}

// Input groups everything synced for one subscription.
type Input struct {
	Classes []ClassEntry    `json:"classes,omitempty"`
	Tasks   []TaskReminder  `json:"tasks,omitempty"`
	Habits  []HabitReminder `json:"habits,omitempty"`
}

// Result of CompileAll. Skipped holds source ids that legitimately produced
// nothing (past task reminders, habits without a reminder time).
type Result struct {
	Schedules []schedule.Schedule
	Skipped   []string
}

type Compiler struct {
	loc        *time.Location
	now        func() time.Time
	taskRemind schedule.ClockTime
}

type Option func(*Compiler)

func WithLocation(loc *time.Location) Option {
	return func(c *Compiler) {
		if loc != nil {
			c.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Compiler) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTaskReminderTime overrides the 09:00 wall-clock time of task reminders.
func WithTaskReminderTime(at schedule.ClockTime) Option {
	return func(c *Compiler) { c.taskRemind = at }
}

func New(opts ...Option) *Compiler {
	c := &Compiler{loc: time.Local, now: time.Now, taskRemind: schedule.ClockTime{Hour: 9}}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Compiler) Location() *time.Location { return c.loc }

// Class compiles a timetable entry into a weekly recurring schedule.
func (c *Compiler) Class(h schedule.Handle, e ClassEntry) (schedule.Schedule, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return schedule.Schedule{}, invalid("class", "", "id", "required")
	}
	if e.DayOfWeek < 0 || e.DayOfWeek > 6 {
		return schedule.Schedule{}, invalid("class", id, "dayOfWeek", fmt.Sprintf("%d is outside 0-6", e.DayOfWeek))
	}
	if strings.TrimSpace(e.StartTime) == "" {
		return schedule.Schedule{}, invalid("class", id, "startTime", "required")
	}
	start, err := schedule.ParseClock(e.StartTime)
	if err != nil {
		return schedule.Schedule{}, invalid("class", id, "startTime", err.Error())
	}
	if strings.TrimSpace(e.Label) == "" {
		return schedule.Schedule{}, invalid("class", id, "label", "required")
	}
	if e.NotifyOffsetMinutes < 0 || e.NotifyOffsetMinutes > maxOffsetMinutes {
		return schedule.Schedule{}, invalid("class", id, "notifyOffsetMinutes", fmt.Sprintf("%d is outside 0-%d", e.NotifyOffsetMinutes, maxOffsetMinutes))
	}

	var (
		at       schedule.ClockTime
		dayShift int
		verb     string
	)
	switch e.Anchor {
	case AnchorBefore:
		at, dayShift = ShiftClock(start, -e.NotifyOffsetMinutes)
		verb = "starts"
	case AnchorAfter:
		if strings.TrimSpace(e.EndTime) == "" {
			return schedule.Schedule{}, invalid("class", id, "endTime", "required when anchor is after")
		}
		end, err := schedule.ParseClock(e.EndTime)
		if err != nil {
			return schedule.Schedule{}, invalid("class", id, "endTime", err.Error())
		}
		at, dayShift = ShiftClock(end, e.NotifyOffsetMinutes)
		verb = "ends"
	default:
		return schedule.Schedule{}, invalid("class", id, "anchor", fmt.Sprintf("%q must be before or after", e.Anchor))
	}

	day := time.Weekday((e.DayOfWeek + dayShift + 7) % 7)
	days, _ := schedule.NewDaySet(day)

	label := strings.TrimSpace(e.Label)
	subject := label
	if tag := strings.TrimSpace(e.Tag); tag != "" {
		subject += " (" + tag + ")"
	}

	return schedule.Schedule{
		ID:           "class-" + id,
		Subscription: h,
		Title:        "📚 Class Reminder",
		Body:         fmt.Sprintf("%s class %s in %d minutes", subject, verb, e.NotifyOffsetMinutes),
		Trigger:      schedule.Recurring{Days: days, At: at},
		Payload: map[string]any{
			"type":    "class",
			"subject": label,
			"url":     "/attendance/mark?subject=" + url.QueryEscape(label),
		},
		Enabled:   true,
		CreatedAt: c.now(),
	}, nil
}

// ShiftClock moves c by delta minutes with minute borrow/carry into the
// hour and hour wrap into the day. days is -1, 0 or +1 for |delta| <= 24h.
func ShiftClock(c schedule.ClockTime, delta int) (out schedule.ClockTime, days int) {
	h, m := c.Hour, c.Minute+delta
	for m < 0 {
		m += 60
		h--
	}
	for m >= 60 {
		m -= 60
		h++
	}
	for h < 0 {
		h += 24
		days--
	}
	for h >= 24 {
		h -= 24
		days++
	}
	return schedule.ClockTime{Hour: h, Minute: m}, days
}

// Task compiles a task reminder. ok is false, with a nil error, when the
// task asks for no reminder or its reminder instant is not in the future.
func (c *Compiler) Task(h schedule.Handle, t TaskReminder) (s schedule.Schedule, ok bool, err error) {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return schedule.Schedule{}, false, invalid("task", "", "id", "required")
	}
	if t.RemindDaysBefore < 0 {
		return schedule.Schedule{}, false, invalid("task", id, "remindDaysBefore", "must be >= 0")
	}
	if t.RemindDaysBefore == 0 {
		return schedule.Schedule{}, false, nil
	}
	if strings.TrimSpace(t.Title) == "" {
		return schedule.Schedule{}, false, invalid("task", id, "title", "required")
	}
	due, err := c.parseDate(t.DueDate)
	if err != nil {
		return schedule.Schedule{}, false, invalid("task", id, "dueDate", err.Error())
	}

	remindDay := due.AddDate(0, 0, -t.RemindDaysBefore)
	instant := c.taskRemind.On(remindDay, c.loc)
	now := c.now()
	if !instant.After(now) {
		return schedule.Schedule{}, false, nil
	}

	title := "📄 Assignment Reminder"
	if strings.EqualFold(strings.TrimSpace(t.Type), "exam") {
		title = "📝 Exam Reminder"
	}
	return schedule.Schedule{
		ID:           "task-" + id,
		Subscription: h,
		Title:        title,
		Body:         fmt.Sprintf("%s is due in %d days! (%s)", strings.TrimSpace(t.Title), t.RemindDaysBefore, due.Format("2006-01-02")),
		Trigger:      schedule.OneTime{At: instant},
		Payload: map[string]any{
			"type":   "task",
			"taskId": id,
			"url":    "/?page=exams",
		},
		Enabled:   true,
		CreatedAt: now,
	}, true, nil
}

func (c *Compiler) parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("required")
	}
	if d, err := time.ParseInLocation("2006-01-02", raw, c.loc); err == nil {
		return d, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.In(c.loc), nil
	}
	return time.Time{}, fmt.Errorf("%q is not a date (YYYY-MM-DD or RFC 3339)", raw)
}

// Habit compiles a daily habit reminder. ok is false when no reminder time
// is configured.
func (c *Compiler) Habit(h schedule.Handle, r HabitReminder) (s schedule.Schedule, ok bool, err error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return schedule.Schedule{}, false, invalid("habit", "", "id", "required")
	}
	if strings.TrimSpace(r.ReminderTime) == "" {
		return schedule.Schedule{}, false, nil
	}
	at, err := schedule.ParseClock(r.ReminderTime)
	if err != nil {
		return schedule.Schedule{}, false, invalid("habit", id, "reminderTime", err.Error())
	}
	if strings.TrimSpace(r.Name) == "" {
		return schedule.Schedule{}, false, invalid("habit", id, "name", "required")
	}
	return schedule.Schedule{
		ID:           "habit-" + id,
		Subscription: h,
		Title:        "🎯 Habit Reminder",
		Body:         "Time to complete: " + strings.TrimSpace(r.Name),
		Trigger:      schedule.Recurring{Days: schedule.AllDays(), At: at},
		Payload: map[string]any{
			"type":    "habit",
			"habitId": id,
			"url":     "/?page=habits",
		},
		Enabled:   true,
		CreatedAt: c.now(),
	}, true, nil
}

// CompileAll compiles every entity for one subscription. If any entity is
// invalid it returns all validation errors joined and no schedules.
func (c *Compiler) CompileAll(h schedule.Handle, in Input) (Result, error) {
	if h.IsZero() {
		return Result{}, invalid("subscription", "", "", "required")
	}
	var (
		res  Result
		errs []error
	)
	for _, e := range in.Classes {
		s, err := c.Class(h, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.Schedules = append(res.Schedules, s)
	}
	for _, t := range in.Tasks {
		s, ok, err := c.Task(h, t)
		switch {
		case err != nil:
			errs = append(errs, err)
		case ok:
			res.Schedules = append(res.Schedules, s)
		default:
			res.Skipped = append(res.Skipped, "task-"+strings.TrimSpace(t.ID))
		}
	}
	for _, r := range in.Habits {
		s, ok, err := c.Habit(h, r)
		switch {
		case err != nil:
			errs = append(errs, err)
		case ok:
			res.Schedules = append(res.Schedules, s)
		default:
			res.Skipped = append(res.Skipped, "habit-"+strings.TrimSpace(r.ID))
		}
	}
	if len(errs) > 0 {
		return Result{}, errors.Join(errs...)
	}
	return res, nil
}
