package delayed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindd/internal/dispatch"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

// Registration is one message handed to the publisher.
type Registration struct {
	ScheduleID string    `json:"scheduleId"`
	MessageID  string    `json:"messageId"`
	Tag        string    `json:"tag"`
	At         time.Time `json:"at"`
}

type Config struct {
	// HorizonWeeks is how far ahead recurring schedules are registered.
	HorizonWeeks int
	Location     *time.Location
	Icon         string
	Badge        string
}

// Adapter turns schedules into delayed messages and keeps local
// bookkeeping of what was registered. The bookkeeping is process-local.
type Adapter struct {
	pub Publisher
	cfg Config
	log logx.Logger
	now func() time.Time

	mu  sync.Mutex
	reg map[string][]Registration
}

// NewAdapter accepts a nil publisher; every registration then fails with
// ErrDisabled.
func NewAdapter(pub Publisher, cfg Config, log logx.Logger) *Adapter {
	if cfg.HorizonWeeks <= 0 {
		cfg.HorizonWeeks = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{pub: pub, cfg: cfg, log: log, now: time.Now, reg: map[string][]Registration{}}
}

func (a *Adapter) Enabled() bool { return a != nil && a.pub != nil }

// Register picks RegisterOneTime or RegisterRecurring by trigger kind.
func (a *Adapter) Register(ctx context.Context, s schedule.Schedule, now time.Time) ([]Registration, error) {
	switch s.Trigger.(type) {
	case schedule.OneTime:
		r, err := a.RegisterOneTime(ctx, s, now)
		if err != nil {
			return nil, err
		}
		return []Registration{r}, nil
	case schedule.Recurring:
		return a.RegisterRecurring(ctx, s, now)
	default:
		return nil, fmt.Errorf("%w: schedule %s has no trigger", schedule.ErrInvalid, s.ID)
	}
}

// RegisterRecurring registers every future occurrence of s within the
// horizon. Registrations made before a failure are kept and returned.
func (a *Adapter) RegisterRecurring(ctx context.Context, s schedule.Schedule, now time.Time) ([]Registration, error) {
	if !a.Enabled() {
		return nil, ErrDisabled
	}
	rec, ok := s.Trigger.(schedule.Recurring)
	if !ok {
		return nil, fmt.Errorf("%w: schedule %s is not recurring", schedule.ErrInvalid, s.ID)
	}
	instants, err := Occurrences(rec, a.cfg.Location, now, a.cfg.HorizonWeeks)
	if err != nil {
		return nil, err
	}

	out := make([]Registration, 0, len(instants))
	for i, at := range instants {
		p := dispatch.Render(s, a.cfg.Icon, a.cfg.Badge)
		p.Tag = tagFor(s.ID, i)
		r, err := a.publish(ctx, s.ID, s.Subscription, p, at, now)
		if err != nil {
			return out, fmt.Errorf("register %s occurrence %d: %w", s.ID, i, err)
		}
		out = append(out, r)
	}
	a.log.Info("recurring schedule registered",
		logx.String("schedule", s.ID),
		logx.Int("messages", len(out)),
		logx.Int("weeks", a.cfg.HorizonWeeks),
	)
	return out, nil
}

func (a *Adapter) RegisterOneTime(ctx context.Context, s schedule.Schedule, now time.Time) (Registration, error) {
	if !a.Enabled() {
		return Registration{}, ErrDisabled
	}
	ot, ok := s.Trigger.(schedule.OneTime)
	if !ok {
		return Registration{}, fmt.Errorf("%w: schedule %s is not one-time", schedule.ErrInvalid, s.ID)
	}
	if !ot.At.After(now) {
		return Registration{}, fmt.Errorf("%w: schedule %s is in the past", schedule.ErrInvalid, s.ID)
	}
	return a.publish(ctx, s.ID, s.Subscription, dispatch.Render(s, a.cfg.Icon, a.cfg.Badge), ot.At, now)
}

// RegisterAfter schedules an ad-hoc notification delay from now. The id of
// the returned registration is generated.
func (a *Adapter) RegisterAfter(ctx context.Context, to schedule.Handle, p dispatch.Payload, delay time.Duration) (Registration, error) {
	if !a.Enabled() {
		return Registration{}, ErrDisabled
	}
	if delay < time.Minute || delay > 24*time.Hour {
		return Registration{}, fmt.Errorf("%w: got %s", ErrInvalidDelay, delay)
	}
	id := "scheduled-" + uuid.NewString()
	if p.Tag == "" {
		p.Tag = id
	}
	now := a.now()
	return a.publish(ctx, id, to, p, now.Add(delay), now)
}

func (a *Adapter) publish(ctx context.Context, id string, to schedule.Handle, p dispatch.Payload, at, now time.Time) (Registration, error) {
	delay := at.Sub(now)
	if delay <= 0 {
		return Registration{}, fmt.Errorf("%w: instant %s is not in the future", schedule.ErrInvalid, at.Format(time.RFC3339))
	}
	msgID, err := a.pub.Publish(ctx, DelayedMessage{
		Message: Message{Subscription: to, ScheduleID: id, Payload: p},
		Delay:   delay,
	})
	if err != nil {
		return Registration{}, err
	}
	r := Registration{ScheduleID: id, MessageID: msgID, Tag: p.Tag, At: at}
	a.mu.Lock()
	a.reg[id] = append(a.reg[id], r)
	a.mu.Unlock()
	return r, nil
}

// Registered lists bookkeeping for one schedule, ordered by instant.
func (a *Adapter) Registered(scheduleID string) []Registration {
	a.mu.Lock()
	out := append([]Registration(nil), a.reg[scheduleID]...)
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Covers reports whether scheduleID has registrations on or after the
// start of now's day. Such schedules are delivered through the webhook and
// must not also go through local due evaluation.
func (a *Adapter) Covers(scheduleID string, now time.Time) bool {
	if !a.Enabled() {
		return false
	}
	n := now.In(a.cfg.Location)
	day := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, a.cfg.Location)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.reg[scheduleID] {
		if !r.At.Before(day) {
			return true
		}
	}
	return false
}

// Cancel drops the bookkeeping for scheduleID and, when the publisher can,
// withdraws the messages remotely. Remote failures are logged only. It
// returns how many registrations were dropped.
func (a *Adapter) Cancel(ctx context.Context, scheduleID string) int {
	a.mu.Lock()
	regs := a.reg[scheduleID]
	delete(a.reg, scheduleID)
	a.mu.Unlock()

	c, ok := a.pub.(Canceler)
	if !ok {
		return len(regs)
	}
	var errs []error
	for _, r := range regs {
		if err := c.CancelMessage(ctx, r.MessageID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("remote cancel failed", logx.String("schedule", scheduleID), logx.Err(err))
	}
	return len(regs)
}
