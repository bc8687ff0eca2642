package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindd/internal/delayed"
	"remindd/internal/dispatch"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

// ErrNotFound is returned by operations addressing an unknown schedule id.
var ErrNotFound = errors.New("schedule not found")

// RegisterDelayed hands a stored schedule to the delayed delivery service,
// replacing any earlier registrations for it.
func (s *Service) RegisterDelayed(ctx context.Context, id string) ([]delayed.Registration, error) {
	if !s.delayed.Enabled() {
		return nil, delayed.ErrDisabled
	}
	sc, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	s.delayed.Cancel(ctx, id)
	return s.delayed.Register(ctx, sc, s.clock())
}

// CancelDelayed drops the registrations made for id and reports how many
// there were.
func (s *Service) CancelDelayed(ctx context.Context, id string) (int, error) {
	if !s.delayed.Enabled() {
		return 0, delayed.ErrDisabled
	}
	return s.delayed.Cancel(ctx, id), nil
}

func (s *Service) DelayedRegistrations(id string) []delayed.Registration {
	if !s.delayed.Enabled() {
		return nil
	}
	return s.delayed.Registered(id)
}

// ScheduleTest registers a one-shot test notification minutes from now.
func (s *Service) ScheduleTest(ctx context.Context, to schedule.Handle, minutes int) (delayed.Registration, error) {
	if !s.delayed.Enabled() {
		return delayed.Registration{}, delayed.ErrDisabled
	}
	if _, ok := to.PushSubscription(); !ok && (to.IsZero() || to.IsObject()) {
		return delayed.Registration{}, fmt.Errorf("%w: subscription with an endpoint is required", schedule.ErrInvalid)
	}
	delay, err := delayed.ValidateDelayMinutes(minutes)
	if err != nil {
		return delayed.Registration{}, err
	}
	now := s.clock()
	p := dispatch.Payload{
		Title: "⏰ Scheduled Test Notification",
		Body:  fmt.Sprintf("This notification was scheduled %d minute(s) ago. Delayed delivery is working.", minutes),
		Icon:  dispatch.DefaultIcon,
		Badge: dispatch.DefaultIcon,
		Data: map[string]any{
			"url":          "/",
			"timestamp":    now.UnixMilli(),
			"scheduledFor": now.Add(delay).UTC().Format(time.RFC3339),
		},
	}
	return s.delayed.RegisterAfter(ctx, to, p, delay)
}

// DeliverDelayed handles a verified webhook message.
func (s *Service) DeliverDelayed(ctx context.Context, m delayed.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", schedule.ErrInvalid, err)
	}
	if m.Tag == "" {
		m.Tag = "delayed-notification"
	}
	if err := s.SendNow(ctx, m.Subscription, m.Payload); err != nil {
		return err
	}
	if m.ScheduleID == "" {
		return nil
	}
	// Stamp failures are logged only; an error response triggers redelivery.
	sent := s.clock()
	ok, err := s.store.Update(ctx, m.ScheduleID, schedule.Patch{LastSentAt: &sent})
	if err != nil {
		s.log.Error("mark delayed delivery sent failed", logx.String("schedule", m.ScheduleID), logx.Err(err))
	} else if ok {
		s.log.Debug("delayed delivery sent", logx.String("schedule", m.ScheduleID))
	}
	return nil
}
