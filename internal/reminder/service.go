// Package reminder is the application core: schedule administration, the
// periodic due check, sync from timetable data, and direct sends.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindd/internal/delayed"
	"remindd/internal/dispatch"
	"remindd/internal/due"
	"remindd/internal/eventbus"
	"remindd/internal/schedule"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

type Deps struct {
	Store      storage.Store
	Dispatcher *dispatch.Dispatcher
	Evaluator  due.Evaluator
	Compiler   Compiler
	Delayed    *delayed.Adapter // optional
	Bus        eventbus.Bus
	Log        logx.Logger
	Clock      func() time.Time
}

// Service is safe for concurrent use.
type Service struct {
	store   storage.Store
	disp    *dispatch.Dispatcher
	comp    Compiler
	delayed *delayed.Adapter
	bus     eventbus.Bus
	log     logx.Logger
	clock   func() time.Time

	mu   sync.RWMutex
	eval due.Evaluator
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Service{
		store:   d.Store,
		disp:    d.Dispatcher,
		comp:    d.Compiler,
		delayed: d.Delayed,
		bus:     d.Bus,
		log:     d.Log,
		clock:   d.Clock,
		eval:    d.Evaluator,
	}
}

// SetEvaluator swaps the due rules (mode, zone, grace) for later ticks.
func (s *Service) SetEvaluator(e due.Evaluator) {
	s.mu.Lock()
	s.eval = e
	s.mu.Unlock()
}

func (s *Service) evaluator() due.Evaluator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eval
}

func (s *Service) Now() time.Time { return s.clock() }

// Put creates or replaces a schedule. A missing id is generated and a zero
// CreatedAt is set to now. On replace, CreatedAt and LastSentAt carry over
// when the incoming record leaves them zero.
func (s *Service) Put(ctx context.Context, sc schedule.Schedule) (schedule.Schedule, bool, error) {
	sc.ID = strings.TrimSpace(sc.ID)
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if err := sc.Validate(); err != nil {
		return schedule.Schedule{}, false, err
	}
	prev, existed, err := s.store.Get(ctx, sc.ID)
	if err != nil {
		return schedule.Schedule{}, false, err
	}
	sc = carryOver(sc, prev, existed, s.clock())
	if err := s.store.Upsert(ctx, sc); err != nil {
		return schedule.Schedule{}, false, err
	}
	s.log.Debug("schedule stored", logx.String("id", sc.ID), logx.String("kind", string(sc.Kind())), logx.Bool("created", !existed))
	return sc, !existed, nil
}

func carryOver(sc, prev schedule.Schedule, existed bool, now time.Time) schedule.Schedule {
	if existed {
		if sc.CreatedAt.IsZero() {
			sc.CreatedAt = prev.CreatedAt
		}
		if sc.LastSentAt.IsZero() {
			sc.LastSentAt = prev.LastSentAt
		}
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	return sc
}

// List returns all schedules, or those owned by subscriptionKey (an
// endpoint or a plain handle) when it is non-empty.
func (s *Service) List(ctx context.Context, subscriptionKey string) ([]schedule.Schedule, error) {
	return s.store.List(ctx, storage.Filter{Subscription: strings.TrimSpace(subscriptionKey)})
}

func (s *Service) Get(ctx context.Context, id string) (schedule.Schedule, bool, error) {
	return s.store.Get(ctx, id)
}

// Delete removes a schedule and any delayed registrations made for it.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Remove(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	if s.delayed.Enabled() {
		s.delayed.Cancel(ctx, id)
	}
	return true, nil
}

func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	return s.store.Update(ctx, id, schedule.Patch{Enabled: &enabled})
}

// Patch applies a partial update. A trigger change is validated against
// the merged record before it is written.
func (s *Service) Patch(ctx context.Context, id string, p schedule.Patch) (schedule.Schedule, bool, error) {
	if p.Empty() {
		sc, ok, err := s.store.Get(ctx, id)
		return sc, ok, err
	}
	cur, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		return schedule.Schedule{}, ok, err
	}
	merged := p.Apply(cur)
	if err := merged.Validate(); err != nil {
		return schedule.Schedule{}, true, err
	}
	ok, err = s.store.Update(ctx, id, p)
	if err != nil || !ok {
		return schedule.Schedule{}, ok, err
	}
	sc, ok, err := s.store.Get(ctx, id)
	return sc, ok, err
}

func (s *Service) Count(ctx context.Context) (int, error) { return s.store.Count(ctx) }

// Tick evaluates every schedule against the clock and dispatches the due
// ones. Only a repository read failure is returned as an error.
func (s *Service) Tick(ctx context.Context) (dispatch.BatchResult, error) {
	now := s.clock()
	all, err := s.store.List(ctx, storage.Filter{EnabledOnly: true})
	if err != nil {
		return dispatch.BatchResult{}, fmt.Errorf("load schedules: %w", err)
	}
	local, external := s.localOnly(all, now)
	dueList := s.evaluator().Due(local, now)
	res := s.disp.Dispatch(ctx, dueList, now)

	fields := []logx.Field{
		logx.Int("schedules", len(all)),
		logx.Int("external", external),
		logx.Int("due", res.Attempted),
		logx.Int("sent", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Duration("took", time.Duration(res.Took)),
	}
	if res.Attempted > 0 {
		s.log.Info("tick", fields...)
	} else {
		s.log.Debug("tick", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TickCompleted, Time: now, Data: eventbus.TickSummary{
		Attempted:   res.Attempted,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		Deactivated: len(res.Deactivated),
		Took:        time.Duration(res.Took),
	}})
	return res, nil
}

// localOnly drops schedules whose occurrences are registered with the
// delayed delivery service and reports how many were dropped.
func (s *Service) localOnly(all []schedule.Schedule, now time.Time) ([]schedule.Schedule, int) {
	if !s.delayed.Enabled() {
		return all, 0
	}
	out := all[:0:0]
	for _, sc := range all {
		if s.delayed.Covers(sc.ID, now) {
			continue
		}
		out = append(out, sc)
	}
	return out, len(all) - len(out)
}

// SendNow delivers one payload immediately, outside any schedule.
func (s *Service) SendNow(ctx context.Context, to schedule.Handle, p dispatch.Payload) error {
	if to.IsZero() {
		return fmt.Errorf("%w: subscription is required", schedule.ErrInvalid)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", schedule.ErrInvalid, err)
	}
	if p.Icon == "" {
		p.Icon = dispatch.DefaultIcon
	}
	if p.Badge == "" {
		p.Badge = dispatch.DefaultIcon
	}
	return s.disp.Deliver(ctx, to, p)
}

// TestPayload is the notification sent by the test-send operation.
func TestPayload(now time.Time) dispatch.Payload {
	return dispatch.Payload{
		Title: "🎉 Test Notification!",
		Body:  "Push notifications are working.",
		Tag:   "test-notification",
		Data:  map[string]any{"url": "/", "timestamp": now.UnixMilli()},
	}
}

// ErrNoSubscriptions is returned by Broadcast when the registry is empty.
var ErrNoSubscriptions = errors.New("no subscriptions registered")

// Broadcast sends p to every registered subscription. Subscriptions that
// answer gone are removed and listed in Deactivated.
func (s *Service) Broadcast(ctx context.Context, p dispatch.Payload) (dispatch.BatchResult, error) {
	if err := p.Validate(); err != nil {
		return dispatch.BatchResult{}, fmt.Errorf("%w: %w", schedule.ErrInvalid, err)
	}
	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return dispatch.BatchResult{}, fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return dispatch.BatchResult{}, ErrNoSubscriptions
	}
	targets := make([]dispatch.Target, len(subs))
	for i, sub := range subs {
		targets[i] = dispatch.Target{ID: sub.Endpoint, Handle: sub.Handle()}
	}
	res := s.disp.Fanout(ctx, targets, p)
	for _, f := range res.Errors {
		if f.Kind != dispatch.FailureGone {
			continue
		}
		if ok, err := s.store.RemoveSubscription(ctx, f.ID); err != nil {
			s.log.Error("remove gone subscription failed", logx.String("endpoint", f.ID), logx.Err(err))
		} else if ok {
			res.Deactivated = append(res.Deactivated, f.ID)
		}
	}
	s.log.Info("broadcast", logx.Int("targets", res.Attempted), logx.Int("sent", res.Succeeded), logx.Int("removed", len(res.Deactivated)))
	return res, nil
}

// Subscribe upserts a browser subscription by endpoint.
func (s *Service) Subscribe(ctx context.Context, sub storage.Subscription) (bool, error) {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	if sub.Endpoint == "" {
		return false, fmt.Errorf("%w: subscription endpoint is required", schedule.ErrInvalid)
	}
	if sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return false, fmt.Errorf("%w: subscription keys are required", schedule.ErrInvalid)
	}
	return s.store.PutSubscription(ctx, sub)
}

func (s *Service) Unsubscribe(ctx context.Context, endpoint string) (bool, error) {
	return s.store.RemoveSubscription(ctx, strings.TrimSpace(endpoint))
}

func (s *Service) Subscriptions(ctx context.Context) ([]storage.Subscription, error) {
	return s.store.ListSubscriptions(ctx)
}

// Stats backs the health endpoint.
type Stats struct {
	Schedules     int `json:"schedules"`
	Subscriptions int `json:"subscriptions"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	m, err := s.store.CountSubscriptions(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Schedules: n, Subscriptions: m}, nil
}
