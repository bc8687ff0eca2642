package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remindd/internal/eventbus"
	"remindd/internal/schedule"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	calls map[schedule.Handle]int
	fail  func(to schedule.Handle, p Payload, call int) error
}

func (f *fakeSender) Send(_ context.Context, to schedule.Handle, p Payload) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[schedule.Handle]int{}
	}
	f.calls[to]++
	n := f.calls[to]
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(to, p, n)
	}
	return nil
}

func (f *fakeSender) count(to schedule.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[to]
}

func seed(t *testing.T, repo storage.Repository, list ...schedule.Schedule) {
	t.Helper()
	for _, s := range list {
		if err := repo.Upsert(context.Background(), s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func sched(id string, h schedule.Handle) schedule.Schedule {
	return schedule.Schedule{
		ID: id, Subscription: h, Title: "🎯 Habit Reminder", Body: "Time to complete: " + id,
		Trigger: schedule.Recurring{Days: schedule.AllDays(), At: schedule.MustClock("07:00")},
		Enabled: true,
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	return cfg
}

func TestBatchIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := storage.NewMemory()
	list := []schedule.Schedule{sched("s1", "log:1"), sched("s2", "log:2"), sched("s3", "log:3")}
	seed(t, repo, list...)

	sender := &fakeSender{fail: func(to schedule.Handle, _ Payload, _ int) error {
		if to == "log:2" {
			return errors.New("push service unavailable")
		}
		return nil
	}}
	d := New(fastConfig(), repo, sender, logx.Nop(), nil)
	now := time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)

	res := d.Dispatch(ctx, list, now)
	if res.Attempted != 3 || res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "s2" || res.Errors[0].Kind != FailureTransient {
		t.Fatalf("errors = %+v", res.Errors)
	}
	for id, wantSent := range map[string]bool{"s1": true, "s2": false, "s3": true} {
		got, _, _ := repo.Get(ctx, id)
		if got.LastSentAt.Equal(now) != wantSent {
			t.Fatalf("%s lastSentAt = %v, want stamped=%v", id, got.LastSentAt, wantSent)
		}
	}
	if len(res.Deactivated) != 0 {
		t.Fatalf("transient failure must not deactivate: %v", res.Deactivated)
	}
}

func TestEmptyBatchStillReports(t *testing.T) {
	t.Parallel()
	d := New(DefaultConfig(), storage.NewMemory(), &fakeSender{}, logx.Nop(), nil)
	res := d.Dispatch(context.Background(), nil, time.Now())
	if res.Attempted != 0 || res.Succeeded != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Errors == nil || res.Deactivated == nil || res.StartedAt.IsZero() {
		t.Fatalf("empty result must be fully populated: %+v", res)
	}
}

func TestGoneDisablesWholeSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	due := sched("class-1", "log:gone")
	notDue := sched("habit-9", "log:gone")
	other := sched("habit-1", "log:ok")
	seed(t, repo, due, notDue, other)

	sender := &fakeSender{fail: func(to schedule.Handle, _ Payload, _ int) error {
		if to == "log:gone" {
			return Gone(errors.New("410 Gone"))
		}
		return nil
	}}
	cfg := fastConfig()
	cfg.RetryMax = 3
	d := New(cfg, repo, sender, logx.Nop(), bus)

	res := d.Dispatch(ctx, []schedule.Schedule{due, other}, time.Now())
	if res.Failed != 1 || res.Errors[0].Kind != FailureGone {
		t.Fatalf("result = %+v", res)
	}
	if sender.count("log:gone") != 1 {
		t.Fatalf("gone deliveries must not be retried, calls=%d", sender.count("log:gone"))
	}
	if len(res.Deactivated) != 2 || res.Deactivated[0] != "class-1" || res.Deactivated[1] != "habit-9" {
		t.Fatalf("deactivated = %v", res.Deactivated)
	}
	for id, wantEnabled := range map[string]bool{"class-1": false, "habit-9": false, "habit-1": true} {
		got, _, _ := repo.Get(ctx, id)
		if got.Enabled != wantEnabled {
			t.Fatalf("%s enabled = %v, want %v", id, got.Enabled, wantEnabled)
		}
	}

	var sawGone bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.SubscriptionGone {
			sawGone = true
		}
	}
	if !sawGone {
		t.Fatalf("subscription.gone not published")
	}
}

func TestGoneKeepsSchedulesWhenDisabledOff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := storage.NewMemory()
	s := sched("s1", "log:gone")
	seed(t, repo, s)

	cfg := fastConfig()
	cfg.DisableOnGone = false
	d := New(cfg, repo, &fakeSender{fail: func(schedule.Handle, Payload, int) error { return Gone(nil) }}, logx.Nop(), nil)

	res := d.Dispatch(ctx, []schedule.Schedule{s}, time.Now())
	if res.Failed != 1 || len(res.Deactivated) != 0 {
		t.Fatalf("result = %+v", res)
	}
	got, _, _ := repo.Get(ctx, "s1")
	if !got.Enabled {
		t.Fatalf("schedule disabled although disable_on_gone is off")
	}
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := storage.NewMemory()
	s := sched("s1", "log:flaky")
	seed(t, repo, s)

	sender := &fakeSender{fail: func(_ schedule.Handle, _ Payload, call int) error {
		if call < 3 {
			return errors.New("timeout")
		}
		return nil
	}}
	cfg := fastConfig()
	cfg.RetryMax = 2
	d := New(cfg, repo, sender, logx.Nop(), nil)

	res := d.Dispatch(ctx, []schedule.Schedule{s}, time.Now())
	if res.Succeeded != 1 || sender.count("log:flaky") != 3 {
		t.Fatalf("result = %+v calls=%d", res, sender.count("log:flaky"))
	}
}

func TestRemovedScheduleIsStorageFailure(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), storage.NewMemory(), &fakeSender{}, logx.Nop(), nil)
	res := d.Dispatch(context.Background(), []schedule.Schedule{sched("ghost", "log:a")}, time.Now())
	if res.Failed != 1 || res.Errors[0].Kind != FailureStorage {
		t.Fatalf("result = %+v", res)
	}
}

func TestWorkerPoolBound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := storage.NewMemory()

	var list []schedule.Schedule
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		list = append(list, sched(id, schedule.Handle("log:"+id)))
	}
	seed(t, repo, list...)

	var inFlight, peak atomic.Int32
	sender := SenderFunc(func(context.Context, schedule.Handle, Payload) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	cfg := fastConfig()
	cfg.Workers = 2
	res := New(cfg, repo, sender, logx.Nop(), nil).Dispatch(ctx, list, time.Now())
	if res.Succeeded != 6 {
		t.Fatalf("result = %+v", res)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds worker limit", peak.Load())
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	s := schedule.Schedule{
		ID: "task-1", Title: "📝 Exam Reminder", Body: "b",
		Trigger: schedule.OneTime{At: time.Now()}, Payload: map[string]any{"type": "task"},
	}
	p := Render(s, "", "/badge.png")
	if p.Icon != DefaultIcon || p.Badge != "/badge.png" || p.Tag != "task-1" || !p.RequireInteraction {
		t.Fatalf("payload = %+v", p)
	}
	p.Data["type"] = "mutated"
	if s.Payload["type"] != "task" {
		t.Fatalf("render must not alias schedule data")
	}

	s.Trigger = schedule.Recurring{Days: schedule.AllDays(), At: schedule.MustClock("07:00")}
	if Render(s, "", "").RequireInteraction {
		t.Fatalf("recurring payloads do not require interaction")
	}
	if err := (Payload{Title: " "}).Validate(); err == nil {
		t.Fatalf("empty payload should fail validation")
	}
}

func TestGoneMatching(t *testing.T) {
	t.Parallel()
	cause := errors.New("410")
	err := Gone(cause)
	if !IsGone(err) || !errors.Is(err, cause) {
		t.Fatalf("gone error must match both ErrGone and its cause")
	}
	if IsGone(cause) || !IsGone(Gone(nil)) {
		t.Fatalf("unexpected IsGone result")
	}
}

func TestDeliveryErrorClassification(t *testing.T) {
	t.Parallel()
	cause := errors.New("410")

	de := newDeliveryError("class-1", Gone(cause))
	if de.Kind != FailureGone || !IsGone(de) || !errors.Is(de, cause) {
		t.Fatalf("gone delivery error = %+v", de)
	}
	var target *DeliveryError
	if !errors.As(error(de), &target) || target.ScheduleID != "class-1" {
		t.Fatalf("errors.As failed for %v", de)
	}
	f := de.Failure()
	if f.ID != "class-1" || f.Kind != FailureGone || f.Message != "subscription gone: 410" {
		t.Fatalf("failure = %+v", f)
	}

	if k := newDeliveryError("x", errors.New("timeout")).Kind; k != FailureTransient {
		t.Fatalf("plain error kind = %s", k)
	}
}
