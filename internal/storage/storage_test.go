package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

type backend struct {
	name string
	open func(t *testing.T, dir string) Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T, _ string) Store { return NewMemory() }},
		{name: "file", open: func(t *testing.T, dir string) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "remindd.store")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		}},
		{name: "sqlite", open: func(t *testing.T, dir string) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "remindd.db"), BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		}},
	}
}

func habit(id string, h schedule.Handle, title string) schedule.Schedule {
	return schedule.Schedule{
		ID:           id,
		Subscription: h,
		Title:        title,
		Body:         "Time to complete: stretch",
		Trigger:      schedule.Recurring{Days: schedule.AllDays(), At: schedule.MustClock("07:00")},
		Payload:      map[string]any{"type": "habit", "habitId": id},
		Enabled:      true,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			st := b.open(t, t.TempDir())
			defer st.Close()

			first := habit("habit-1", "log:a", "first")
			second := habit("habit-1", "log:a", "second")
			if err := st.Upsert(ctx, first); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := st.Upsert(ctx, second); err != nil {
				t.Fatalf("upsert: %v", err)
			}

			n, err := st.Count(ctx)
			if err != nil || n != 1 {
				t.Fatalf("count = %d, %v; want 1", n, err)
			}
			got, ok, err := st.Get(ctx, "habit-1")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if got.Title != "second" {
				t.Fatalf("title = %q, want second", got.Title)
			}
			if got.Payload["habitId"] != "habit-1" {
				t.Fatalf("payload not preserved: %v", got.Payload)
			}
		})
	}
}

func TestUpdateRemoveAndFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			st := b.open(t, t.TempDir())
			defer st.Close()

			webA := schedule.HandleFor(schedule.PushSubscription{Endpoint: "https://push.example/a", Keys: schedule.PushKeys{P256dh: "p", Auth: "x"}})
			for _, s := range []schedule.Schedule{
				habit("habit-1", webA, "a1"),
				habit("habit-2", webA, "a2"),
				habit("habit-3", "tg:99", "b1"),
			} {
				if err := st.Upsert(ctx, s); err != nil {
					t.Fatalf("upsert: %v", err)
				}
			}

			owned, err := st.List(ctx, Filter{Subscription: "https://push.example/a"})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(owned) != 2 || owned[0].ID != "habit-1" || owned[1].ID != "habit-2" {
				t.Fatalf("unexpected owned schedules: %+v", owned)
			}

			sent := time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)
			off := false
			ok, err := st.Update(ctx, "habit-1", schedule.Patch{LastSentAt: &sent, Enabled: &off})
			if err != nil || !ok {
				t.Fatalf("update: ok=%v err=%v", ok, err)
			}
			got, _, _ := st.Get(ctx, "habit-1")
			if !got.LastSentAt.Equal(sent) || got.Enabled {
				t.Fatalf("patch not applied: %+v", got)
			}
			if got.Title != "a1" {
				t.Fatalf("unpatched fields must survive, title=%q", got.Title)
			}

			enabled, err := st.List(ctx, Filter{EnabledOnly: true})
			if err != nil || len(enabled) != 2 {
				t.Fatalf("enabled list = %d, %v", len(enabled), err)
			}

			if ok, err := st.Update(ctx, "missing", schedule.Patch{Enabled: &off}); err != nil || ok {
				t.Fatalf("update of unknown id: ok=%v err=%v", ok, err)
			}
			if ok, err := st.Remove(ctx, "habit-2"); err != nil || !ok {
				t.Fatalf("remove: ok=%v err=%v", ok, err)
			}
			if ok, err := st.Remove(ctx, "habit-2"); err != nil || ok {
				t.Fatalf("second remove: ok=%v err=%v", ok, err)
			}
			owned, _ = st.List(ctx, Filter{Subscription: "https://push.example/a"})
			if len(owned) != 1 {
				t.Fatalf("reverse index not updated after remove: %+v", owned)
			}
		})
	}
}

func TestOneTimeRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			st := b.open(t, t.TempDir())
			defer st.Close()

			at := time.Date(2026, 3, 9, 9, 0, 0, 0, time.FixedZone("WIB", 7*3600))
			in := schedule.Schedule{
				ID: "task-7", Subscription: "log:x", Title: "📝 Exam Reminder", Body: "Calc is due in 2 days!",
				Trigger: schedule.OneTime{At: at}, Enabled: true, CreatedAt: at.Add(-48 * time.Hour),
			}
			if err := st.Upsert(ctx, in); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			got, ok, err := st.Get(ctx, "task-7")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			ot, isOneTime := got.Trigger.(schedule.OneTime)
			if !isOneTime || !ot.At.Equal(at) {
				t.Fatalf("trigger = %#v", got.Trigger)
			}
			if got.Sent() {
				t.Fatalf("fresh schedule must not be marked sent")
			}
		})
	}
}

func TestDurableBackendsSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, b := range backends()[1:] {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()

			st := b.open(t, dir)
			if err := st.Upsert(ctx, habit("habit-1", "log:a", "kept")); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := st.Upsert(ctx, habit("habit-2", "log:a", "dropped")); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if _, err := st.Remove(ctx, "habit-2"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, err := st.PutSubscription(ctx, Subscription{Endpoint: "https://push.example/a", Keys: schedule.PushKeys{P256dh: "p", Auth: "x"}}); err != nil {
				t.Fatalf("put subscription: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			re := b.open(t, dir)
			defer re.Close()
			all, err := re.List(ctx, Filter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 1 || all[0].Title != "kept" {
				t.Fatalf("unexpected state after reopen: %+v", all)
			}
			if n, _ := re.CountSubscriptions(ctx); n != 1 {
				t.Fatalf("subscriptions after reopen = %d", n)
			}
		})
	}
}

func TestSubscriptionsUpsertByEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			st := b.open(t, t.TempDir())
			defer st.Close()

			sub := Subscription{Endpoint: "https://push.example/a", Keys: schedule.PushKeys{P256dh: "p1", Auth: "a1"}}
			created, err := st.PutSubscription(ctx, sub)
			if err != nil || !created {
				t.Fatalf("first put: created=%v err=%v", created, err)
			}
			sub.Keys.Auth = "a2"
			created, err = st.PutSubscription(ctx, sub)
			if err != nil || created {
				t.Fatalf("second put: created=%v err=%v", created, err)
			}
			subs, err := st.ListSubscriptions(ctx)
			if err != nil || len(subs) != 1 || subs[0].Keys.Auth != "a2" {
				t.Fatalf("list = %+v, %v", subs, err)
			}
			if subs[0].Handle().Key() != "https://push.example/a" {
				t.Fatalf("handle key = %q", subs[0].Handle().Key())
			}
			if ok, _ := st.RemoveSubscription(ctx, sub.Endpoint); !ok {
				t.Fatalf("remove should report existing subscription")
			}
			if n, _ := st.CountSubscriptions(ctx); n != 0 {
				t.Fatalf("count after remove = %d", n)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestFileStoreKeepsMemoryOnJournalFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "remindd.store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs := st.(*fileStore)
	if err := st.Upsert(ctx, habit("habit-1", "log:a", "stretch")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.PutSubscription(ctx, Subscription{Endpoint: "https://push.example/a", Keys: schedule.PushKeys{P256dh: "p", Auth: "x"}}); err != nil {
		t.Fatalf("put subscription: %v", err)
	}

	// Appends now fail while the store still looks open.
	_ = fs.journal.Close()

	sent := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	if ok, err := st.Update(ctx, "habit-1", schedule.Patch{LastSentAt: &sent}); err == nil || ok {
		t.Fatalf("update with broken journal: ok=%v err=%v", ok, err)
	}
	got, _, _ := st.Get(ctx, "habit-1")
	if !got.LastSentAt.IsZero() {
		t.Fatalf("memory stamped without a journal record: %v", got.LastSentAt)
	}
	if ok, err := st.Remove(ctx, "habit-1"); err == nil || ok {
		t.Fatalf("remove with broken journal: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := st.Get(ctx, "habit-1"); !ok {
		t.Fatalf("schedule dropped from memory without a journal record")
	}
	if err := st.Upsert(ctx, habit("habit-2", "log:a", "read")); err == nil {
		t.Fatalf("upsert with broken journal succeeded")
	}
	if n, _ := st.Count(ctx); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if ok, err := st.RemoveSubscription(ctx, "https://push.example/a"); err == nil || ok {
		t.Fatalf("remove subscription with broken journal: ok=%v err=%v", ok, err)
	}
	if n, _ := st.CountSubscriptions(ctx); n != 1 {
		t.Fatalf("subscriptions = %d, want 1", n)
	}
	_ = st.Close()
}

func TestFileStoreCompactionKeepsLatestWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	open := func() Store {
		st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "remindd.store")}, logx.Nop())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return st
	}

	st := open()
	st.(*fileStore).compactEvery = 1
	if err := st.Upsert(ctx, habit("habit-1", "log:a", "stretch")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sent := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	if ok, err := st.Update(ctx, "habit-1", schedule.Patch{LastSentAt: &sent}); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	// Reopen without Close so only the compacted snapshot and journal count.
	_ = st.(*fileStore).journal.Close()

	re := open()
	defer re.Close()
	got, ok, err := re.Get(ctx, "habit-1")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if !got.LastSentAt.Equal(sent) {
		t.Fatalf("LastSentAt after compaction = %v, want %v", got.LastSentAt, sent)
	}
}
