package delayed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindd/internal/dispatch"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

var wib = time.FixedZone("WIB", 7*3600)

type publishCall struct {
	path    string
	auth    string
	delay   string
	retries string
	msg     Message
}

type fakeQStash struct {
	mu       sync.Mutex
	calls    []publishCall
	canceled []string
	n        int
}

func (f *fakeQStash) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			var m Message
			if !assert.NoError(t, json.Unmarshal(body, &m)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.calls = append(f.calls, publishCall{
				path:    r.URL.Path,
				auth:    r.Header.Get("Authorization"),
				delay:   r.Header.Get("Upstash-Delay"),
				retries: r.Header.Get("Upstash-Retries"),
				msg:     m,
			})
			f.n++
			_ = json.NewEncoder(w).Encode(map[string]string{"messageId": "msg_" + string(rune('a'+f.n-1))})
		case http.MethodDelete:
			f.canceled = append(f.canceled, strings.TrimPrefix(r.URL.Path, "/v2/messages/"))
			w.WriteHeader(http.StatusOK)
		}
	})
}

func newFakeQStash(t *testing.T) (*fakeQStash, *QStash) {
	t.Helper()
	f := &fakeQStash{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	q, err := NewQStash(QStashConfig{BaseURL: srv.URL, Token: "tok", Callback: "https://remindd.example/v1/webhooks/delayed", Retries: 3})
	require.NoError(t, err)
	return f, q
}

func classSchedule() schedule.Schedule {
	days, _ := schedule.NewDaySet(time.Monday)
	return schedule.Schedule{
		ID:           "class-c1",
		Subscription: schedule.HandleFor(schedule.PushSubscription{Endpoint: "https://push.example/a", Keys: schedule.PushKeys{P256dh: "p", Auth: "a"}}),
		Title:        "📚 Class Reminder",
		Body:         "Math class starts in 15 minutes",
		Trigger:      schedule.Recurring{Days: days, At: schedule.MustClock("08:45")},
		Payload:      map[string]any{"type": "class"},
		Enabled:      true,
	}
}

func TestRegisterRecurringCoversHorizon(t *testing.T) {
	t.Parallel()
	f, q := newFakeQStash(t)
	a := NewAdapter(q, Config{Location: wib}, logx.Nop())

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, wib) // Monday, after today's 08:45
	regs, err := a.RegisterRecurring(context.Background(), classSchedule(), now)
	require.NoError(t, err)
	require.Len(t, regs, 4)

	first := time.Date(2026, 3, 9, 8, 45, 0, 0, wib)
	for i, r := range regs {
		assert.True(t, r.At.Equal(first.AddDate(0, 0, 7*i)), "occurrence %d at %v", i, r.At)
		assert.Equal(t, time.Monday, r.At.Weekday())
	}

	require.Len(t, f.calls, 4)
	assert.Equal(t, "/v2/publish/https://remindd.example/v1/webhooks/delayed", f.calls[0].path)
	assert.Equal(t, "Bearer tok", f.calls[0].auth)
	assert.Equal(t, "3", f.calls[0].retries)
	assert.Equal(t, "603900s", f.calls[0].delay) // 7 days minus 15 minutes
	assert.Equal(t, "class-c1-0", f.calls[0].msg.Tag)
	assert.Equal(t, "class-c1-3", f.calls[3].msg.Tag)
	assert.Equal(t, "Math class starts in 15 minutes", f.calls[0].msg.Body)
	assert.Equal(t, "https://push.example/a", f.calls[0].msg.Subscription.Key())

	assert.Len(t, a.Registered("class-c1"), 4)

	assert.True(t, a.Covers("class-c1", now))
	assert.True(t, a.Covers("class-c1", first.Add(21*24*time.Hour+time.Hour)), "day of the last occurrence")
	assert.False(t, a.Covers("class-c1", first.Add(22*24*time.Hour)), "past the horizon")
	assert.False(t, a.Covers("other", now))
}

func TestRegisterOneTimeAndCancel(t *testing.T) {
	t.Parallel()
	f, q := newFakeQStash(t)
	a := NewAdapter(q, Config{Location: wib}, logx.Nop())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, wib)

	s := classSchedule()
	s.ID = "task-1"
	s.Trigger = schedule.OneTime{At: now.Add(90*time.Minute + 500*time.Millisecond)}
	r, err := a.RegisterOneTime(ctx, s, now)
	require.NoError(t, err)
	assert.Equal(t, "msg_a", r.MessageID)
	assert.Equal(t, "5401s", f.calls[0].delay, "delay rounds up to whole seconds")
	assert.True(t, f.calls[0].msg.RequireInteraction)

	s.Trigger = schedule.OneTime{At: now.Add(-time.Minute)}
	_, err = a.RegisterOneTime(ctx, s, now)
	require.ErrorIs(t, err, schedule.ErrInvalid)

	assert.Equal(t, 1, a.Cancel(ctx, "task-1"))
	assert.Empty(t, a.Registered("task-1"))
	assert.Equal(t, []string{"msg_a"}, f.canceled)
	assert.Equal(t, 0, a.Cancel(ctx, "task-1"))
}

func TestRegisterAfterBounds(t *testing.T) {
	t.Parallel()
	f, q := newFakeQStash(t)
	a := NewAdapter(q, Config{}, logx.Nop())
	ctx := context.Background()
	p := dispatch.Payload{Title: "⏰ Scheduled Test Notification", Body: "hello"}

	for _, minutes := range []int{0, 1441, -3} {
		_, err := ValidateDelayMinutes(minutes)
		require.ErrorIs(t, err, ErrInvalidDelay, "minutes=%d", minutes)
	}
	_, err := a.RegisterAfter(ctx, "tg:1", p, 30*time.Second)
	require.ErrorIs(t, err, ErrInvalidDelay)

	d, err := ValidateDelayMinutes(5)
	require.NoError(t, err)
	r, err := a.RegisterAfter(ctx, "tg:1", p, d)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.ScheduleID, "scheduled-"))
	assert.Equal(t, r.ScheduleID, r.Tag)
	assert.Equal(t, "300s", f.calls[0].delay)
}

func TestDisabledAdapter(t *testing.T) {
	t.Parallel()
	a := NewAdapter(nil, Config{}, logx.Nop())
	assert.False(t, a.Enabled())
	_, err := a.RegisterRecurring(context.Background(), classSchedule(), time.Now())
	require.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, 0, a.Cancel(context.Background(), "class-c1"))

	_, err = NewQStash(QStashConfig{Callback: "https://x.example/hook"})
	require.ErrorIs(t, err, ErrDisabled)
	_, err = NewQStash(QStashConfig{Token: "t", Callback: "/relative"})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestOccurrencesMultipleDays(t *testing.T) {
	t.Parallel()
	after := time.Date(2026, 3, 2, 7, 0, 0, 0, wib) // Monday 07:00, exactly on the pattern
	got, err := Occurrences(schedule.Recurring{Days: schedule.AllDays(), At: schedule.MustClock("07:00")}, wib, after, 1)
	require.NoError(t, err)
	require.Len(t, got, 7)
	assert.True(t, got[0].Equal(after.AddDate(0, 0, 1)), "strictly after the reference instant")
	assert.Equal(t, "0 7 * * 0,1,2,3,4,5,6", CronSpec(schedule.Recurring{Days: schedule.AllDays(), At: schedule.MustClock("07:00")}))
}

func TestSignatureVerification(t *testing.T) {
	t.Parallel()
	const url = "https://remindd.example/v1/webhooks/delayed"
	body := []byte(`{"subscription":"tg:1","title":"t","body":"b"}`)
	v := NewVerifier("current-key", "next-key", url)

	withNext, err := Sign("next-key", url, body, time.Minute)
	require.NoError(t, err)
	require.NoError(t, v.Verify(withNext, body), "rotated key must verify")

	withCurrent, err := Sign("current-key", url, body, time.Minute)
	require.NoError(t, err)
	require.NoError(t, v.Verify(withCurrent, body))

	tampered := []byte(strings.Replace(string(body), `"b"`, `"B"`, 1))
	require.ErrorIs(t, v.Verify(withCurrent, tampered), ErrBadSignature)

	foreign, err := Sign("other-key", url, body, time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, v.Verify(foreign, body), ErrBadSignature)

	wrongURL, err := Sign("current-key", "https://elsewhere.example/hook", body, time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, v.Verify(wrongURL, body), ErrBadSignature)

	expired, err := Sign("current-key", url, body, -time.Minute)
	require.NoError(t, err)
	require.ErrorIs(t, v.Verify(expired, body), ErrBadSignature)

	require.ErrorIs(t, v.Verify("", body), ErrBadSignature)
	assert.Nil(t, NewVerifier("", "", url))
	assert.NoError(t, (*Verifier)(nil).Verify("", body))
}

func TestDecodeMessage(t *testing.T) {
	t.Parallel()
	m, err := DecodeMessage([]byte(`{"subscription":{"endpoint":"https://push.example/a","keys":{"p256dh":"p","auth":"a"}},"title":"t","body":"b","tag":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://push.example/a", m.Subscription.Key())
	assert.Equal(t, "x", m.Tag)

	_, err = DecodeMessage([]byte(`{"subscription":{"keys":{}},"title":"t","body":"b"}`))
	require.Error(t, err)
	_, err = DecodeMessage([]byte(`{"subscription":"tg:1","title":"","body":"b"}`))
	require.Error(t, err)
}
