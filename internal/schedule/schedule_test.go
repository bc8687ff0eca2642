package schedule

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    ClockTime
		wantErr bool
	}{
		{in: "09:05", want: ClockTime{9, 5}},
		{in: "7:00", want: ClockTime{7, 0}},
		{in: " 23:59 ", want: ClockTime{23, 59}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12:5", wantErr: true},
		{in: "1200", wantErr: true},
		{in: "", wantErr: true},
		{in: "ab:cd", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseClock(%q): expected error", tc.in)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("ParseClock(%q): error should wrap ErrInvalid: %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseClock(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseClock(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDaySet(t *testing.T) {
	t.Parallel()

	d, err := NewDaySet(time.Monday, time.Friday)
	if err != nil {
		t.Fatalf("NewDaySet: %v", err)
	}
	if !d.Has(time.Monday) || !d.Has(time.Friday) || d.Has(time.Sunday) {
		t.Fatalf("unexpected membership: %v", d.Days())
	}
	if _, err := NewDaySet(time.Weekday(7)); err == nil {
		t.Fatalf("expected out-of-range weekday to fail")
	}
	if len(AllDays().Days()) != 7 {
		t.Fatalf("AllDays should hold 7 days")
	}

	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "[1,5]" {
		t.Fatalf("marshal = %s", b)
	}
	var back DaySet
	if err := json.Unmarshal([]byte("[5,1,1]"), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != d {
		t.Fatalf("unmarshal = %v, want %v", back.Days(), d.Days())
	}
}

func TestHandleKey(t *testing.T) {
	t.Parallel()

	sub := PushSubscription{Endpoint: "https://push.example/abc", Keys: PushKeys{P256dh: "p", Auth: "a"}}
	h := HandleFor(sub)
	if !h.IsObject() {
		t.Fatalf("expected JSON handle, got %q", h)
	}
	if h.Key() != "https://push.example/abc" {
		t.Fatalf("Key = %q", h.Key())
	}
	if Handle(" tg:42 ").Key() != "tg:42" {
		t.Fatalf("string handle key should be trimmed")
	}

	var decoded struct {
		Sub Handle `json:"sub"`
	}
	raw := `{"sub": {"endpoint": "https://push.example/abc", "keys": {"p256dh": "p", "auth": "a"}}}`
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Sub.Key() != h.Key() {
		t.Fatalf("decoded key = %q", decoded.Sub.Key())
	}
	out, _ := json.Marshal(decoded)
	if !strings.Contains(string(out), `"sub":{"endpoint"`) {
		t.Fatalf("object handle should round-trip as an object: %s", out)
	}
}

func TestScheduleJSONEnforcesSingleTrigger(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		wantErr bool
		kind    Kind
	}{
		{
			name: "recurring",
			body: `{"id":"habit-1","subscription":"log:x","kind":"recurring","title":"t","body":"b","recurringPattern":{"daysOfWeek":[0,1,2,3,4,5,6],"timeOfDay":"07:00"}}`,
			kind: KindRecurring,
		},
		{
			name: "one-time via type alias",
			body: `{"id":"task-1","subscription":"log:x","type":"one-time","title":"t","body":"b","oneTimeInstant":"2026-03-01T09:00:00Z"}`,
			kind: KindOneTime,
		},
		{
			name:    "both triggers",
			body:    `{"id":"x","kind":"one-time","oneTimeInstant":"2026-03-01T09:00:00Z","recurringPattern":{"daysOfWeek":[1],"timeOfDay":"07:00"}}`,
			wantErr: true,
		},
		{
			name:    "kind mismatch",
			body:    `{"id":"x","kind":"recurring","oneTimeInstant":"2026-03-01T09:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "missing pattern",
			body:    `{"id":"x","kind":"recurring"}`,
			wantErr: true,
		},
		{
			name:    "bad time",
			body:    `{"id":"x","kind":"recurring","recurringPattern":{"daysOfWeek":[1],"timeOfDay":"25:00"}}`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var s Schedule
			err := json.Unmarshal([]byte(tc.body), &s)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if s.Kind() != tc.kind {
				t.Fatalf("kind = %q, want %q", s.Kind(), tc.kind)
			}
			if !s.Enabled {
				t.Fatalf("enabled should default to true")
			}
			if err := s.Validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	err := Schedule{Trigger: Recurring{}}.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, want := range []string{"id", "subscription", "title", "body", "daysOfWeek"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestPatchApply(t *testing.T) {
	t.Parallel()

	base := Schedule{ID: "a", Title: "old", Payload: map[string]any{"k": 1}, Enabled: true}
	disabled := false
	sent := time.Date(2026, 3, 2, 8, 45, 0, 0, time.UTC)
	title := "new"
	got := Patch{Title: &title, Enabled: &disabled, LastSentAt: &sent}.Apply(base)

	if got.Title != "new" || got.Enabled || !got.LastSentAt.Equal(sent) {
		t.Fatalf("unexpected patched schedule: %+v", got)
	}
	got.Payload["k"] = 2
	if base.Payload["k"] != 1 {
		t.Fatalf("Apply must not alias the payload of the input")
	}
}
