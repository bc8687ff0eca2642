package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingAlerter) Alert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestFormatAlertSortsFields(t *testing.T) {
	t.Parallel()

	got := formatAlert([]byte(`{"level":"warn","message":"send failed","zeta":1,"alpha":"x","time":"t"}`))
	want := "[WARN] send failed\n- alpha=x\n- zeta=1"
	if got != want {
		t.Fatalf("formatAlert:\n got %q\nwant %q", got, want)
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	t.Parallel()

	if got := formatAlert([]byte("  plain line \n")); got != "plain line" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestAlertSinkHonorsMinLevel(t *testing.T) {
	rec := &recordingAlerter{}
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}}, rec)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("above threshold", String("id", "class-1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 alert, got %d: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "above threshold") || !strings.Contains(msgs[0], "id=class-1") {
		t.Fatalf("unexpected alert text: %q", msgs[0])
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("tick", Int("due", 3))

	out := buf.String()
	for _, want := range []string{`"comp":"dispatch"`, `"due":3`, `"message":"tick"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
	if Nop().Enabled(LevelError) {
		t.Fatalf("nop logger must not enable any level")
	}
}
