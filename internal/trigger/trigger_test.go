package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"remindd/internal/dispatch"
	logx "remindd/pkg/logx"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		cron   string
		source string
		every  time.Duration
	}{
		{name: "cron", raw: "* * * * *", cron: "* * * * *", source: "cron"},
		{name: "cron with seconds", raw: "0 */1 * * * *", cron: "0 */1 * * * *", source: "cron"},
		{name: "descriptor", raw: "@every 1m", cron: "@every 1m", source: "cron"},
		{name: "prefixed cron", raw: "cron:*/5 * * * *", cron: "*/5 * * * *", source: "cron"},
		{name: "duration", raw: "30s", cron: "@every 30s", source: "duration", every: 30 * time.Second},
		{name: "prefixed interval", raw: "interval:2m", cron: "@every 2m0s", source: "duration", every: 2 * time.Minute},
		{name: "every prefix", raw: "every:1m", cron: "@every 1m0s", source: "duration", every: time.Minute},
		{name: "hhmm", raw: "00:01", cron: "@every 1m0s", source: "hhmm", every: time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpec(tt.raw)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "00:75", "0s", "-1m", "cron:"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q) expected error", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tr := New(Config{}, nil, logx.Nop())
	if err := tr.Validate(Config{Spec: "* * * * *", Timezone: "Asia/Jakarta"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := tr.Validate(Config{Spec: "61 * * * *"}); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
	if err := tr.Validate(Config{Timezone: "Mars/Olympus"}); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}

func TestLoadLocationLocal(t *testing.T) {
	t.Parallel()
	for _, tz := range []string{"", "Local", " local "} {
		loc, err := LoadLocation(tz)
		if err != nil || loc != time.Local {
			t.Fatalf("LoadLocation(%q) = %v, %v", tz, loc, err)
		}
	}
}

type countingTicker struct {
	n     atomic.Int32
	block chan struct{}
}

func (c *countingTicker) Tick(ctx context.Context) (dispatch.BatchResult, error) {
	c.n.Add(1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	return dispatch.BatchResult{}, nil
}

func TestTriggerFires(t *testing.T) {
	t.Parallel()
	tk := &countingTicker{}
	tr := New(Config{Enabled: true, Spec: "@every 1s"}, tk, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.Next().IsZero() {
		t.Fatal("expected next firing while running")
	}

	deadline := time.Now().Add(5 * time.Second)
	for tk.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	tr.Stop(stopCtx)

	if tk.n.Load() == 0 {
		t.Fatal("ticker never ran")
	}
	if st := tr.Stats(); st.Running || st.Runs == 0 {
		t.Fatalf("unexpected stats after stop: %+v", st)
	}
}

func TestTriggerSkipsOverlappingRuns(t *testing.T) {
	t.Parallel()
	tk := &countingTicker{block: make(chan struct{})}
	tr := New(Config{Enabled: true, Spec: "@every 1s", Timeout: time.Minute}, tk, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(6 * time.Second)
	for tr.Stats().Skipped == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	close(tk.block)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	tr.Stop(stopCtx)

	if tr.Stats().Skipped == 0 {
		t.Fatal("expected at least one skipped firing")
	}
	if got := tk.n.Load(); got != 1 {
		t.Fatalf("ticker ran %d times, want 1", got)
	}
}

func TestDisabledTriggerDoesNotRun(t *testing.T) {
	t.Parallel()
	tr := New(Config{Enabled: false}, &countingTicker{}, logx.Nop())
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := tr.Stats(); st.Running || st.Spec != DefaultSpec {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestApplyRestartsOnSpecChange(t *testing.T) {
	t.Parallel()
	tr := New(Config{Enabled: true, Spec: "0 0 * * *"}, &countingTicker{}, logx.Nop())
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop(context.Background())
	daily := tr.Next()

	if err := tr.Apply(Config{Enabled: true, Spec: "@every 1s"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	next := tr.Next()
	if next.IsZero() || !next.Before(daily) {
		t.Fatalf("next = %v, want before %v", next, daily)
	}
	if err := tr.Apply(Config{Enabled: true, Spec: "bogus spec here x"}); err == nil {
		t.Fatal("expected invalid spec to be rejected")
	}
	if got := tr.Stats().Spec; got != "@every 1s" {
		t.Fatalf("spec after rejected apply = %q", got)
	}

	if err := tr.Apply(Config{Enabled: false}); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	if !tr.Next().IsZero() {
		t.Fatal("expected no next firing after disable")
	}
}
