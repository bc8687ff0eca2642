package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Alerter receives rendered log lines at or above AlertConfig.MinLevel.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// alertSink is a zerolog.LevelWriter that forwards to an Alerter from a
// single worker goroutine. Writes never block logging; overflow is dropped.
type alertSink struct {
	mu       sync.Mutex
	target   Alerter
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue  chan string
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAlertSink(a Alerter) *alertSink {
	return &alertSink{
		target:   a,
		queue:    make(chan string, 256),
		limiter:  rate.NewLimiter(1, 1),
		minLevel: zerolog.WarnLevel,
	}
}

func (w *alertSink) setTarget(a Alerter) {
	w.mu.Lock()
	w.target = a
	w.mu.Unlock()
}

func (w *alertSink) apply(cfg AlertConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	w.mu.Lock()
	w.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	w.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	w.mu.Unlock()

	if cfg.Enabled {
		w.once.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			w.cancel = cancel
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.run(ctx)
			}()
		})
	}
}

func (w *alertSink) close() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		w.wg.Wait()
	}
}

func (w *alertSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			w.mu.Lock()
			t := w.target
			w.mu.Unlock()
			if t != nil {
				_ = t.Alert(ctx, msg)
			}
		}
	}
}

func (w *alertSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	t := w.target
	lim := w.limiter
	minLevel := w.minLevel
	w.mu.Unlock()

	if t == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatAlert(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case w.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatAlert renders one zerolog JSON line as "[LEVEL] message" followed
// by sorted "- key=value" lines.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
