// Package trigger runs the periodic tick on a cron schedule.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/dispatch"
	logx "remindd/pkg/logx"
)

const DefaultSpec = "@every 1m"

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
	// Timeout bounds one tick.
	Timeout time.Duration
}

// Ticker is what gets run on every firing.
type Ticker interface {
	Tick(ctx context.Context) (dispatch.BatchResult, error)
}

// Trigger owns one cron entry. A firing that arrives while the previous
// tick is still running is skipped.
type Trigger struct {
	ticker Ticker
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entry   cron.EntryID
	loc     *time.Location
	baseCtx context.Context

	runs    atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, ticker Ticker, log logx.Logger) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{
		ticker: ticker,
		log:    log,
		cfg:    normalize(cfg),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func normalize(cfg Config) Config {
	cfg.Spec = strings.TrimSpace(cfg.Spec)
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Second
	}
	return cfg
}

// LoadLocation maps "" and "Local" to time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Validate checks that cfg would start.
func (t *Trigger) Validate(cfg Config) error {
	cfg = normalize(cfg)
	if _, err := LoadLocation(cfg.Timezone); err != nil {
		return err
	}
	spec, err := ParseSpec(cfg.Spec)
	if err != nil {
		return err
	}
	if _, err := t.parser.Parse(spec.Cron); err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec.Cron, err)
	}
	return nil
}

// Start begins firing when the config is enabled. ctx is the parent of
// every tick context.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseCtx = ctx
	return t.startLocked()
}

func (t *Trigger) startLocked() error {
	if t.c != nil || !t.cfg.Enabled {
		if !t.cfg.Enabled {
			t.log.Info("tick trigger disabled; waiting for external calls")
		}
		return nil
	}
	loc, err := LoadLocation(t.cfg.Timezone)
	if err != nil {
		return err
	}
	spec, err := ParseSpec(t.cfg.Spec)
	if err != nil {
		return err
	}
	clog := cronLogger{log: t.log}
	c := cron.New(
		cron.WithParser(t.parser),
		cron.WithLocation(loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(skipCounter{clog: clog, skipped: &t.skipped})),
	)
	id, err := c.AddFunc(spec.Cron, t.fire)
	if err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec.Cron, err)
	}
	c.Start()
	t.c, t.entry, t.loc = c, id, loc
	t.log.Info("tick trigger started",
		logx.String("spec", spec.Cron),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

func (t *Trigger) fire() {
	t.mu.Lock()
	base, timeout := t.baseCtx, t.cfg.Timeout
	t.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if base.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	t.runs.Add(1)
	if _, err := t.ticker.Tick(ctx); err != nil {
		t.log.Error("tick failed", logx.Err(err))
	}
}

// Stop waits for a running tick or ctx, whichever comes first.
func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("tick trigger stopped", logx.Int64("runs", int64(t.runs.Load())), logx.Int64("skipped", int64(t.skipped.Load())))
}

// Apply swaps the config, restarting the cron when the cron expression, zone or
// enabled flag changed.
func (t *Trigger) Apply(cfg Config) error {
	cfg = normalize(cfg)
	if cfg.Enabled {
		if err := t.Validate(cfg); err != nil {
			return err
		}
	}
	t.mu.Lock()
	old := t.cfg
	t.cfg = cfg
	restart := old.Enabled != cfg.Enabled || old.Spec != cfg.Spec || old.Timezone != cfg.Timezone
	running := t.c
	if !restart || t.baseCtx == nil {
		t.mu.Unlock()
		return nil
	}
	t.c = nil
	t.mu.Unlock()

	if running != nil {
		<-running.Stop().Done()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked()
}

// Next returns the next firing, or zero when not running.
func (t *Trigger) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c == nil {
		return time.Time{}
	}
	return t.c.Entry(t.entry).Next
}

type Stats struct {
	Running bool      `json:"running"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Runs    uint64    `json:"runs"`
	Skipped uint64    `json:"skipped"`
}

func (t *Trigger) Stats() Stats {
	next := t.Next()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Running: t.c != nil, Spec: t.cfg.Spec, Next: next, Runs: t.runs.Load(), Skipped: t.skipped.Load()}
}

// cronLogger forwards robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// skipCounter counts SkipIfStillRunning skips. The chain logs them at
// info level through the wrapped logger.
type skipCounter struct {
	clog    cronLogger
	skipped *atomic.Uint64
}

func (s skipCounter) Info(msg string, kv ...any) {
	if msg == "skip" {
		s.skipped.Add(1)
		s.clog.log.Warn("tick still running, skipping this firing")
		return
	}
	s.clog.Info(msg, kv...)
}

func (s skipCounter) Error(err error, msg string, kv ...any) { s.clog.Error(err, msg, kv...) }
