// Package dispatch delivers due schedules concurrently and records the
// outcome of each delivery independently.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"remindd/internal/eventbus"
	"remindd/internal/schedule"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

type Config struct {
	Workers       int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds one Send call; 0 leaves it to the sender.
	SendTimeout   time.Duration
	DisableOnGone bool
	Icon          string
	Badge         string
}

func DefaultConfig() Config {
	return Config{
		Workers:       8,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		DisableOnGone: true,
		Icon:          DefaultIcon,
		Badge:         DefaultIcon,
	}
}

// Dispatcher is safe for concurrent use. Apply may be called while a batch
// is running; the batch keeps the config it started with.
type Dispatcher struct {
	mu  sync.RWMutex
	cfg Config

	repo   storage.Repository
	sender Sender
	log    logx.Logger
	bus    eventbus.Bus
}

func New(cfg Config, repo storage.Repository, sender Sender, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{repo: repo, sender: sender, log: log, bus: bus}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout < 0 {
		cfg.SendTimeout = 0
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Dispatch delivers every schedule in due, stamping LastSentAt=now on each
// success. A failure affects only its own schedule.
func (d *Dispatcher) Dispatch(ctx context.Context, due []schedule.Schedule, now time.Time) BatchResult {
	cfg := d.config()
	start := time.Now()
	res := newResult(start)
	res.Attempted = len(due)

	var (
		mu       sync.Mutex
		disabled = map[string]bool{} // subscription keys handled this batch
	)
	record := func(de *DeliveryError) {
		mu.Lock()
		res.Failed++
		res.Errors = append(res.Errors, de.Failure())
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(cfg.Workers)
	for _, s := range due {
		s := s
		g.Go(func() error {
			err := d.deliver(ctx, cfg, s.Subscription, Render(s, cfg.Icon, cfg.Badge))
			if err != nil {
				de := newDeliveryError(s.ID, err)
				record(de)
				d.log.Warn("delivery failed",
					logx.String("schedule", s.ID),
					logx.String("kind", string(de.Kind)),
					logx.Err(err),
				)
				d.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: eventbus.Delivery{
					ScheduleID: s.ID, Subscription: s.Subscription.Key(), Kind: string(de.Kind), Error: err.Error(),
				}})
				if de.Kind != FailureGone || !cfg.DisableOnGone {
					return nil
				}
				key := s.Subscription.Key()
				mu.Lock()
				first := !disabled[key]
				disabled[key] = true
				mu.Unlock()
				if first {
					ids := d.disableSubscription(ctx, key)
					mu.Lock()
					res.Deactivated = append(res.Deactivated, ids...)
					mu.Unlock()
				}
				return nil
			}

			sent := now
			ok, uerr := d.repo.Update(ctx, s.ID, schedule.Patch{LastSentAt: &sent})
			if uerr == nil && !ok {
				uerr = errors.New("schedule removed before it could be stamped")
			}
			if uerr != nil {
				record(&DeliveryError{ScheduleID: s.ID, Kind: FailureStorage, Err: uerr})
				d.log.Error("mark sent failed", logx.String("schedule", s.ID), logx.Err(uerr))
				return nil
			}
			mu.Lock()
			res.Succeeded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].ID < res.Errors[j].ID })
	sort.Strings(res.Deactivated)
	res.Took = Duration(time.Since(start))
	return res
}

// Target is one recipient of Fanout. ID identifies it in the result.
type Target struct {
	ID     string
	Handle schedule.Handle
}

// Fanout sends p to every target through the worker pool. Nothing is
// stamped or disabled; the caller inspects Errors for FailureGone.
func (d *Dispatcher) Fanout(ctx context.Context, targets []Target, p Payload) BatchResult {
	cfg := d.config()
	start := time.Now()
	res := newResult(start)
	res.Attempted = len(targets)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(cfg.Workers)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			err := d.deliver(ctx, cfg, t.Handle, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors = append(res.Errors, newDeliveryError(t.ID, err).Failure())
				return nil
			}
			res.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].ID < res.Errors[j].ID })
	res.Took = Duration(time.Since(start))
	return res
}

// Deliver sends one payload with the configured retry policy.
func (d *Dispatcher) Deliver(ctx context.Context, to schedule.Handle, p Payload) error {
	return d.deliver(ctx, d.config(), to, p)
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, to schedule.Handle, p Payload) error {
	attempts := cfg.RetryMax + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = d.sendOnce(ctx, cfg, to, p)
		if err == nil || IsGone(err) || attempt == attempts {
			return err
		}
		wait := retryDelay(cfg, attempt)
		d.log.Debug("retrying delivery",
			logx.String("to", to.Key()),
			logx.Int("attempt", attempt),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

func (d *Dispatcher) sendOnce(ctx context.Context, cfg Config, to schedule.Handle, p Payload) error {
	if cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}
	return d.sender.Send(ctx, to, p)
}

// disableSubscription turns off every enabled schedule owned by key and
// returns their ids.
func (d *Dispatcher) disableSubscription(ctx context.Context, key string) []string {
	owned, err := d.repo.List(ctx, storage.Filter{Subscription: key, EnabledOnly: true})
	if err != nil {
		d.log.Error("list schedules of gone subscription failed", logx.String("subscription", key), logx.Err(err))
		return nil
	}
	off := false
	ids := make([]string, 0, len(owned))
	for _, s := range owned {
		ok, err := d.repo.Update(ctx, s.ID, schedule.Patch{Enabled: &off})
		if err != nil {
			d.log.Error("disable schedule failed", logx.String("schedule", s.ID), logx.Err(err))
			continue
		}
		if ok {
			ids = append(ids, s.ID)
		}
	}
	d.log.Info("subscription gone, schedules disabled",
		logx.String("subscription", key),
		logx.Strings("disabled", ids),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.SubscriptionGone, Data: eventbus.Delivery{Subscription: key, Disabled: ids}})
	return ids
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
