package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"remindd/internal/due"
	"remindd/internal/trigger"
)

// Validate checks field syntax only; it does not open stores or sockets.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if cfg.HTTP.MaxBodyBytes < 0 {
		add(errors.New("http.max_body_bytes: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	if strings.TrimSpace(cfg.Scheduler.Spec) != "" {
		if _, err := trigger.ParseSpec(cfg.Scheduler.Spec); err != nil {
			add(fmt.Errorf("scheduler.spec: %w", err))
		}
	}
	if _, err := trigger.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}
	if _, err := due.ParseMode(cfg.Scheduler.Match); err != nil {
		add(fmt.Errorf("scheduler.match: %w", err))
	}
	dur("scheduler.grace", cfg.Scheduler.Grace)
	dur("scheduler.timeout", cfg.Scheduler.Timeout)

	if cfg.Dispatcher.Workers < 0 {
		add(errors.New("dispatcher.workers: must be >= 0"))
	}
	if cfg.Dispatcher.RetryMax != nil && *cfg.Dispatcher.RetryMax < 0 {
		add(errors.New("dispatcher.retry_max: must be >= 0"))
	}
	dur("dispatcher.retry_base", cfg.Dispatcher.RetryBase)
	dur("dispatcher.retry_max_delay", cfg.Dispatcher.RetryMaxDelay)
	dur("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("push.ttl", cfg.Push.TTL)
	dur("push.timeout", cfg.Push.Timeout)
	switch strings.ToLower(strings.TrimSpace(cfg.Push.Urgency)) {
	case "", "very-low", "low", "normal", "high":
	default:
		add(fmt.Errorf("push.urgency: unknown urgency %q", cfg.Push.Urgency))
	}
	if cfg.Push.RatePerSec < 0 {
		add(errors.New("push.rate_per_sec: must be >= 0"))
	}
	if (cfg.Push.VAPIDPublicKey == "") != (cfg.Push.VAPIDPrivateKey == "") {
		add(errors.New("push: vapid_public_key and vapid_private_key must be set together"))
	}

	dur("telegram.timeout", cfg.Telegram.Timeout)
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.AlertChatID == 0 {
		add(errors.New("logging.telegram: telegram.alert_chat_id is required"))
	}

	dur("delayed.timeout", cfg.Delayed.Timeout)
	if cfg.Delayed.Retries < 0 {
		add(errors.New("delayed.retries: must be >= 0"))
	}
	if cfg.Delayed.HorizonWeeks < 0 {
		add(errors.New("delayed.horizon_weeks: must be >= 0"))
	}

	return errors.Join(errs...)
}

// Duration parses raw with a default, for callers that
// already ran Validate.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
