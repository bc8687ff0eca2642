package app

import (
	"strings"
	"time"

	"remindd/internal/config"
	"remindd/internal/delayed"
	"remindd/internal/dispatch"
	"remindd/internal/due"
	"remindd/internal/httpapi"
	"remindd/internal/push"
	"remindd/internal/storage"
	"remindd/internal/trigger"
	logx "remindd/pkg/logx"
)

// The map* helpers assume config.Validate already passed; a parse failure
// here falls back to the default.

const defaultRetryMax = 2

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, time.Second),
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	dc := dispatch.DefaultConfig()
	d := cfg.Dispatcher
	if d.Workers > 0 {
		dc.Workers = d.Workers
	}
	dc.RetryMax = defaultRetryMax
	if d.RetryMax != nil {
		dc.RetryMax = *d.RetryMax
	}
	dc.RetryBase = config.Duration(d.RetryBase, dc.RetryBase)
	dc.RetryMaxDelay = config.Duration(d.RetryMaxDelay, dc.RetryMaxDelay)
	dc.SendTimeout = config.Duration(d.SendTimeout, 0)
	if d.DisableOnGone != nil {
		dc.DisableOnGone = *d.DisableOnGone
	}
	if s := strings.TrimSpace(d.Icon); s != "" {
		dc.Icon = s
	}
	if s := strings.TrimSpace(d.Badge); s != "" {
		dc.Badge = s
	}
	return dc
}

func mapEvaluator(cfg *config.Config) due.Evaluator {
	loc, err := trigger.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		loc = time.Local
	}
	mode, err := due.ParseMode(cfg.Scheduler.Match)
	if err != nil {
		mode = due.ModeCatchUp
	}
	return due.Evaluator{
		Location: loc,
		Mode:     mode,
		Grace:    config.Duration(cfg.Scheduler.Grace, 0),
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{
		Enabled:  cfg.Scheduler.IsEnabled(),
		Spec:     cfg.Scheduler.Spec,
		Timezone: cfg.Scheduler.Timezone,
		Timeout:  config.Duration(cfg.Scheduler.Timeout, 0),
	}
}

func mapWebPushConfig(cfg *config.Config) push.WebPushConfig {
	return push.WebPushConfig{
		PublicKey:  cfg.Push.VAPIDPublicKey,
		PrivateKey: cfg.Push.VAPIDPrivateKey,
		Subject:    cfg.Push.VAPIDSubject,
		TTL:        config.Duration(cfg.Push.TTL, 0),
		Urgency:    strings.ToLower(strings.TrimSpace(cfg.Push.Urgency)),
		RatePerSec: cfg.Push.RatePerSec,
		Timeout:    config.Duration(cfg.Push.Timeout, 0),
	}
}

func mapTelegramConfig(cfg *config.Config) push.TelegramConfig {
	return push.TelegramConfig{
		Token:       cfg.Telegram.Token,
		AlertChatID: cfg.Telegram.AlertChatID,
		Timeout:     config.Duration(cfg.Telegram.Timeout, 0),
	}
}

func mapQStashConfig(cfg *config.Config) delayed.QStashConfig {
	return delayed.QStashConfig{
		BaseURL:  cfg.Delayed.URL,
		Token:    cfg.Delayed.Token,
		Callback: cfg.Delayed.CallbackURL,
		Retries:  cfg.Delayed.Retries,
		Timeout:  config.Duration(cfg.Delayed.Timeout, 0),
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	return httpapi.Config{
		Addr:          strings.TrimSpace(h.Addr),
		AdminToken:    h.AdminToken,
		CronSecret:    h.CronSecret,
		AllowInsecure: h.AllowInsecure,
		CORSOrigins:   h.CORSOrigins,
		Pprof:         h.Pprof,
		ReadTimeout:   config.Duration(h.ReadTimeout, 0),
		WriteTimeout:  config.Duration(h.WriteTimeout, 0),
		IdleTimeout:   config.Duration(h.IdleTimeout, 0),
		MaxBodyBytes:  h.MaxBodyBytes,
	}
}
