package config

import (
	"reflect"
	"strings"

	logx "remindd/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are reported only
// as "<name>_set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.admin_token_set", set(newCfg.HTTP.AdminToken)),
			logx.Bool("http.cron_secret_set", set(newCfg.HTTP.CronSecret)),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.spec", newCfg.Scheduler.Spec),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.match", newCfg.Scheduler.Match),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs, logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers))
		if newCfg.Dispatcher.RetryMax != nil {
			attrs = append(attrs, logx.Int("dispatcher.retry_max", *newCfg.Dispatcher.RetryMax))
		}
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.vapid_public_key_set", set(newCfg.Push.VAPIDPublicKey)),
			logx.Bool("push.vapid_private_key_set", set(newCfg.Push.VAPIDPrivateKey)),
			logx.Int("push.rate_per_sec", newCfg.Push.RatePerSec),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.Int64("telegram.alert_chat_id", newCfg.Telegram.AlertChatID),
		)
	}

	if oldCfg.Delayed != newCfg.Delayed {
		changed = append(changed, "delayed")
		attrs = append(attrs,
			logx.Bool("delayed.token_set", set(newCfg.Delayed.Token)),
			logx.String("delayed.callback_url", newCfg.Delayed.CallbackURL),
			logx.Bool("delayed.signing_keys_set", set(newCfg.Delayed.CurrentSigningKey) || set(newCfg.Delayed.NextSigningKey)),
			logx.Int("delayed.horizon_weeks", newCfg.Delayed.HorizonWeeks),
		)
	}

	return changed, attrs
}
