package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets may be left empty here and supplied through the environment
// (see ApplyEnv).
type Config struct {
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Storage    StorageConfig    `json:"storage"`
	Push       PushConfig       `json:"push"`
	Telegram   TelegramConfig   `json:"telegram"`
	Delayed    DelayedConfig    `json:"delayed"`
}

// HTTPConfig controls the admin and webhook server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - A non-loopback addr needs admin_token or allow_insecure.
type HTTPConfig struct {
	Addr          string   `json:"addr,omitempty"`
	AdminToken    string   `json:"admin_token,omitempty"` // do not log
	CronSecret    string   `json:"cron_secret,omitempty"` // do not log
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records at or above min_level to telegram.alert_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the periodic tick.
//
// Enabled is a pointer so an omitted value means true. Set it to false when
// an external cron calls /v1/tick.
//
// Defaults:
//   - spec: "@every 1m"
//   - timezone: local
//   - match: "catch-up"
//   - grace: "0s" (no limit)
//   - timeout: "50s"
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Match    string `json:"match,omitempty"`
	Grace    string `json:"grace,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// DispatcherConfig controls fan-out and retries.
//
// Defaults: workers 8, retry_max 2, retry_base "500ms",
// retry_max_delay "10s", send_timeout "0s", disable_on_gone true.
type DispatcherConfig struct {
	Workers       int    `json:"workers,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	DisableOnGone *bool  `json:"disable_on_gone,omitempty"`
	Icon          string `json:"icon,omitempty"`
	Badge         string `json:"badge,omitempty"`
}

// StorageConfig selects the schedule repository backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// PushConfig configures Web Push (VAPID).
type PushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key,omitempty"`
	VAPIDPrivateKey string `json:"vapid_private_key,omitempty"` // do not log
	VAPIDSubject    string `json:"vapid_subject,omitempty"`
	TTL             string `json:"ttl,omitempty"`
	Urgency         string `json:"urgency,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
}

// TelegramConfig enables "tg:<chat id>" delivery and the log alert sink.
type TelegramConfig struct {
	Token       string `json:"token,omitempty"` // do not log
	AlertChatID int64  `json:"alert_chat_id,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// DelayedConfig configures the external delayed delivery service.
// It is disabled while token or callback_url is empty.
type DelayedConfig struct {
	URL               string `json:"url,omitempty"`
	Token             string `json:"token,omitempty"` // do not log
	CallbackURL       string `json:"callback_url,omitempty"`
	Retries           int    `json:"retries,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
	HorizonWeeks      int    `json:"horizon_weeks,omitempty"`
	CurrentSigningKey string `json:"current_signing_key,omitempty"` // do not log
	NextSigningKey    string `json:"next_signing_key,omitempty"`    // do not log
}

// IsEnabled applies the omitted-means-true default.
func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
