package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultVAPIDSubject is used when neither the file nor the environment
// names a contact.
const DefaultVAPIDSubject = "mailto:example@example.com"

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Variables already set win. Missing files
// are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var errs []error
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// envBinding fills one config field from the first non-empty variable.
type envBinding struct {
	names []string
	field func(c *Config) *string
}

var envBindings = []envBinding{
	{[]string{"VAPID_PUBLIC_KEY", "NEXT_PUBLIC_VAPID_PUBLIC_KEY"}, func(c *Config) *string { return &c.Push.VAPIDPublicKey }},
	{[]string{"VAPID_PRIVATE_KEY"}, func(c *Config) *string { return &c.Push.VAPIDPrivateKey }},
	{[]string{"VAPID_SUBJECT"}, func(c *Config) *string { return &c.Push.VAPIDSubject }},
	{[]string{"QSTASH_TOKEN"}, func(c *Config) *string { return &c.Delayed.Token }},
	{[]string{"QSTASH_URL"}, func(c *Config) *string { return &c.Delayed.URL }},
	{[]string{"QSTASH_CALLBACK_URL"}, func(c *Config) *string { return &c.Delayed.CallbackURL }},
	{[]string{"QSTASH_CURRENT_SIGNING_KEY"}, func(c *Config) *string { return &c.Delayed.CurrentSigningKey }},
	{[]string{"QSTASH_NEXT_SIGNING_KEY"}, func(c *Config) *string { return &c.Delayed.NextSigningKey }},
	{[]string{"CRON_SECRET"}, func(c *Config) *string { return &c.HTTP.CronSecret }},
	{[]string{"ADMIN_TOKEN"}, func(c *Config) *string { return &c.HTTP.AdminToken }},
	{[]string{"TELEGRAM_TOKEN"}, func(c *Config) *string { return &c.Telegram.Token }},
}

// ApplyEnv fills empty secret fields from the environment and applies the
// VAPID subject default. lookup is os.LookupEnv when nil.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, b := range envBindings {
		dst := b.field(cfg)
		if strings.TrimSpace(*dst) != "" {
			continue
		}
		for _, name := range b.names {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				break
			}
		}
	}
	if strings.TrimSpace(cfg.Push.VAPIDSubject) == "" {
		cfg.Push.VAPIDSubject = DefaultVAPIDSubject
	}
}
