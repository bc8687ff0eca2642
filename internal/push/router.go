package push

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"remindd/internal/dispatch"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

const LogScheme = "log:"

// Log "delivers" by writing the payload to the log. Handles look like
// "log:<name>". Useful for dry runs and local development.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log}
}

func (l *Log) Send(_ context.Context, to schedule.Handle, p dispatch.Payload) error {
	l.log.Info("notification",
		logx.String("to", to.String()),
		logx.String("title", p.Title),
		logx.String("body", p.Body),
		logx.String("tag", p.Tag),
	)
	return nil
}

// Router picks a channel from the handle: a JSON push subscription goes to
// Web, "tg:" to Telegram and "log:" to Log. A nil channel is treated as not
// configured.
type Router struct {
	Web      dispatch.Sender
	Telegram dispatch.Sender
	Log      dispatch.Sender
}

func (r Router) Send(ctx context.Context, to schedule.Handle, p dispatch.Payload) error {
	var (
		s    dispatch.Sender
		name string
	)
	raw := strings.TrimSpace(to.String())
	switch {
	case to.IsObject():
		s, name = r.Web, "web push"
	case strings.HasPrefix(raw, TelegramScheme):
		s, name = r.Telegram, "telegram"
	case strings.HasPrefix(raw, LogScheme):
		s, name = r.Log, "log"
	default:
		return fmt.Errorf("push: no channel for handle %q", truncate(raw, 64))
	}
	if s == nil {
		return fmt.Errorf("push: %s: %w", name, ErrNotConfigured)
	}
	return s.Send(ctx, to, p)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
