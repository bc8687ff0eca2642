package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindd/internal/dispatch"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

const TelegramScheme = "tg:"

type TelegramConfig struct {
	Token       string
	AlertChatID int64
	Timeout     time.Duration
}

// Telegram delivers reminders to chats addressed as "tg:<chat id>". It
// never polls for updates. It also serves as the log alert sink.
type Telegram struct {
	bot         *tele.Bot
	alertChatID int64
	log         logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram: %w: token is empty", ErrNotConfigured)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  newHTTPClient(cfg.Timeout),
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, alertChatID: cfg.AlertChatID, log: log}, nil
}

// TelegramHandle addresses a chat.
func TelegramHandle(chatID int64) schedule.Handle {
	return schedule.Handle(TelegramScheme + strconv.FormatInt(chatID, 10))
}

func chatID(h schedule.Handle) (int64, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(h.String()), TelegramScheme)
	if !ok {
		return 0, fmt.Errorf("telegram: handle %q has no %s prefix", h, TelegramScheme)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id in %q", h)
	}
	return id, nil
}

func (t *Telegram) Send(ctx context.Context, to schedule.Handle, p dispatch.Payload) error {
	id, err := chatID(to)
	if err != nil {
		return err
	}
	return t.send(ctx, id, formatMessage(p))
}

// Alert implements logx.Alerter.
func (t *Telegram) Alert(ctx context.Context, text string) error {
	if t.alertChatID == 0 {
		return nil
	}
	return t.send(ctx, t.alertChatID, text)
}

func (t *Telegram) send(ctx context.Context, chat int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chat}, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err == nil {
		return nil
	}
	if chatGone(err) {
		return dispatch.Gone(fmt.Errorf("telegram: %w", err))
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return fmt.Errorf("telegram: rate limited, retry after %ds: %w", flood.RetryAfter, err)
	}
	return fmt.Errorf("telegram: %w", err)
}

func chatGone(err error) bool {
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrUserIsDeactivated) {
		return true
	}
	var te *tele.Error
	return errors.As(err, &te) && te.Code == 403
}

func formatMessage(p dispatch.Payload) string {
	var b strings.Builder
	b.WriteString(p.Title)
	if p.Body != "" {
		b.WriteString("\n")
		b.WriteString(p.Body)
	}
	return b.String()
}
