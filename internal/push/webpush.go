// Package push holds the delivery channels behind dispatch.Sender: Web Push
// (VAPID), Telegram chats and a log-only sink, plus a Router choosing
// between them by subscription handle.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"

	"remindd/internal/dispatch"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

const DefaultSubject = "mailto:example@example.com"

var ErrNotConfigured = errors.New("push channel not configured")

type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTL        time.Duration
	Urgency    string
	RatePerSec int
	Timeout    time.Duration
}

// WebPush sends VAPID-signed Web Push messages. 404 and 410 answers from
// the push service are reported as dispatch.Gone.
type WebPush struct {
	mu      sync.RWMutex
	cfg     WebPushConfig
	limiter *rate.Limiter

	client *http.Client
	log    logx.Logger
}

func NewWebPush(cfg WebPushConfig, log logx.Logger) *WebPush {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &WebPush{log: log, client: &http.Client{}}
	w.Apply(cfg)
	return w
}

func (w *WebPush) Apply(cfg WebPushConfig) {
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Urgency == "" {
		cfg.Urgency = string(webpush.UrgencyNormal)
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	w.mu.Lock()
	w.cfg = cfg
	w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	w.client.Timeout = cfg.Timeout
	w.mu.Unlock()
}

// Configured reports whether VAPID keys are present.
func (w *WebPush) Configured() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg.PublicKey != "" && w.cfg.PrivateKey != ""
}

// PublicKey is handed to browsers for PushManager.subscribe.
func (w *WebPush) PublicKey() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg.PublicKey
}

func (w *WebPush) Send(ctx context.Context, to schedule.Handle, p dispatch.Payload) error {
	sub, ok := to.PushSubscription()
	if !ok {
		return fmt.Errorf("web push: handle is not a push subscription")
	}
	w.mu.RLock()
	cfg, limiter := w.cfg, w.limiter
	w.mu.RUnlock()
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return fmt.Errorf("web push: %w: VAPID keys missing", ErrNotConfigured)
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("web push: encode payload: %w", err)
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Keys.Auth, P256dh: sub.Keys.P256dh},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      cfg.Subject,
		VAPIDPublicKey:  cfg.PublicKey,
		VAPIDPrivateKey: cfg.PrivateKey,
		TTL:             int(cfg.TTL / time.Second),
		Urgency:         webpush.Urgency(cfg.Urgency),
		Topic:           topic(p.Tag),
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("web push: push service answered %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return dispatch.Gone(err)
	default:
		return err
	}
}

// topic maps a tag onto the Topic header alphabet (URL-safe base64, at
// most 32 characters). Tags that do not fit are dropped.
func topic(tag string) string {
	if tag == "" || len(tag) > 32 {
		return ""
	}
	for _, r := range tag {
		ok := r == '-' || r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !ok {
			return ""
		}
	}
	return tag
}

// GenerateVAPIDKeys returns a fresh key pair for first-time setup.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
