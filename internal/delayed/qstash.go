package delayed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultQStashURL = "https://qstash.upstash.io"

// Publisher hands a message to the external service and returns its id.
type Publisher interface {
	Publish(ctx context.Context, m DelayedMessage) (messageID string, err error)
}

// Canceler is implemented by publishers that can withdraw a message.
type Canceler interface {
	CancelMessage(ctx context.Context, messageID string) error
}

type QStashConfig struct {
	BaseURL  string
	Token    string
	Callback string // absolute URL of the webhook
	Retries  int
	Timeout  time.Duration
}

// QStash talks to the Upstash QStash v2 REST API.
type QStash struct {
	cfg  QStashConfig
	http *http.Client
}

func NewQStash(cfg QStashConfig) (*QStash, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrDisabled)
	}
	if _, err := url.ParseRequestURI(cfg.Callback); err != nil || !strings.HasPrefix(cfg.Callback, "http") {
		return nil, fmt.Errorf("%w: callback %q is not an absolute URL", ErrDisabled, cfg.Callback)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultQStashURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &QStash{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (q *QStash) Publish(ctx context.Context, m DelayedMessage) (string, error) {
	body, err := json.Marshal(m.Message)
	if err != nil {
		return "", fmt.Errorf("qstash: encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.cfg.BaseURL+"/v2/publish/"+q.cfg.Callback, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("qstash: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+q.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Delay", strconv.FormatInt(m.DelaySeconds(), 10)+"s")
	req.Header.Set("Upstash-Retries", strconv.Itoa(q.cfg.Retries))

	resp, err := q.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("qstash publish: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError("publish", resp); err != nil {
		return "", err
	}
	var out struct {
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("qstash publish: decode response: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("qstash publish: response carried no messageId")
	}
	return out.MessageID, nil
}

func (q *QStash) CancelMessage(ctx context.Context, messageID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, q.cfg.BaseURL+"/v2/messages/"+url.PathEscape(messageID), nil)
	if err != nil {
		return fmt.Errorf("qstash: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+q.cfg.Token)
	resp, err := q.http.Do(req)
	if err != nil {
		return fmt.Errorf("qstash cancel: %w", err)
	}
	defer resp.Body.Close()
	return statusError("cancel", resp)
}

func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("qstash %s: token rejected (401): %s", op, strings.TrimSpace(string(snippet)))
	}
	return fmt.Errorf("qstash %s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
