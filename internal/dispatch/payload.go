package dispatch

import (
	"context"
	"errors"
	"maps"
	"strings"

	"remindd/internal/schedule"
)

const DefaultIcon = "/favicon-192.png"

// Payload is the notification body handed to a Sender. Its JSON form is
// what a service worker receives.
type Payload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Badge              string         `json:"badge,omitempty"`
	Tag                string         `json:"tag,omitempty"`
	RequireInteraction bool           `json:"requireInteraction"`
	Data               map[string]any `json:"data,omitempty"`
}

// Render builds the payload for s. Empty icon or badge fall back to
// DefaultIcon.
func Render(s schedule.Schedule, icon, badge string) Payload {
	if icon == "" {
		icon = DefaultIcon
	}
	if badge == "" {
		badge = DefaultIcon
	}
	return Payload{
		Title:              s.Title,
		Body:               s.Body,
		Icon:               icon,
		Badge:              badge,
		Tag:                s.ID,
		RequireInteraction: s.Kind() == schedule.KindOneTime,
		Data:               maps.Clone(s.Payload),
	}
}

// Validate checks the fields every channel needs.
func (p Payload) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if strings.TrimSpace(p.Body) == "" {
		errs = append(errs, errors.New("body is required"))
	}
	return errors.Join(errs...)
}

// Sender delivers one payload to one subscription. An error wrapped with
// Gone marks the subscription as permanently invalid.
type Sender interface {
	Send(ctx context.Context, to schedule.Handle, p Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to schedule.Handle, p Payload) error

func (f SenderFunc) Send(ctx context.Context, to schedule.Handle, p Payload) error {
	return f(ctx, to, p)
}
