// Package delayed registers notifications with an external delayed-delivery
// service (QStash) and verifies the callbacks it makes when a message
// becomes due.
package delayed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindd/internal/dispatch"
	"remindd/internal/schedule"
)

var (
	ErrDisabled     = errors.New("delayed delivery not configured")
	ErrInvalidDelay = errors.New("delay must be between 1 and 1440 minutes")
	ErrBadSignature = errors.New("invalid delayed delivery signature")
)

// Message is the body delivered back to the webhook: the target plus the
// rendered notification, flattened.
type Message struct {
	Subscription schedule.Handle `json:"subscription"`
	ScheduleID   string          `json:"scheduleId,omitempty"`
	dispatch.Payload
}

// DelayedMessage is one registration request.
type DelayedMessage struct {
	Message Message
	Delay   time.Duration
}

// DelaySeconds rounds up to whole seconds.
func (m DelayedMessage) DelaySeconds() int64 {
	s := int64(m.Delay / time.Second)
	if m.Delay%time.Second > 0 {
		s++
	}
	return s
}

// DecodeMessage parses and validates a webhook body.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode delayed message: %w", err)
	}
	return m, m.Validate()
}

func (m Message) Validate() error {
	var errs []error
	if _, ok := m.Subscription.PushSubscription(); !ok && (m.Subscription.IsZero() || m.Subscription.IsObject()) {
		errs = append(errs, errors.New("subscription with an endpoint is required"))
	}
	if err := m.Payload.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateDelayMinutes enforces the one-shot window of 1..1440 minutes.
func ValidateDelayMinutes(minutes int) (time.Duration, error) {
	if minutes < 1 || minutes > 24*60 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidDelay, minutes)
	}
	return time.Duration(minutes) * time.Minute, nil
}

func tagFor(id string, n int) string {
	return fmt.Sprintf("%s-%d", strings.TrimSpace(id), n)
}
