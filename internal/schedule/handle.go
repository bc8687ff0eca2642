package schedule

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Handle is an opaque reference to a delivery target. It is either a
// compact JSON object (a Web Push subscription) or a plain string such as
// "tg:123456" or "log:dev".
type Handle string

// PushSubscription is the browser PushSubscription shape carried by Web
// Push handles.
type PushSubscription struct {
	Endpoint       string   `json:"endpoint"`
	ExpirationTime *int64   `json:"expirationTime,omitempty"`
	Keys           PushKeys `json:"keys"`
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// HandleFor encodes a Web Push subscription as a Handle.
func HandleFor(sub PushSubscription) Handle {
	b, err := json.Marshal(sub)
	if err != nil {
		return ""
	}
	return Handle(b)
}

func (h Handle) String() string { return string(h) }

func (h Handle) IsZero() bool { return strings.TrimSpace(string(h)) == "" }

// IsObject reports whether the handle carries a JSON object.
func (h Handle) IsObject() bool {
	s := strings.TrimSpace(string(h))
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// PushSubscription decodes a Web Push handle. ok is false for other handle
// kinds or when the endpoint is missing.
func (h Handle) PushSubscription() (PushSubscription, bool) {
	if !h.IsObject() {
		return PushSubscription{}, false
	}
	var sub PushSubscription
	if err := json.Unmarshal([]byte(h), &sub); err != nil || strings.TrimSpace(sub.Endpoint) == "" {
		return PushSubscription{}, false
	}
	return sub, true
}

// Key is the stable owner key: the endpoint of a Web Push handle, or the
// trimmed handle otherwise. Schedules sharing a key share a target.
func (h Handle) Key() string {
	if sub, ok := h.PushSubscription(); ok {
		return strings.TrimSpace(sub.Endpoint)
	}
	return strings.TrimSpace(string(h))
}

func (h Handle) MarshalJSON() ([]byte, error) {
	if h.IsObject() {
		return []byte(strings.TrimSpace(string(h))), nil
	}
	return json.Marshal(string(h))
}

func (h *Handle) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*h = ""
		return nil
	case b[0] == '{':
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return err
		}
		*h = Handle(buf.String())
		return nil
	default:
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*h = Handle(strings.TrimSpace(s))
		return nil
	}
}
