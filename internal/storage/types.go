package storage

import (
	"context"
	"errors"
	"time"

	"remindd/internal/schedule"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on restart (default)
//   - "file": JSONL journal + compacted snapshot
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Filter narrows List. Zero value matches everything.
type Filter struct {
	// Subscription matches schedule.Handle.Key().
	Subscription string
	// EnabledOnly skips disabled schedules.
	EnabledOnly bool
}

// Repository holds notification schedules keyed by id.
//
// Upsert replaces an existing record with the same id. Update is an atomic
// read-modify-write of one record and reports false for unknown ids.
type Repository interface {
	Upsert(ctx context.Context, s schedule.Schedule) error
	Get(ctx context.Context, id string) (schedule.Schedule, bool, error)
	List(ctx context.Context, f Filter) ([]schedule.Schedule, error)
	Update(ctx context.Context, id string, p schedule.Patch) (bool, error)
	Remove(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)
}

// Subscription is a registered Web Push target, keyed by endpoint.
type Subscription struct {
	Endpoint       string            `json:"endpoint"`
	Keys           schedule.PushKeys `json:"keys"`
	ExpirationTime *int64            `json:"expirationTime,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt,omitempty"`
}

// Handle returns the delivery handle for the subscription.
func (s Subscription) Handle() schedule.Handle {
	return schedule.HandleFor(schedule.PushSubscription{
		Endpoint:       s.Endpoint,
		ExpirationTime: s.ExpirationTime,
		Keys:           s.Keys,
	})
}

// Subscriptions is the push subscription registry.
type Subscriptions interface {
	// PutSubscription upserts by endpoint and reports whether it was new.
	PutSubscription(ctx context.Context, s Subscription) (bool, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	RemoveSubscription(ctx context.Context, endpoint string) (bool, error)
	CountSubscriptions(ctx context.Context) (int, error)
}

// Store is everything a backend provides.
type Store interface {
	Repository
	Subscriptions
	Close() error
}

func matches(f Filter, s schedule.Schedule) bool {
	if f.EnabledOnly && !s.Enabled {
		return false
	}
	if f.Subscription != "" && s.Subscription.Key() != f.Subscription {
		return false
	}
	return true
}
