package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"remindd/internal/schedule"
)

// Memory is the in-process Store. Records are copied on the way in and out
// so callers never share payload maps with the store.
type Memory struct {
	mu sync.RWMutex

	byID map[string]schedule.Schedule
	// byOwner is the reverse index from Handle.Key() to schedule ids.
	byOwner map[string]map[string]struct{}

	subs map[string]Subscription
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byID:    map[string]schedule.Schedule{},
		byOwner: map[string]map[string]struct{}{},
		subs:    map[string]Subscription{},
		now:     time.Now,
	}
}

func (m *Memory) Upsert(_ context.Context, s schedule.Schedule) error {
	m.mu.Lock()
	m.putLocked(s.Clone())
	m.mu.Unlock()
	return nil
}

func (m *Memory) putLocked(s schedule.Schedule) {
	if old, ok := m.byID[s.ID]; ok {
		m.unindexLocked(old)
	}
	m.byID[s.ID] = s
	key := s.Subscription.Key()
	ids := m.byOwner[key]
	if ids == nil {
		ids = map[string]struct{}{}
		m.byOwner[key] = ids
	}
	ids[s.ID] = struct{}{}
}

func (m *Memory) unindexLocked(s schedule.Schedule) {
	key := s.Subscription.Key()
	ids := m.byOwner[key]
	delete(ids, s.ID)
	if len(ids) == 0 {
		delete(m.byOwner, key)
	}
}

func (m *Memory) Get(_ context.Context, id string) (schedule.Schedule, bool, error) {
	m.mu.RLock()
	s, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return schedule.Schedule{}, false, nil
	}
	return s.Clone(), true, nil
}

// List returns matching schedules ordered by id.
func (m *Memory) List(_ context.Context, f Filter) ([]schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []schedule.Schedule
	if f.Subscription != "" {
		ids := m.byOwner[f.Subscription]
		out = make([]schedule.Schedule, 0, len(ids))
		for id := range ids {
			if s := m.byID[id]; matches(f, s) {
				out = append(out, s.Clone())
			}
		}
	} else {
		out = make([]schedule.Schedule, 0, len(m.byID))
		for _, s := range m.byID {
			if matches(f, s) {
				out = append(out, s.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Update(_ context.Context, id string, p schedule.Patch) (bool, error) {
	_, ok := m.update(id, p)
	return ok, nil
}

// patched returns the record id would hold after p, without storing it.
func (m *Memory) patched(id string, p schedule.Patch) (schedule.Schedule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.byID[id]
	if !ok {
		return schedule.Schedule{}, false
	}
	return p.Apply(cur).Clone(), true
}

// update applies p under the write lock and returns the stored result.
func (m *Memory) update(id string, p schedule.Patch) (schedule.Schedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[id]
	if !ok {
		return schedule.Schedule{}, false
	}
	next := p.Apply(cur)
	m.byID[id] = next
	return next.Clone(), true
}

func (m *Memory) Remove(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	m.unindexLocked(s)
	delete(m.byID, id)
	return true, nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}

func (m *Memory) PutSubscription(_ context.Context, s Subscription) (bool, error) {
	_, created := m.putSubscription(s)
	return created, nil
}

func (m *Memory) putSubscription(s Subscription) (Subscription, bool) {
	s, created := m.mergeSubscription(s)
	m.setSubscription(s)
	return s, created
}

func (m *Memory) setSubscription(s Subscription) {
	m.mu.Lock()
	m.subs[s.Endpoint] = s
	m.mu.Unlock()
}

func (m *Memory) hasSubscription(endpoint string) bool {
	m.mu.RLock()
	_, ok := m.subs[endpoint]
	m.mu.RUnlock()
	return ok
}

// mergeSubscription returns s as it would be stored, without storing it.
func (m *Memory) mergeSubscription(s Subscription) (Subscription, bool) {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	m.mu.RLock()
	defer m.mu.RUnlock()
	old, exists := m.subs[s.Endpoint]
	if exists {
		s.CreatedAt = old.CreatedAt
		s.UpdatedAt = m.now()
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	return s, !exists
}

func (m *Memory) ListSubscriptions(context.Context) ([]Subscription, error) {
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (m *Memory) RemoveSubscription(_ context.Context, endpoint string) (bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[endpoint]; !ok {
		return false, nil
	}
	delete(m.subs, endpoint)
	return true, nil
}

func (m *Memory) CountSubscriptions(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs), nil
}

func (m *Memory) Close() error { return nil }

// snapshot copies the full state; used by the file backend.
func (m *Memory) snapshot() ([]schedule.Schedule, []Subscription) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scheds := make([]schedule.Schedule, 0, len(m.byID))
	for _, s := range m.byID {
		scheds = append(scheds, s.Clone())
	}
	subs := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	sort.Slice(scheds, func(i, j int) bool { return scheds[i].ID < scheds[j].ID })
	sort.Slice(subs, func(i, j int) bool { return subs[i].Endpoint < subs[j].Endpoint })
	return scheds, subs
}
