package reminder

import (
	"context"
	"fmt"
	"strings"

	"remindd/internal/compiler"
	"remindd/internal/delayed"
	"remindd/internal/schedule"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

// Compiler is the part of compiler.Compiler the service needs.
type Compiler interface {
	CompileAll(h schedule.Handle, in compiler.Input) (compiler.Result, error)
}

type SyncRequest struct {
	Subscription schedule.Handle `json:"subscription"`
	compiler.Input
	// RegisterDelayed also hands recurring class schedules to the delayed
	// delivery adapter.
	RegisterDelayed bool `json:"registerDelayed,omitempty"`
	// Prune removes this subscription's compiled schedules that the
	// request no longer produces.
	Prune bool `json:"prune,omitempty"`
}

type DelayedOutcome struct {
	ScheduleID  string   `json:"scheduleId"`
	MessageIDs  []string `json:"messageIds,omitempty"`
	Occurrences int      `json:"occurrences"`
	Error       string   `json:"error,omitempty"`
}

type SyncResult struct {
	Synced  int              `json:"synced"`
	IDs     []string         `json:"ids"`
	Skipped []string         `json:"skipped"`
	Removed []string         `json:"removed,omitempty"`
	Delayed []DelayedOutcome `json:"delayed,omitempty"`
}

var compiledPrefixes = []string{"class-", "task-", "habit-"}

// Sync compiles every input first; any validation error rejects the whole
// request and nothing is written.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	compiled, err := s.comp.CompileAll(req.Subscription, req.Input)
	if err != nil {
		return SyncResult{}, err
	}
	now := s.clock()
	res := SyncResult{IDs: make([]string, 0, len(compiled.Schedules)), Skipped: compiled.Skipped}
	if res.Skipped == nil {
		res.Skipped = []string{}
	}

	keep := make(map[string]bool, len(compiled.Schedules))
	for _, sc := range compiled.Schedules {
		prev, existed, err := s.store.Get(ctx, sc.ID)
		if err != nil {
			return res, err
		}
		if existed {
			sc.CreatedAt = prev.CreatedAt
		}
		sc = carryOver(sc, prev, existed, now)
		if err := s.store.Upsert(ctx, sc); err != nil {
			return res, fmt.Errorf("store %s: %w", sc.ID, err)
		}
		keep[sc.ID] = true
		res.IDs = append(res.IDs, sc.ID)
	}
	res.Synced = len(res.IDs)

	if req.Prune {
		owned, err := s.store.List(ctx, storage.Filter{Subscription: req.Subscription.Key()})
		if err != nil {
			return res, err
		}
		for _, sc := range owned {
			if keep[sc.ID] || !compiledID(sc.ID) {
				continue
			}
			if ok, err := s.Delete(ctx, sc.ID); err != nil {
				return res, err
			} else if ok {
				res.Removed = append(res.Removed, sc.ID)
			}
		}
	}

	if req.RegisterDelayed {
		res.Delayed = s.registerClasses(ctx, compiled.Schedules)
	}

	s.log.Info("sync",
		logx.String("subscription", truncateKey(req.Subscription.Key())),
		logx.Int("synced", res.Synced),
		logx.Int("skipped", len(res.Skipped)),
		logx.Int("removed", len(res.Removed)),
	)
	return res, nil
}

func (s *Service) registerClasses(ctx context.Context, list []schedule.Schedule) []DelayedOutcome {
	now := s.clock()
	var out []DelayedOutcome
	for _, sc := range list {
		if !strings.HasPrefix(sc.ID, "class-") {
			continue
		}
		if !s.delayed.Enabled() {
			out = append(out, DelayedOutcome{ScheduleID: sc.ID, Error: delayed.ErrDisabled.Error()})
			continue
		}
		// Replace earlier registrations instead of stacking duplicates.
		s.delayed.Cancel(ctx, sc.ID)
		regs, err := s.delayed.RegisterRecurring(ctx, sc, now)
		o := DelayedOutcome{ScheduleID: sc.ID, Occurrences: len(regs)}
		for _, r := range regs {
			o.MessageIDs = append(o.MessageIDs, r.MessageID)
		}
		if err != nil {
			o.Error = err.Error()
			s.log.Warn("delayed registration failed", logx.String("schedule", sc.ID), logx.Err(err))
		}
		out = append(out, o)
	}
	return out
}

func compiledID(id string) bool {
	for _, p := range compiledPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

func truncateKey(k string) string {
	if len(k) <= 48 {
		return k
	}
	return k[:48] + "…"
}
