package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"remindd/internal/reminder"
	"remindd/internal/schedule"
)

// GET /healthz
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st, err := s.d.Reminders.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{
		"status":        "ok",
		"time":          s.d.Reminders.Now().UTC().Format(time.RFC3339),
		"schedules":     st.Schedules,
		"subscriptions": st.Subscriptions,
	}
	if s.d.Ticks != nil {
		out["tick"] = s.d.Ticks.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /v1/schedules
func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sc schedule.Schedule
	if err := decodeJSON(w, r, s.config().MaxBodyBytes, &sc); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, created, err := s.d.Reminders.Put(r.Context(), sc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"success": true, "schedule": out})
}

// GET /v1/schedules?subscription=
func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("subscription"))
	if key != "" {
		// Accept either the endpoint or a full handle.
		key = schedule.Handle(key).Key()
	}
	list, err := s.d.Reminders.List(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(list), "schedules": list})
}

// GET /v1/schedules/{id}
func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, ok, err := s.d.Reminders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, reminder.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type patchRequest struct {
	Title   *string        `json:"title"`
	Body    *string        `json:"body"`
	Data    map[string]any `json:"data"`
	Enabled *bool          `json:"enabled"`
}

// PATCH /v1/schedules/{id}
func (s *Server) patchSchedule(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := decodeJSON(w, r, s.config().MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := schedule.Patch{Title: req.Title, Body: req.Body, Payload: req.Data, Enabled: req.Enabled}
	if p.Empty() {
		s.writeError(w, r, fmt.Errorf("%w: nothing to update", errBadRequest))
		return
	}
	sc, ok, err := s.d.Reminders.Patch(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, reminder.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedule": sc})
}

// DELETE /v1/schedules/{id}
func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := s.d.Reminders.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, reminder.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// POST /v1/schedules/{id}/enable and /disable
func (s *Server) toggleSchedule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ok, err := s.d.Reminders.SetEnabled(r.Context(), id, enabled)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			s.writeError(w, r, reminder.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id, "enabled": enabled})
	}
}

// GET or POST /v1/tick
func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	res, err := s.d.Reminders.Tick(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/sync
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	var req reminder.SyncRequest
	if err := decodeJSON(w, r, s.config().MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.d.Reminders.Sync(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"synced":  res.Synced,
		"ids":     res.IDs,
		"skipped": res.Skipped,
		"removed": res.Removed,
		"delayed": res.Delayed,
	})
}
