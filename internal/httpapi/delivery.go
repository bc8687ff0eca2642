package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"remindd/internal/delayed"
	"remindd/internal/dispatch"
	"remindd/internal/push"
	"remindd/internal/reminder"
	"remindd/internal/schedule"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

// POST /v1/delayed/schedules/{id}
func (s *Server) registerDelayed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	regs, err := s.d.Reminders.RegisterDelayed(r.Context(), id)
	if err != nil && len(regs) == 0 {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{
		"success":       err == nil,
		"scheduleId":    id,
		"registrations": regs,
		"occurrences":   len(regs),
	}
	if err != nil {
		// Partial registration: report what went through.
		out["error"] = err.Error()
		s.log.Warn("delayed registration incomplete", logx.String("schedule", id), logx.Int("registered", len(regs)), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /v1/delayed/schedules/{id}
func (s *Server) listDelayed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	regs := s.d.Reminders.DelayedRegistrations(id)
	if regs == nil {
		regs = []delayed.Registration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduleId": id, "registrations": regs})
}

// DELETE /v1/delayed/schedules/{id}
func (s *Server) cancelDelayed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.d.Reminders.CancelDelayed(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "scheduleId": id, "cancelled": n})
}

type delayedTestRequest struct {
	Subscription schedule.Handle `json:"subscription"`
	DelayMinutes int             `json:"delayMinutes"`
}

// POST /v1/delayed/test
func (s *Server) delayedTest(w http.ResponseWriter, r *http.Request) {
	var req delayedTestRequest
	if err := decodeJSON(w, r, s.config().MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reg, err := s.d.Reminders.ScheduleTest(r.Context(), req.Subscription, req.DelayMinutes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"messageId":    reg.MessageID,
		"scheduledFor": reg.At.UTC().Format(time.RFC3339),
		"delayMinutes": req.DelayMinutes,
	})
}

// POST /v1/webhooks/delayed
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config().MaxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.d.Verifier.Verify(r.Header.Get(delayed.SignatureHeader), body); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := delayed.DecodeMessage(body)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.d.Reminders.DeliverDelayed(r.Context(), m); err != nil {
		s.writeError(w, r, deliveryErr(err))
		return
	}
	s.log.Info("delayed message delivered", logx.String("schedule", m.ScheduleID), logx.String("tag", m.Tag))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Notification sent",
		"timestamp": s.d.Reminders.Now().UTC().Format(time.RFC3339),
	})
}

// GET /v1/webhooks/delayed
func (s *Server) webhookStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.d.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":               "delayed webhook endpoint is ready",
		"configured":            st.DelayedConfigured,
		"signatureVerification": s.d.Verifier != nil,
		"vapidConfigured":       st.VAPIDConfigured,
		"timestamp":             s.d.Reminders.Now().UTC().Format(time.RFC3339),
	})
}

// POST /v1/subscriptions
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var sub storage.Subscription
	if err := decodeJSON(w, r, s.config().MaxBodyBytes, &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	if sub.UserAgent == "" {
		sub.UserAgent = r.UserAgent()
	}
	created, err := s.d.Reminders.Subscribe(r.Context(), sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.d.Reminders.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"success":            true,
		"message":            "Subscription stored successfully",
		"totalSubscriptions": st.Subscriptions,
	})
}

type subscriptionView struct {
	Endpoint  string    `json:"endpoint"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// GET /v1/subscriptions
func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.d.Reminders.Subscriptions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]subscriptionView, len(subs))
	for i, sub := range subs {
		out[i] = subscriptionView{Endpoint: shorten(sub.Endpoint, 50), UserAgent: sub.UserAgent, CreatedAt: sub.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "subscriptions": out})
}

// DELETE /v1/subscriptions?endpoint= or with a {"endpoint"} body.
func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		var req struct {
			Endpoint string `json:"endpoint"`
		}
		if err := decodeJSON(w, r, s.config().MaxBodyBytes, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		endpoint = strings.TrimSpace(req.Endpoint)
	}
	if endpoint == "" {
		s.writeError(w, r, fmt.Errorf("%w: endpoint is required", errBadRequest))
		return
	}
	ok, err := s.d.Reminders.Unsubscribe(r.Context(), endpoint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, reminder.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type pushTestRequest struct {
	Subscription schedule.Handle `json:"subscription"`
	// Payload overrides the default test notification when it has a title.
	Payload *dispatch.Payload `json:"payload,omitempty"`
}

// POST /v1/push/test
func (s *Server) pushTest(w http.ResponseWriter, r *http.Request) {
	var req pushTestRequest
	if err := decodeJSON(w, r, s.config().MaxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := reminder.TestPayload(s.d.Reminders.Now())
	if req.Payload != nil && req.Payload.Title != "" {
		p = *req.Payload
	}
	if err := s.d.Reminders.SendNow(r.Context(), req.Subscription, p); err != nil {
		s.writeError(w, r, deliveryErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Test notification sent"})
}

// POST /v1/push/broadcast
func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var p dispatch.Payload
	if err := decodeJSON(w, r, s.config().MaxBodyBytes, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.d.Reminders.Broadcast(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /v1/push/vapid
func (s *Server) vapid(w http.ResponseWriter, _ *http.Request) {
	st := s.d.Status()
	if !st.VAPIDConfigured {
		writeMessage(w, http.StatusServiceUnavailable, push.ErrNotConfigured.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"publicKey": st.VAPIDPublicKey})
}

// deliveryErr tags send failures that carry no other classification so
// they map to 502.
func deliveryErr(err error) error {
	switch {
	case errors.Is(err, schedule.ErrInvalid),
		dispatch.IsGone(err),
		errors.Is(err, push.ErrNotConfigured):
		return err
	}
	return fmt.Errorf("%w: %w", errDelivery, err)
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
