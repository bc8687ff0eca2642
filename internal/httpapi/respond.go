package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"remindd/internal/compiler"
	"remindd/internal/delayed"
	"remindd/internal/dispatch"
	"remindd/internal/push"
	"remindd/internal/reminder"
	"remindd/internal/schedule"
)

var (
	errBadRequest = errors.New("bad request")
	errDelivery   = errors.New("delivery failed")
)

type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps err onto a status code. Validation failures list every
// joined cause in details.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	body := errorBody{Error: msg}
	if status == http.StatusBadRequest {
		body.Details = details(err)
	}
	if status >= 500 {
		s.log.Error("request failed", fieldsFor(r, status, err)...)
	} else {
		s.log.Debug("request rejected", fieldsFor(r, status, err)...)
	}
	writeJSON(w, status, body)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, schedule.ErrInvalid),
		errors.Is(err, compiler.ErrInvalid),
		errors.Is(err, delayed.ErrInvalidDelay):
		return http.StatusBadRequest, "validation failed"
	case errors.Is(err, reminder.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, reminder.ErrNoSubscriptions):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, delayed.ErrBadSignature):
		return http.StatusUnauthorized, "invalid signature"
	case dispatch.IsGone(err):
		return http.StatusGone, "subscription expired"
	case errors.Is(err, delayed.ErrDisabled), errors.Is(err, push.ErrNotConfigured):
		return http.StatusServiceUnavailable, err.Error()
	}
	if errors.Is(err, errDelivery) {
		return http.StatusBadGateway, "delivery failed"
	}
	return http.StatusInternalServerError, "internal error"
}

func details(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			for _, c := range j.Unwrap() {
				walk(c)
			}
			return
		}
		out = append(out, e.Error())
	}
	walk(err)
	return out
}

// decodeJSON reads one JSON value bounded by limit bytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", errBadRequest)
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return fmt.Errorf("%w: request body exceeds %d bytes", errBadRequest, mbe.Limit)
		}
		var se *json.SyntaxError
		var te *json.UnmarshalTypeError
		if errors.As(err, &se) || errors.As(err, &te) {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		// Errors raised by a type's UnmarshalJSON keep their own sentinel.
		if errors.Is(err, schedule.ErrInvalid) {
			return err
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func bearer(r *http.Request) string {
	ah := strings.TrimSpace(r.Header.Get("Authorization"))
	const p = "Bearer "
	if len(ah) > len(p) && strings.EqualFold(ah[:len(p)], p) {
		return strings.TrimSpace(ah[len(p):])
	}
	return ""
}
