package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrGone is matched by every error built with Gone.
var ErrGone = errors.New("subscription gone")

// Gone marks err as a permanent target failure (expired or revoked
// subscription, blocked chat). Such deliveries are never retried.
func Gone(err error) error {
	if err == nil {
		return ErrGone
	}
	return &goneError{err: err}
}

func IsGone(err error) bool { return errors.Is(err, ErrGone) }

type goneError struct{ err error }

func (e *goneError) Error() string   { return "subscription gone: " + e.err.Error() }
func (e *goneError) Unwrap() []error { return []error{ErrGone, e.err} }

type FailureKind string

const (
	FailureGone      FailureKind = "gone"
	FailureTransient FailureKind = "transient"
	FailureStorage   FailureKind = "storage"
)

// DeliveryError describes why one schedule in a batch was not delivered
// (or delivered but not stamped, for FailureStorage).
type DeliveryError struct {
	ScheduleID string
	Kind       FailureKind
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.ScheduleID, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Failure is the result-entry form of e.
func (e *DeliveryError) Failure() Failure {
	return Failure{ID: e.ScheduleID, Kind: e.Kind, Message: e.Err.Error()}
}

// newDeliveryError classifies a send error for target id.
func newDeliveryError(id string, err error) *DeliveryError {
	kind := FailureTransient
	if IsGone(err) {
		kind = FailureGone
	}
	return &DeliveryError{ScheduleID: id, Kind: kind, Err: err}
}

// Failure is the JSON form of a DeliveryError inside a BatchResult.
type Failure struct {
	ID      string      `json:"id"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// BatchResult summarizes one dispatch. It is produced even when nothing
// was due.
type BatchResult struct {
	Attempted   int       `json:"attempted"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Errors      []Failure `json:"errors"`
	Deactivated []string  `json:"deactivated"`
	StartedAt   time.Time `json:"startedAt"`
	Took        Duration  `json:"took"`
}

func newResult(start time.Time) BatchResult {
	return BatchResult{Errors: []Failure{}, Deactivated: []string{}, StartedAt: start}
}

// Duration renders as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
