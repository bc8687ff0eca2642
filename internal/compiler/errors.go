package compiler

import (
	"errors"
	"fmt"
)

// ErrInvalid matches every ValidationError.
var ErrInvalid = errors.New("invalid source entity")

// ValidationError rejects one source entity. Nothing is emitted for it.
type ValidationError struct {
	Entity string // "class", "task", "habit"
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	id := e.ID
	if id == "" {
		id = "<no id>"
	}
	if e.Field == "" {
		return fmt.Sprintf("%s %s: %s", e.Entity, id, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Entity, id, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

func invalid(entity, id, field, reason string) error {
	return &ValidationError{Entity: entity, ID: id, Field: field, Reason: reason}
}
