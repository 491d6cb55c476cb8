package queue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no message matches the given reference.
	ErrNotFound = errors.New("message not found")
	// ErrNotPending is returned when an operation requires a pending message.
	ErrNotPending = errors.New("message is not pending")
	// ErrNotSending is returned when an outcome is reported for a message
	// that is not currently claimed.
	ErrNotSending = errors.New("message is not in sending state")
)

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned by Enqueue when the request is malformed.
// Nothing is persisted when it is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid message: " + strings.Join(parts, "; ")
}

// StoreError wraps a failure of the persistence layer.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
