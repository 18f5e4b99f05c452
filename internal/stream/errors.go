package stream

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies the last failure shown in a Status.
type ErrorCategory string

const (
	CategoryTransient   ErrorCategory = "transient"
	CategoryCircuitOpen ErrorCategory = "circuit_open"
	CategoryProtocol    ErrorCategory = "protocol"
	CategoryInternal    ErrorCategory = "internal"
)

var (
	ErrUnknownCamera = errors.New("unknown camera")
	ErrShuttingDown  = errors.New("manager is shutting down")

	errNoAudio        = errors.New("session ended before any audio was sent")
	errExtractorStuck = errors.New("extractor did not exit")
)

// SessionError is a failed session step.
type SessionError struct {
	Category ErrorCategory
	Op       string
	Err      error
}

func (e *SessionError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *SessionError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	return &SessionError{Category: CategoryTransient, Op: op, Err: err}
}

func protocol(op string, err error) error {
	return &SessionError{Category: CategoryProtocol, Op: op, Err: err}
}

// categoryOf reports the category of err; unclassified errors are transient.
func categoryOf(err error) ErrorCategory {
	var se *SessionError
	if errors.As(err, &se) && se.Category != "" {
		return se.Category
	}
	return CategoryTransient
}
