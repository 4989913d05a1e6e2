// Package errors provides the error taxonomy for the ALIGN controller.
//
// Three classes drive recovery decisions: Transient errors are retried with
// bounded backoff, Invalid errors are dropped or rejected without retry, and
// Fatal errors terminate the current run. Concrete condition types
// (ConnectionError, MalformedMessageError, TimeoutError,
// SafetyThresholdError, InvalidSettingsError) carry the diagnostic detail
// and map onto those classes.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Class categorizes an error for retry and abort decisions.
type Class int

// Error classes.
const (
	// ClassTransient marks temporary conditions worth retrying.
	ClassTransient Class = iota
	// ClassInvalid marks bad input that will not improve on retry.
	ClassInvalid
	// ClassFatal marks unrecoverable conditions that end the run.
	ClassFatal
)

// Error is the contextual base carried by all controller errors.
type Error struct {
	// Message describes the condition.
	Message string
	// Op is the operation that failed.
	Op string
	// Component is the package or subsystem where the error occurred.
	Component string
	// Class drives retry/abort handling.
	Class Class
	// Err is the underlying cause, if any.
	Err error
}

// Error returns the string form "component.op: message: cause".
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = fmt.Sprintf("%s.%s", e.Component, e.Op)
	case e.Component != "":
		prefix = e.Component
	case e.Op != "":
		prefix = e.Op
	}

	msg := e.Message
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation sets the failing operation.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent sets the originating component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// New creates a transient-class error with the given message.
func New(message string) *Error {
	return &Error{Message: message}
}

// Errorf creates a transient-class error with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with component/op/action context, preserving the
// classification when err is already an *Error.
func Wrap(err error, component, op, action string) *Error {
	if err == nil {
		return nil
	}
	class := ClassTransient
	var e *Error
	if stderrors.As(err, &e) {
		class = e.Class
	}
	return &Error{Message: action + " failed", Component: component, Op: op, Class: class, Err: err}
}

// WrapTransient wraps err as a retryable condition.
func WrapTransient(err error, component, op, action string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: action + " failed", Component: component, Op: op, Class: ClassTransient, Err: err}
}

// WrapInvalid wraps err as a non-retryable input condition.
func WrapInvalid(err error, component, op, action string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: action + " failed", Component: component, Op: op, Class: ClassInvalid, Err: err}
}

// WrapFatal wraps err as an unrecoverable condition.
func WrapFatal(err error, component, op, action string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: action + " failed", Component: component, Op: op, Class: ClassFatal, Err: err}
}

// classOf extracts the classification of err, defaulting to transient.
func classOf(err error) Class {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Class
	}
	var c *ConnectionError
	if stderrors.As(err, &c) {
		return ClassFatal
	}
	var s *SafetyThresholdError
	if stderrors.As(err, &s) {
		return ClassFatal
	}
	var m *MalformedMessageError
	if stderrors.As(err, &m) {
		return ClassInvalid
	}
	var i *InvalidSettingsError
	if stderrors.As(err, &i) {
		return ClassInvalid
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && classOf(err) == ClassTransient
}

// IsInvalid reports whether err describes bad input.
func IsInvalid(err error) bool {
	return err != nil && classOf(err) == ClassInvalid
}

// IsFatal reports whether err must terminate the run.
func IsFatal(err error) bool {
	return err != nil && classOf(err) == ClassFatal
}

// ConnectionError reports a transport endpoint that stayed unreachable
// after the reconnect policy was exhausted. Always fatal for an active run.
type ConnectionError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport unreachable at %s after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

// Unwrap returns the last connection attempt's error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var e *ConnectionError
	return stderrors.As(err, &e)
}

// MalformedMessageError reports a message that failed envelope validation.
// Malformed messages are dropped and logged, never fatal.
type MalformedMessageError struct {
	Subject string
	Reason  string
	Err     error
}

func (e *MalformedMessageError) Error() string {
	s := "malformed message"
	if e.Subject != "" {
		s += " on " + e.Subject
	}
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the decoding error, if any.
func (e *MalformedMessageError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedMessageError.
func IsMalformed(err error) bool {
	var e *MalformedMessageError
	return stderrors.As(err, &e)
}

// TimeoutError reports an evaluation request that received no response
// within its full retry budget. It surfaces to the search engine as a
// failed iteration, not a fatal fault.
type TimeoutError struct {
	ReqID    string
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no result for req_id=%s after %d attempts (%s)", e.ReqID, e.Attempts, e.Elapsed)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return stderrors.As(err, &e)
}

// SafetyThresholdError reports a measured feature beyond its configured
// hard limit. Always fatal: the run transitions to the error state.
type SafetyThresholdError struct {
	Feature string
	Value   float64
	Limit   float64
}

func (e *SafetyThresholdError) Error() string {
	return fmt.Sprintf("safety threshold exceeded: %s=%g > %g", e.Feature, e.Value, e.Limit)
}

// IsSafety reports whether err is a SafetyThresholdError.
func IsSafety(err error) bool {
	var e *SafetyThresholdError
	return stderrors.As(err, &e)
}

// InvalidSettingsError reports a rejected settings update. The prior
// settings remain in effect.
type InvalidSettingsError struct {
	Reason string
}

func (e *InvalidSettingsError) Error() string {
	return "invalid settings: " + e.Reason
}

// IsInvalidSettings reports whether err is an InvalidSettingsError.
func IsInvalidSettings(err error) bool {
	var e *InvalidSettingsError
	return stderrors.As(err, &e)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target any) bool { return stderrors.As(err, target) }
