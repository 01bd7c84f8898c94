// Package callerr defines the closed error taxonomy shared by every CallPilot
// component and surfaced to the transport as typed error events.
//
// Every failure that reaches the operator carries a stable machine-readable
// Type and Code plus a human-readable message. The Type set is closed:
// boundaries switch exhaustively on it rather than inspecting ad hoc fields,
// and the Severity decides whether the console renders a warning or tears the
// connection down.
package callerr

import (
	"errors"
	"fmt"
)

// Type classifies an error by the subsystem that produced it. The set is
// closed; adding a value requires revisiting every exhaustive switch on Type.
type Type string

const (
	// TypeConfiguration covers invalid channel mappings, unknown devices, and
	// other startup misconfiguration. Always fatal to session start.
	TypeConfiguration Type = "configuration"

	// TypeCapture covers device-level failures: permission denied, device
	// busy, no audio observed within the warm-up window.
	TypeCapture Type = "capture"

	// TypeRecognition covers STT provider stream failures other than the
	// silently-recovered duration limit.
	TypeRecognition Type = "recognition"

	// TypeProcessing covers demux-level faults such as a malformed frame.
	TypeProcessing Type = "processing"

	// TypeReasoning covers suggestion-pipeline stage failures.
	TypeReasoning Type = "reasoning"

	// TypePersistence covers conversation save and log-write failures.
	TypePersistence Type = "persistence"

	// TypeAuth covers missing, invalid, or expired transport credentials.
	TypeAuth Type = "auth"
)

// Severity decides how an error is rendered and whether the connection
// survives it.
type Severity string

const (
	// SeverityWarning errors are surfaced to the operator but the session
	// keeps running.
	SeverityWarning Severity = "warning"

	// SeverityFatal errors end the affected session or connection.
	SeverityFatal Severity = "fatal"
)

// Error is the one concrete error type crossing component boundaries. It
// wraps an optional cause, which stays out of the transport payload; only
// Message, Code, Type, Severity, and Details are operator-visible.
type Error struct {
	// Type is the taxonomy bucket.
	Type Type

	// Code is a stable, human-greppable identifier within the Type (e.g.,
	// "channel_conflict", "stream_failed").
	Code string

	// Message is the human-readable description.
	Message string

	// Severity is warning or fatal.
	Severity Severity

	// Details carries optional structured context for the console (e.g., the
	// offending channel indices). May be nil.
	Details map[string]any

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no cause.
func New(t Type, code, message string, severity Severity) *Error {
	return &Error{Type: t, Code: code, Message: message, Severity: severity}
}

// Wrap constructs an Error around a cause.
func Wrap(t Type, code, message string, severity Severity, cause error) *Error {
	return &Error{Type: t, Code: code, Message: message, Severity: severity, Cause: cause}
}

// WithDetails returns e with its Details set. It mutates and returns e for
// call chaining at construction sites.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Configuration returns a fatal configuration error.
func Configuration(code, message string) *Error {
	return New(TypeConfiguration, code, message, SeverityFatal)
}

// Capture returns a fatal capture/device error wrapping cause.
func Capture(code, message string, cause error) *Error {
	return Wrap(TypeCapture, code, message, SeverityFatal, cause)
}

// Recognition returns a non-fatal recognition error wrapping cause. The
// sibling stream keeps flowing, so these are warnings.
func Recognition(code, message string, cause error) *Error {
	return Wrap(TypeRecognition, code, message, SeverityWarning, cause)
}

// Processing returns a non-fatal demux/processing warning.
func Processing(code, message string) *Error {
	return New(TypeProcessing, code, message, SeverityWarning)
}

// Reasoning returns a non-fatal suggestion-pipeline error wrapping cause.
func Reasoning(code, message string, cause error) *Error {
	return Wrap(TypeReasoning, code, message, SeverityWarning, cause)
}

// Persistence returns a non-fatal save/log-write error wrapping cause. The
// operator may retry the save manually.
func Persistence(code, message string, cause error) *Error {
	return Wrap(TypePersistence, code, message, SeverityWarning, cause)
}

// Auth returns a fatal credential error.
func Auth(code, message string) *Error {
	return New(TypeAuth, code, message, SeverityFatal)
}

// As extracts a *Error from err's chain. The second return is false when err
// carries no typed error.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// FromError coerces any error into a typed Error for transport emission.
// Untyped errors are reported as recognition-bucket internal warnings so the
// console never receives an untagged failure.
func FromError(err error) *Error {
	if ce, ok := As(err); ok {
		return ce
	}
	return Wrap(TypeRecognition, "internal", err.Error(), SeverityWarning, err)
}
