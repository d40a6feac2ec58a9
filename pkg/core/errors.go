// Package core holds the shared error taxonomy for the call engine.
package core

import (
	"errors"
	"fmt"
)

// ErrorType categorizes failures by the pipeline stage that produced them.
type ErrorType string

const (
	// ErrMalformedAudio is raised by the codec on truncated or invalid frames.
	ErrMalformedAudio ErrorType = "malformed_audio"
	// ErrRecognitionAborted means the recognition stream dropped mid-utterance.
	ErrRecognitionAborted ErrorType = "recognition_aborted"
	// ErrRecognitionOverloaded means the recognition queue stayed full past the
	// ingestion timeout and the open utterance was abandoned.
	ErrRecognitionOverloaded ErrorType = "recognition_overloaded"
	// ErrModelRequestFailed means a language-model request did not produce a usable reply.
	ErrModelRequestFailed ErrorType = "model_request_failed"
	// ErrUnknownTool means the model requested a tool that is not registered.
	ErrUnknownTool ErrorType = "unknown_tool"
	// ErrToolArgumentInvalid means tool arguments failed schema validation.
	ErrToolArgumentInvalid ErrorType = "tool_argument_invalid"
	// ErrSynthesisFailed means speech synthesis for a reply did not complete.
	ErrSynthesisFailed ErrorType = "synthesis_failed"
	// ErrUploadFailed means the call recording could not be stored durably.
	ErrUploadFailed ErrorType = "upload_failed"
	// ErrSessionClosed is returned for operations on a closed call session.
	ErrSessionClosed ErrorType = "session_closed"
)

// Error is the engine-wide error envelope. Stage code plus a human message,
// optionally wrapping the underlying transport or provider error.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error of the given type.
func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// WrapError creates an Error of the given type wrapping err.
func WrapError(t ErrorType, message string, err error) *Error {
	return &Error{Type: t, Message: message, Err: err}
}

// IsType reports whether err (anywhere in its chain) carries the given type.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// AsError extracts the typed Error from anywhere in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether the failure is worth retrying within the same
// turn. Validation and teardown failures are not.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrModelRequestFailed, ErrRecognitionAborted, ErrSynthesisFailed:
		return true
	default:
		return false
	}
}
