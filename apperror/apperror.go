package apperror

import (
	"errors"
	"fmt"
)

// Code classifies an error by how it should be handled and surfaced.
type Code string

const (
	// CodeConfig is a local configuration problem (e.g. missing credential).
	// Not retryable until the configuration is fixed.
	CodeConfig Code = "CONFIG_ERROR"

	// CodeConnectivity covers connect failures and mid-session disconnects.
	CodeConnectivity Code = "CONNECTIVITY_ERROR"

	// CodeValidation is a local input problem that never reaches the network.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeUpload is a failed attachment upload attempt.
	CodeUpload Code = "UPLOAD_ERROR"

	// CodeProtocol is an error event received from the remote peer.
	CodeProtocol Code = "PROTOCOL_ERROR"

	// CodeTimeout is a network operation that exceeded its deadline.
	CodeTimeout Code = "TIMEOUT_ERROR"
)

// Error is a classified error that can be surfaced to the user directly.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a new classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new classified error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new classified error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf returns the code carried by err, or CodeProtocol for unclassified
// errors coming off the wire and empty for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeProtocol
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
