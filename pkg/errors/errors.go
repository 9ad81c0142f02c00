package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies runtime errors by how callers must react to them.
type Code string

const (
	// CodeProtocol: the peer broke the wire protocol (bad handshake or
	// framing). The connection is discarded and not retried implicitly.
	CodeProtocol Code = "PROTOCOL"
	// CodeUnsupported: the negotiated player version does not satisfy the
	// command's minimum. Surfaced immediately, nothing was written.
	CodeUnsupported Code = "UNSUPPORTED"
	// CodeCommunication: transport failure that survived the built-in
	// reconnect attempt.
	CodeCommunication Code = "COMMUNICATION"
	// CodeTimeout: a socket deadline expired. Surfaced immediately, the
	// connection is discarded.
	CodeTimeout Code = "TIMEOUT"
	// CodeSubmission: the collector was unreachable or rejected an upload.
	// The segment stays on disk for the next cycle.
	CodeSubmission Code = "SUBMISSION"
	// CodeAPI: an on-device API call failed or returned a bad envelope.
	CodeAPI Code = "API"
)

// Error carries a classification code alongside the message and cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the classification from an error chain. Returns an empty
// code for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

func is(err error, code Code) bool {
	return CodeOf(err) == code
}

func IsProtocol(err error) bool      { return is(err, CodeProtocol) }
func IsUnsupported(err error) bool   { return is(err, CodeUnsupported) }
func IsCommunication(err error) bool { return is(err, CodeCommunication) }
func IsTimeout(err error) bool       { return is(err, CodeTimeout) }
func IsSubmission(err error) bool    { return is(err, CodeSubmission) }
func IsAPI(err error) bool           { return is(err, CodeAPI) }
