// Package fault defines the closed set of failure codes a job can end with.
//
// Every error that crosses the worker boundary is reduced to one of these codes
// before it is recorded as a job outcome. Errors compare by code, so
// errors.Is(err, fault.ErrTimeout) holds for any *Error carrying CodeTimeout.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies a failure class.
type Code string

const (
	CodeUnroutable          Code = "unroutable"
	CodeResourceExhausted   Code = "resource_exhausted"
	CodeHandshakeTimeout    Code = "handshake_timeout"
	CodeProtocolError       Code = "protocol_error"
	CodePluginFailure       Code = "plugin_failure"
	CodeChannelDisconnected Code = "channel_disconnected"
	CodeTimeout             Code = "timeout"
	CodeCancelled           Code = "cancelled"
	CodeStoreUnavailable    Code = "store_unavailable"
	CodeInternal            Code = "internal"
)

var (
	ErrUnroutable          = &Error{Code: CodeUnroutable}
	ErrResourceExhausted   = &Error{Code: CodeResourceExhausted}
	ErrHandshakeTimeout    = &Error{Code: CodeHandshakeTimeout}
	ErrProtocol            = &Error{Code: CodeProtocolError}
	ErrPluginFailure       = &Error{Code: CodePluginFailure}
	ErrChannelDisconnected = &Error{Code: CodeChannelDisconnected}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrCancelled           = &Error{Code: CodeCancelled}
	ErrStoreUnavailable    = &Error{Code: CodeStoreUnavailable}
)

// Error is a coded failure with an optional human-readable reason and cause.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

// New returns an *Error with the given code and reason.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Newf is New with fmt formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and reason to err. A nil err still yields an error.
func Wrap(code Code, err error, reason string) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf returns the reason of the first *Error in err's chain, falling back
// to err.Error().
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return err.Error()
}

// Retryable reports whether the failure is worth another attempt by the caller.
func Retryable(err error) bool {
	return CodeOf(err) == CodeResourceExhausted
}
