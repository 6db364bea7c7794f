// Package errors provides structured error types for the DAP proxy engine.
//
// Every failure that crosses a component boundary is a *DebugError carrying a
// machine-readable Code. Callers distinguish the error classes with errors.Is
// against the sentinel values below, or with the IsTimeout/IsAdapterFailure
// helpers:
//
//   - protocol validation (INVALID_COMMAND, INVALID_TRANSITION)
//   - adapter transport (ADAPTER_SPAWN_FAILED, ADAPTER_CONNECT_FAILED, ADAPTER_EXITED, CONNECTION_CLOSED)
//   - request timeout (DAP_TIMEOUT)
//   - adapter-reported failure (ADAPTER_REQUEST_FAILED)
//   - fatal process errors (PROXY_EXITED)
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Protocol errors
	CodeInvalidCommand    ErrorCode = "INVALID_COMMAND"
	CodeInvalidMessage    ErrorCode = "INVALID_MESSAGE"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Adapter transport errors
	CodeAdapterSpawnFailed   ErrorCode = "ADAPTER_SPAWN_FAILED"
	CodeAdapterConnectFailed ErrorCode = "ADAPTER_CONNECT_FAILED"
	CodeAdapterExited        ErrorCode = "ADAPTER_EXITED"
	CodeConnectionClosed     ErrorCode = "CONNECTION_CLOSED"
	CodeAdapterNotSupported  ErrorCode = "ADAPTER_NOT_SUPPORTED"

	// Request errors
	CodeDAPTimeout           ErrorCode = "DAP_TIMEOUT"
	CodeAdapterRequestFailed ErrorCode = "ADAPTER_REQUEST_FAILED"
	CodeNotInitialized       ErrorCode = "NOT_INITIALIZED"

	// Process errors
	CodeProxyExited    ErrorCode = "PROXY_EXITED"
	CodeProxyStartFail ErrorCode = "PROXY_START_FAILED"

	// Session registry errors
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Configuration errors
	CodeConfigInvalid ErrorCode = "CONFIG_INVALID"
)

// Sentinels for errors.Is. A DebugError matches a sentinel when the codes agree.
var (
	ErrInvalidCommand    = &DebugError{Code: CodeInvalidCommand}
	ErrInvalidTransition = &DebugError{Code: CodeInvalidTransition}
	ErrAdapterExited     = &DebugError{Code: CodeAdapterExited}
	ErrConnectionClosed  = &DebugError{Code: CodeConnectionClosed}
	ErrRequestTimeout    = &DebugError{Code: CodeDAPTimeout}
	ErrAdapterFailure    = &DebugError{Code: CodeAdapterRequestFailed}
	ErrNotInitialized    = &DebugError{Code: CodeNotInitialized}
	ErrProxyExited       = &DebugError{Code: CodeProxyExited}
	ErrSessionNotFound   = &DebugError{Code: CodeSessionNotFound}
)

// DebugError is a structured error type that includes helpful information
// about what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value, expected format)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DebugError with the same code.
func (e *DebugError) Is(target error) bool {
	t, ok := target.(*DebugError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// --- Protocol Errors ---

// InvalidCommand creates a validation error for a malformed parent->worker command.
// The message is reported upstream verbatim, so it carries no hint.
func InvalidCommand(message string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidCommand,
		Message: message,
	}
}

// InvalidMessage creates a validation error for a malformed worker->parent message.
func InvalidMessage(message string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidMessage,
		Message: message,
	}
}

// InvalidTransition creates an error for an event the session lifecycle does not accept.
func InvalidTransition(event, state string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("invalid transition: %s in state %s", event, state),
		Details: map[string]interface{}{
			"event": event,
			"state": state,
		},
	}
}

// --- Adapter Errors ---

// AdapterSpawnFailed creates an error when the debug adapter process fails to start
func AdapterSpawnFailed(command string, err error) *DebugError {
	return &DebugError{
		Code:    CodeAdapterSpawnFailed,
		Message: fmt.Sprintf("failed to spawn debug adapter '%s': %v", command, err),
		Hint:    "Check that the adapter executable is installed and on PATH, or set an explicit path in the configuration.",
		Cause:   err,
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// AdapterConnectFailed creates an error when the adapter endpoint never accepts a connection
func AdapterConnectFailed(address string, err error) *DebugError {
	return &DebugError{
		Code:    CodeAdapterConnectFailed,
		Message: fmt.Sprintf("failed to connect to debug adapter at %s: %v", address, err),
		Hint:    "The adapter may have crashed during startup. Check the adapter log in the session log directory.",
		Cause:   err,
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// AdapterExited creates an error for an adapter process that exited while the session was live.
func AdapterExited(code *int, signal string) *DebugError {
	msg := "debug adapter exited"
	if code != nil {
		msg = fmt.Sprintf("debug adapter exited with code %d", *code)
	} else if signal != "" {
		msg = fmt.Sprintf("debug adapter exited with signal %s", signal)
	}
	return &DebugError{
		Code:    CodeAdapterExited,
		Message: msg,
	}
}

// ConnectionClosed creates an error for requests cut off by a closed DAP connection.
func ConnectionClosed() *DebugError {
	return &DebugError{
		Code:    CodeConnectionClosed,
		Message: "DAP connection closed",
	}
}

// AdapterNotSupported creates an error when no policy exists for a language or adapter
func AdapterNotSupported(name string, supported []string) *DebugError {
	return &DebugError{
		Code:    CodeAdapterNotSupported,
		Message: fmt.Sprintf("no adapter policy registered for '%s'", name),
		Hint:    fmt.Sprintf("Supported adapters: %s.", strings.Join(supported, ", ")),
		Details: map[string]interface{}{
			"name":      name,
			"supported": supported,
		},
	}
}

// --- Request Errors ---

// DAPTimeout creates an error for a DAP request that outlived its deadline
func DAPTimeout(command string, requestID string) *DebugError {
	return &DebugError{
		Code:    CodeDAPTimeout,
		Message: fmt.Sprintf("Request '%s' timed out", command),
		Hint:    "The debug adapter is unresponsive. The session is still usable; retry or stop the session.",
		Details: map[string]interface{}{
			"command":   command,
			"requestId": requestID,
		},
	}
}

// AdapterRequestFailed creates an error for a response the adapter reported as unsuccessful.
func AdapterRequestFailed(command, message string) *DebugError {
	if message == "" {
		message = "DAP request failed"
	}
	return &DebugError{
		Code:    CodeAdapterRequestFailed,
		Message: message,
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// NotInitialized creates an error for requests issued before the session is ready
func NotInitialized(what string) *DebugError {
	return &DebugError{
		Code:    CodeNotInitialized,
		Message: fmt.Sprintf("%s not initialized", what),
		Hint:    "Wait for the session to report adapter-configured before sending DAP requests.",
	}
}

// --- Process Errors ---

// ProxyExited creates an error for requests cut off by the worker process going away.
func ProxyExited(reason string) *DebugError {
	return &DebugError{
		Code:    CodeProxyExited,
		Message: reason,
	}
}

// ProxyStartFailed creates an error when the worker never reports readiness.
func ProxyStartFailed(reason string, err error) *DebugError {
	return &DebugError{
		Code:    CodeProxyStartFail,
		Message: fmt.Sprintf("proxy failed to start: %s", reason),
		Cause:   err,
	}
}

// --- Session Registry Errors ---

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use debug_list_sessions to see active sessions, or use debug_start to create a new session.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Use debug_stop to terminate an existing session before creating a new one.",
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for a missing required parameter
func MissingParameter(paramName string, hint string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("missing required parameter '%s'", paramName),
		Hint:    hint,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for an invalid parameter value
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// ConfigInvalid creates an error for configuration that fails validation
func ConfigInvalid(field string, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("invalid configuration '%s': %s", field, reason),
		Details: map[string]interface{}{
			"field": field,
		},
	}
}

// --- Classification ---

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return stderrors.Is(err, ErrRequestTimeout)
}

// IsAdapterFailure reports whether err is a failure the adapter itself reported.
func IsAdapterFailure(err error) bool {
	return stderrors.Is(err, ErrAdapterFailure)
}

// IsFatal reports whether err ends the session: the adapter or the worker is gone.
func IsFatal(err error) bool {
	return stderrors.Is(err, ErrProxyExited) ||
		stderrors.Is(err, ErrAdapterExited) ||
		stderrors.Is(err, ErrConnectionClosed)
}

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	if err == nil {
		return nil
	}
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Cause:   err,
	}
}
