// Package werr defines stable machine-readable error codes shared by the
// daemon and its IPC clients. Codes are dotted strings grouped by subsystem
// and survive across releases; messages are for humans and may change.
package werr

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes are part of the IPC contract.
type Code string

const (
	// Graph and configuration validation.
	CodeValidation           Code = "validation.failed"
	CodeValidationCycle      Code = "validation.cycle"
	CodeValidationPort       Code = "validation.port_mismatch"
	CodeSubgraphTooDeep      Code = "validation.subgraph_too_deep"
	CodeConfigInvalid        Code = "validation.config"

	// Agent pool.
	CodePoolTimeout        Code = "pool.timeout"
	CodePoolUnknownRole    Code = "pool.unknown_role"
	CodePoolShrinkConflict Code = "pool.shrink_conflict"

	// Child processes.
	CodeProcessSpawnFailed Code = "process.spawn_failed"
	CodeProcessTimeout     Code = "process.timeout"
	CodeProcessStuck       Code = "process.stuck"
	CodeProcessCrashed     Code = "process.crashed"

	// Workflow execution.
	CodeWorkflowCancelled Code = "workflow.cancelled"
	CodeWorkflowFailed    Code = "workflow.failed"
	CodeWorkflowTimeout   Code = "workflow.timeout"

	// Node execution.
	CodeRetryExhausted  Code = "node.retry_exhausted"
	CodeExpressionError Code = "node.expression_error"
	CodeScriptError     Code = "node.script_error"
	CodeParseError      Code = "node.parse_error"

	// Sessions.
	CodeBadTransition   Code = "session.bad_transition"
	CodeSessionNotFound Code = "session.not_found"
	CodePlanNotFound    Code = "session.plan_not_found"

	// IPC.
	CodeProtocolError Code = "ipc.protocol_error"
	CodeUnknownMethod Code = "ipc.unknown_method"

	// State store.
	CodeLockHeld Code = "store.lock_held"
	CodeIOError  Code = "store.io_error"
)

// Error carries a stable code alongside a human-readable message and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code wrapping an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the stable code from err, walking the wrap chain.
// Returns an empty code when err carries none.
func CodeOf(err error) Code {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
