package transport

import (
	"fmt"
	"time"
)

// The transport error taxonomy. SpawnError, ProtocolError and
// TransportError are fatal to the session; TimeoutError and ToolError are
// per-call and recoverable; StateError is a programmer error.

// SpawnError reports that the backend process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StateError reports an operation invoked in the wrong session state.
type StateError struct {
	Op    string
	State SessionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: invalid in session state %s", e.Op, e.State)
}

// ProtocolError reports a malformed or version-incompatible message.
// The session must be torn down after one.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError reports that no response arrived within the per-call bound.
// The pending slot is released; a retry uses a fresh request id.
type TimeoutError struct {
	Method string
	ID     uint64
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d): no response within %v", e.Method, e.ID, e.After)
}

// ToolError reports that the backend executed a tool and the tool failed.
// It is surfaced to the policy as a result, not as a loop crash.
type ToolError struct {
	Tool    string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: [%d] %s", e.Tool, e.Code, e.Message)
}

// TransportError reports a broken stream or dead backend process. The exit
// code and a tail of the child's stderr are carried so callers can surface
// them rather than swallowing the diagnosis.
type TransportError struct {
	Reason   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport: %s (exit code %d)", e.Reason, e.ExitCode)
	if e.Stderr != "" {
		msg += fmt.Sprintf("; stderr: %s", e.Stderr)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Recoverable reports whether err is a per-call failure the caller may
// react to (retry, or record and continue) rather than a session-fatal one.
func Recoverable(err error) bool {
	switch err.(type) {
	case *TimeoutError, *ToolError:
		return true
	}
	return false
}
