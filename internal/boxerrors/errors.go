// Package boxerrors defines the closed set of error kinds boxctld surfaces
// to the CLI and the structured, wrapped error type that carries one of
// them plus a remediation hint.
package boxerrors

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of error categories. Keeping it a small string
// type (rather than free-form error text) lets the CLI render a stable
// icon/exit-code per category and lets tests assert on category without
// string-matching messages.
type Kind string

const (
	KindRuntimeUnavailable Kind = "runtime_unavailable"
	KindContainerNotFound  Kind = "container_not_found"
	KindContainerExists    Kind = "container_exists"
	KindImageNotFound      Kind = "image_not_found"
	KindStartFailed        Kind = "start_failed"
	KindExecFailed         Kind = "exec_failed"
	KindConfigInvalid      Kind = "config_invalid"
	KindConfigLocked       Kind = "config_locked"
	KindPortConflict       Kind = "port_conflict"
	KindSSHAuthFailed      Kind = "ssh_auth_failed"
	KindForwardDenied      Kind = "forward_denied"
	KindTimeout            Kind = "timeout"
	KindNotConnected       Kind = "not_connected"
	KindInternal           Kind = "internal"
	KindUnsupported        Kind = "unsupported"
)

// Error is boxctld's structured error: a closed Kind, a human message, an
// optional remediation step, and the underlying cause.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	NextSteps string
	Err       error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// FormatUserError renders the message plus remediation, suitable for
// printing to a CLI user without a stack of wrapped causes.
func (e *Error) FormatUserError() string {
	if e.NextSteps == "" {
		return e.Message
	}
	return fmt.Sprintf("%s\n%s", e.Message, e.NextSteps)
}

// New constructs an *Error, wrapping cause (which may be nil).
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// WithNextSteps attaches a remediation hint and returns the receiver for chaining.
func (e *Error) WithNextSteps(steps string) *Error {
	e.NextSteps = steps
	return e
}

// KindOf extracts the Kind from err's chain, returning KindInternal if none is found.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// Is reports whether err's chain carries an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func ErrRuntimeUnavailable(cause error) *Error {
	return New(KindRuntimeUnavailable, "engine", "container runtime is not reachable", cause).
		WithNextSteps("Check that the container runtime daemon is running and the socket is reachable.")
}

func ErrContainerNotFound(name string) *Error {
	return New(KindContainerNotFound, "engine", fmt.Sprintf("container %q not found", name), nil)
}

func ErrImageNotFound(ref string) *Error {
	return New(KindImageNotFound, "engine", fmt.Sprintf("image %q not found", ref), nil).
		WithNextSteps("Pull or build the image before starting a container from it.")
}

func ErrStartFailed(name string, cause error) *Error {
	return New(KindStartFailed, "engine", fmt.Sprintf("failed to start container %q", name), cause)
}

func ErrExecFailed(name string, cause error) *Error {
	return New(KindExecFailed, "engine", fmt.Sprintf("exec into container %q failed", name), cause)
}

func ErrConfigInvalid(path string, cause error) *Error {
	return New(KindConfigInvalid, "config", fmt.Sprintf("invalid configuration at %q", path), cause)
}

func ErrConfigLocked(path string, cause error) *Error {
	return New(KindConfigLocked, "config", fmt.Sprintf("configuration file %q is locked by another process", path), cause).
		WithNextSteps("Retry once the other boxctl process has finished, or remove a stale lock file.")
}

func ErrPortConflict(port int, cause error) *Error {
	return New(KindPortConflict, "portforward", fmt.Sprintf("port %d is already in use", port), cause).
		WithNextSteps("Choose a different host port or stop the process currently listening on it.")
}

func ErrSSHAuthFailed(user string) *Error {
	return New(KindSSHAuthFailed, "sshtunnel", fmt.Sprintf("authentication failed for %q", user), nil)
}

func ErrForwardDenied(port int) *Error {
	return New(KindForwardDenied, "sshtunnel", fmt.Sprintf("forwarding to port %d is not permitted", port), nil)
}

func ErrTimeout(op string, cause error) *Error {
	return New(KindTimeout, op, fmt.Sprintf("%s timed out", op), cause)
}

func ErrNotConnected(name string) *Error {
	return New(KindNotConnected, "controlchannel", fmt.Sprintf("no active connection to %q", name), nil)
}

func ErrUnsupportedCompletionType(typ string) *Error {
	return New(KindUnsupported, "daemon", fmt.Sprintf("completion type %q is not served by the daemon", typ), nil).
		WithNextSteps("mcp and skills completions are resolved by the library catalog, not boxctld.")
}
