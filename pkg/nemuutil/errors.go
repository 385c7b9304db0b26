package nemuutil

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, one per error taxonomy class.
var (
	ErrConfig    = errors.New("invalid configuration")
	ErrKernel    = errors.New("kernel command failed")
	ErrProtocol  = errors.New("rpc protocol error")
	ErrRemote    = errors.New("remote exception")
	ErrLifecycle = errors.New("slave process unavailable")
)

// ConfigError reports a bad argument value caught before any kernel command
// is issued (bad MTU, bad lladdr, unknown user, ...).
type ConfigError struct {
	Field   string
	Value   string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// NewConfigError builds a ConfigError.
func NewConfigError(field, value, reason string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Reason: reason}
}

// KernelError reports a non-zero exit from ip/tc/brctl/sysctl, carrying the
// captured stderr per the execute()/backticks() failure policy.
type KernelError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", strings.Join(e.Argv, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *KernelError) Unwrap() error { return ErrKernel }

// NewKernelError builds a KernelError.
func NewKernelError(argv []string, exitCode int, stderr string) *KernelError {
	return &KernelError{Argv: argv, ExitCode: exitCode, Stderr: stderr}
}

// ProtocolError reports a malformed RPC line or FD transfer.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Detail }

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// NewProtocolError builds a ProtocolError.
func NewProtocolError(detail string) *ProtocolError {
	return &ProtocolError{Detail: detail}
}

// RemoteKind tags the origin of a RemoteError: a portable tagged union
// rather than language-native object serialization.
type RemoteKind string

const (
	RemoteOSError       RemoteKind = "OSError"
	RemoteValueError    RemoteKind = "ValueError"
	RemoteKeyError      RemoteKind = "KeyError"
	RemoteProtocolError RemoteKind = "Protocol"
	RemoteRuntimeError  RemoteKind = "Runtime"
)

// RemoteError is the client-side re-raise of a 550 reply: the handler on
// the slave raised, the exception was marshalled, and this is the client's
// idiomatic reconstruction of it, preserving the remote traceback as a
// diagnostic field.
type RemoteError struct {
	Kind        RemoteKind
	Errno       int
	Message     string
	RemoteTrace string
}

func (e *RemoteError) Error() string {
	if e.RemoteTrace != "" {
		return fmt.Sprintf("remote %s: %s\n%s", e.Kind, e.Message, e.RemoteTrace)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// NewRemoteError builds a RemoteError of the given kind.
func NewRemoteError(kind RemoteKind, message string) *RemoteError {
	return &RemoteError{Kind: kind, Message: message}
}

// NewRemoteKeyError builds a RemoteError tagged as a KeyError, the
// handler-side counterpart exercised by IsKeyError.
func NewRemoteKeyError(message string) *RemoteError {
	return NewRemoteError(RemoteKeyError, message)
}

// IsKeyError reports whether a RemoteError round-tripped as a KeyError: a
// KeyError raised inside a slave-side handler round-trips as a KeyError at
// the client.
func IsKeyError(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind == RemoteKeyError
	}
	return false
}

// LifecycleError marks a node whose slave has died; further operations on
// it fail with this error and destruction becomes a no-op.
type LifecycleError struct {
	Node string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("node %s: slave process is no longer available", e.Node)
}

func (e *LifecycleError) Unwrap() error { return ErrLifecycle }

// NewLifecycleError builds a LifecycleError.
func NewLifecycleError(node string) *LifecycleError {
	return &LifecycleError{Node: node}
}
