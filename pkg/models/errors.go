package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind tags an error with its place in the failure taxonomy. Every
// user-visible failure carries exactly one kind.
type ErrorKind string

const (
	// ErrKindInput covers malformed requests, unknown sessions, and
	// missing required content. Never retried.
	ErrKindInput ErrorKind = "input"
	// ErrKindConfig covers missing API keys, unknown providers, and
	// exhausted model fallback chains.
	ErrKindConfig ErrorKind = "config"
	// ErrKindTransport covers connection resets, timeouts, DNS failures,
	// and refused connections. Retryable at the LLM and tool layers.
	ErrKindTransport ErrorKind = "transport"
	// ErrKindRateLimited covers provider throttling. Retryable with
	// backoff and jitter.
	ErrKindRateLimited ErrorKind = "rate_limited"
	// ErrKindTool covers failures inside a tool's own execution.
	ErrKindTool ErrorKind = "tool"
	// ErrKindTimeout covers exceeded tool or slot-acquire budgets.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindInterrupt covers user-initiated cancellation. Never surfaced
	// as a stream error.
	ErrKindInterrupt ErrorKind = "interrupt"
	// ErrKindBusy covers a prompt arriving while the session already has
	// an in-flight agent loop and the busy policy is set to reject.
	ErrKindBusy ErrorKind = "busy"
	// ErrKindInternal covers invariant violations and bugs.
	ErrKindInternal ErrorKind = "internal"
)

// AgentError is the kind-tagged error used across the execution core.
type AgentError struct {
	Kind    ErrorKind
	Message string
	Code    string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError builds a kind-tagged error with a formatted message.
func NewAgentError(kind ErrorKind, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind tag from an error chain. Plain errors report
// ErrKindInternal; context cancellation reports ErrKindInterrupt.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindInterrupt
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	return ErrKindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
