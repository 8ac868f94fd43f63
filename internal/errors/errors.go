package errors

import (
	"errors"
	"fmt"
)

// BrokerError is the base interface for all broker errors.
type BrokerError interface {
	error
	IsBrokerError() bool
}

// Compile-time verification that all error types implement BrokerError.
var (
	_ BrokerError = (*ValidationError)(nil)
	_ BrokerError = (*AgentError)(nil)
	_ BrokerError = (*TimeoutError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrRequestCancelled indicates an in-flight request was cancelled.
	ErrRequestCancelled = errors.New("request was cancelled")

	// ErrShuttingDown indicates the broker is shutting down and rejected
	// all queued work.
	ErrShuttingDown = errors.New("server is shutting down")

	// ErrUnknownService indicates a request named a service the queue
	// manager does not track.
	ErrUnknownService = errors.New("unknown service")

	// ErrNoAgentConnected indicates no authenticated browser agent is
	// connected, so prompts cannot be delivered.
	ErrNoAgentConnected = errors.New("no browser extension connected")

	// ErrUnknownTool indicates a tools/call named an unregistered tool.
	ErrUnknownTool = errors.New("tool not found")

	// ErrDuplicateTool indicates a second registration under the same name.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrServerClosed indicates the socket server has been stopped.
	ErrServerClosed = errors.New("socket server closed")
)

// TimeoutError indicates an active request exceeded its TTL.
type TimeoutError struct {
	TTLMillis int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %dms", e.TTLMillis)
}

// IsBrokerError implements BrokerError.
func (e *TimeoutError) IsBrokerError() bool { return true }

// ValidationError indicates tool arguments failed schema validation.
// Messages carry field-level detail suitable for the caller.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return "invalid arguments"
	}

	msg := e.Messages[0]
	for _, m := range e.Messages[1:] {
		msg += ", " + m
	}

	return "invalid arguments: " + msg
}

// IsBrokerError implements BrokerError.
func (e *ValidationError) IsBrokerError() bool { return true }

// AgentError indicates the browser agent reported a failure for a request.
// Code is the typed wire error code; Message is the caller-facing
// translation.
type AgentError struct {
	Code    string
	Message string
}

func (e *AgentError) Error() string {
	return e.Message
}

// IsBrokerError implements BrokerError.
func (e *AgentError) IsBrokerError() bool { return true }
