// Package errors defines error types for the chatbridge broker.
//
// This package provides the sentinel errors checked across the queue,
// socket, and tool layers, plus structured error types that carry
// caller-facing detail. All types support errors.Is and errors.As.
package errors
