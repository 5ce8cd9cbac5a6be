package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not registered. This indicates a capability mismatch, not a
// transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ArgumentError is returned when a tool call's arguments do not match
// the tool's parameter schema.
type ArgumentError struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying validation error.
func (e *ArgumentError) Unwrap() error { return e.Err }
