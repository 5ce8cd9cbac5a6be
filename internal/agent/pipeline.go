// Package agent implements the response pipeline: one turn of a
// conversation from history plus a new event to a terminal assistant
// reply, looping through tool calls as the model requests them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frinny-ai/frinny/internal/contexts"
)

// Event is the canonical inbound event handed to a [Pipeline].
type Event struct {
	RequestID string
	Type      string
	UserID    string
	ContextID string
	// Message is the user-visible text of the event.
	Message   string
	Payload   map[string]any
	Timestamp time.Time
}

// Reply is a terminal assistant message.
type Reply struct {
	Content string
	// Metadata is merged into the context's metadata by the caller.
	Metadata   map[string]string
	Model      string
	Iterations int
	ToolCalls  int
}

// Pipeline produces a reply for ev given the context's prior messages.
// Failures are returned as *PipelineError.
type Pipeline interface {
	Run(ctx context.Context, history []contexts.Message, ev Event) (*Reply, error)
}

// PipelineFunc adapts a function to [Pipeline].
type PipelineFunc func(ctx context.Context, history []contexts.Message, ev Event) (*Reply, error)

// Run implements [Pipeline].
func (f PipelineFunc) Run(ctx context.Context, history []contexts.Message, ev Event) (*Reply, error) {
	return f(ctx, history, ev)
}

// ErrMaxIterations is returned when the model keeps calling tools past
// the iteration limit.
var ErrMaxIterations = errors.New("tool iteration limit reached")

// PipelineError is a failed turn. UserMessage is safe to show to the
// user; Err carries the cause.
type PipelineError struct {
	Personality string
	UserMessage string
	Err         error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline: %v", e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Timeout reports whether the turn failed because its deadline passed.
func (e *PipelineError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
