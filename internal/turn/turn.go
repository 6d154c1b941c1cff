// ABOUTME: Model-turn collaborator boundary: Runner interface and stream event types
// ABOUTME: A turn is an opaque, cancellable, asynchronous model invocation

package turn

import (
	"context"

	"github.com/2389/braid/internal/store"
)

// Runner executes one model turn. The returned channel streams events until a
// Done or Error event, after which it is closed. Cancelling ctx aborts the
// turn; the channel is closed without a terminal event.
type Runner interface {
	Run(ctx context.Context, req *Request) (<-chan *Event, error)
}

// Request carries everything a turn needs: the agent configuration and the
// conversation history to send, oldest first.
type Request struct {
	Definition *Definition
	Messages   []*store.Message
}

// EventKind indicates the type of stream event.
type EventKind int

const (
	EventText EventKind = iota
	EventThinking
	EventToolUse
	EventToolResult
	EventDone
	EventError
)

// Event is one streamed response event from a model turn.
type Event struct {
	Kind       EventKind
	Text       string
	ToolUse    *ToolUseEvent
	ToolResult *ToolResultEvent
	Error      string
	Done       bool
}

// ToolUseEvent represents a tool invocation by the model.
type ToolUseEvent struct {
	ID        string
	Name      string
	InputJSON string
}

// ToolResultEvent represents the result of a tool invocation.
type ToolResultEvent struct {
	ID      string
	Output  string
	IsError bool
}
