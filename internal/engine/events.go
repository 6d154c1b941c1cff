// ABOUTME: Closed sum type of conversation events streamed to subscribers
// ABOUTME: Every mutation the actor performs is announced through one of these variants

package engine

import (
	"github.com/2389/braid/internal/store"
	"github.com/2389/braid/internal/turn"
)

// Event is a state-change notification from a conversation actor. The set of
// variants is closed: every implementation lives in this file.
type Event interface {
	event()
}

// Initialized is the first event every subscriber receives: the current
// conversation snapshot. It is re-emitted after reinitialize.
type Initialized struct {
	Conversation *store.Conversation
	Messages     []*store.Message
}

// StateChanged carries the active thread's messages after a mutation.
type StateChanged struct {
	Messages []*store.Message
}

// MessageEmitted announces one newly persisted message.
type MessageEmitted struct {
	Message *store.Message
}

// DefinitionSwitched announces a new agent configuration for subsequent turns.
type DefinitionSwitched struct {
	Definition *turn.Definition
}

// ThreadForked announces that history diverged into a new thread.
type ThreadForked struct {
	NewThreadID      string
	OriginalThreadID string
}

// Error reports a failed model turn or a failed command. The actor stays usable.
type Error struct {
	Cause error
}

// Interrupted terminates a turn's event stream after a cancellation.
// Interruption is not an error.
type Interrupted struct{}

// Completed terminates a successful turn's event stream.
type Completed struct{}

func (Initialized) event()        {}
func (StateChanged) event()       {}
func (MessageEmitted) event()     {}
func (DefinitionSwitched) event() {}
func (ThreadForked) event()       {}
func (Error) event()              {}
func (Interrupted) event()        {}
func (Completed) event()          {}
