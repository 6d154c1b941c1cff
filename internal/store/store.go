// ABOUTME: Store interface and data types for braid conversation persistence
// ABOUTME: Defines Conversation, Thread, Message, SquashOperation and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when trying to create an entity whose id already exists
var ErrDuplicate = errors.New("already exists")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentKind categorizes a single item inside a message's content list.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentThinking   ContentKind = "thinking"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ContentItem is one ordered element of a message's content.
// Only the fields relevant to its Kind are populated.
type ContentItem struct {
	Kind      ContentKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	ToolName  string      `json:"tool_name,omitempty"`
	ToolID    string      `json:"tool_id,omitempty"`
	InputJSON string      `json:"input_json,omitempty"`
	Output    string      `json:"output,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

// Conversation is the top-level aggregate owning one chat history and its branches.
// CurrentThreadID always references an existing thread; it is repointed atomically
// when history is forked.
type Conversation struct {
	ID              string
	ProjectID       string
	DisplayName     string
	CurrentThreadID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Thread is one linear ordering of messages within a conversation.
// OriginalThreadID is the thread this one forked from; nil for the first
// thread of a conversation. Each thread has at most one parent, so the
// fork graph is acyclic.
type Thread struct {
	ID               string
	ConversationID   string
	OriginalThreadID *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ThreadMessage links a message into a thread at a dense, thread-local position.
// Multiple threads may reference the same message (shared prefix after a fork).
type ThreadMessage struct {
	ThreadID  string
	MessageID string
	Position  int
}

// Message is an immutable chat message. Once persisted, only the deprecated
// legacy OriginalIDs field may change; identity and content never do.
type Message struct {
	ID                string
	ConversationID    string
	ReplyToID         *string
	SquashOperationID *string
	Role              Role
	Content           []ContentItem
	// OriginalIDs is a deprecated legacy field kept for back-compat reads.
	// New code never writes it.
	OriginalIDs []string
	CreatedAt   time.Time
}

// SquashOperation is the immutable provenance record of a squash: which source
// messages were merged, into what, with which prompt/model, and by whom.
// Source messages are retained for audit even though they leave the active thread.
type SquashOperation struct {
	ID               string
	ConversationID   string
	SourceMessageIDs []string
	ResultMessageID  string
	Prompt           *string
	Model            *string
	PerformedByAgent bool
	CreatedAt        time.Time
}

// ForkRecord is everything a fork writes in one transaction: the new thread,
// its full membership, and (for edits) the replacement message. The
// conversation's current thread pointer is repointed in the same transaction.
type ForkRecord struct {
	Thread      *Thread
	Memberships []ThreadMessage
	NewMessage  *Message // nil for delete forks
}

// SquashRecord is everything a squash writes in one transaction: the provenance
// row, the result message, and the rewritten membership of the active thread.
type SquashRecord struct {
	Operation     *SquashOperation
	ResultMessage *Message
	ThreadID      string
	Memberships   []ThreadMessage
}

// Store defines the persistence gateway for conversations, threads,
// thread membership, messages, and squash operations. Pure CRUD plus
// cascade delete; composite writes are atomic so callers can never
// partially apply a structural change.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation, first *Thread) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	UpdateConversationName(ctx context.Context, id, displayName string) error
	SetCurrentThread(ctx context.Context, conversationID, threadID string) error
	DeleteConversation(ctx context.Context, id string) error

	// Threads
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, conversationID string) ([]*Thread, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetThreadMessages(ctx context.Context, threadID string) ([]*Message, error)
	GetThreadMemberships(ctx context.Context, threadID string) ([]ThreadMessage, error)
	AppendThreadMessage(ctx context.Context, threadID, messageID string, position int) error
	AppendMessage(ctx context.Context, threadID string, msg *Message, position int) error

	// Squash operations
	GetSquashOperation(ctx context.Context, id string) (*SquashOperation, error)
	ListSquashOperations(ctx context.Context, conversationID string) ([]*SquashOperation, error)

	// Composite atomic writes
	ApplyFork(ctx context.Context, conversationID string, fork *ForkRecord) error
	ApplySquash(ctx context.Context, conversationID string, squash *SquashRecord) error

	// Close releases any resources held by the store
	Close() error
}
