// ABOUTME: ThreadForker creates a new thread that diverges from the current one on edit or delete
// ABOUTME: Forks never mutate or delete existing threads or messages

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/braid/internal/store"
)

// ErrUnknownMessage is returned when an edit or delete names a message that is
// not part of the conversation's active thread.
var ErrUnknownMessage = errors.New("message not in active thread")

// Forker builds forked threads. An edit copies membership up to the edited
// message and appends a replacement; a delete copies membership minus the
// deleted messages. Either way the old thread and all its messages stay
// queryable, and the conversation pointer moves in the same transaction as
// the new thread.
type Forker struct {
	st     store.Store
	logger *slog.Logger
}

// NewForker creates a Forker. Pass nil logger for default.
func NewForker(st store.Store, logger *slog.Logger) *Forker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forker{st: st, logger: logger.With("component", "forker")}
}

// ForkEdit forks the conversation's current thread at message messageID,
// replacing it with a new message carrying newContent. Returns the new thread
// and the replacement message.
func (f *Forker) ForkEdit(ctx context.Context, conv *store.Conversation, messageID string, newContent []store.ContentItem) (*store.Thread, *store.Message, error) {
	memberships, err := f.st.GetThreadMemberships(ctx, conv.CurrentThreadID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading memberships: %w", err)
	}

	editPos := -1
	for _, tm := range memberships {
		if tm.MessageID == messageID {
			editPos = tm.Position
			break
		}
	}
	if editPos < 0 {
		return nil, nil, fmt.Errorf("message %s: %w", messageID, ErrUnknownMessage)
	}

	original, err := f.st.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading edited message: %w", err)
	}

	now := time.Now().UTC()
	thread := f.newThread(conv, now)

	replacement := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		ReplyToID:      original.ReplyToID,
		Role:           original.Role,
		Content:        newContent,
		CreatedAt:      now,
	}

	// Shared prefix strictly before the edited message, then the replacement.
	var tms []store.ThreadMessage
	for _, tm := range memberships {
		if tm.Position >= editPos {
			break
		}
		tms = append(tms, store.ThreadMessage{ThreadID: thread.ID, MessageID: tm.MessageID, Position: tm.Position})
	}
	tms = append(tms, store.ThreadMessage{ThreadID: thread.ID, MessageID: replacement.ID, Position: editPos})

	fork := &store.ForkRecord{Thread: thread, Memberships: tms, NewMessage: replacement}
	if err := f.st.ApplyFork(ctx, conv.ID, fork); err != nil {
		return nil, nil, fmt.Errorf("applying edit fork: %w", err)
	}

	f.logger.Info("thread forked for edit",
		"conversation_id", conv.ID,
		"original_thread", conv.CurrentThreadID,
		"new_thread", thread.ID,
		"edited_message", messageID)
	return thread, replacement, nil
}

// ForkDelete forks the conversation's current thread without the given
// messages, preserving the relative order of the remainder.
func (f *Forker) ForkDelete(ctx context.Context, conv *store.Conversation, messageIDs []string) (*store.Thread, error) {
	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("no messages to delete")
	}

	memberships, err := f.st.GetThreadMemberships(ctx, conv.CurrentThreadID)
	if err != nil {
		return nil, fmt.Errorf("loading memberships: %w", err)
	}

	drop := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = true
	}
	present := 0
	for _, tm := range memberships {
		if drop[tm.MessageID] {
			present++
		}
	}
	if present != len(drop) {
		return nil, fmt.Errorf("%d of %d messages: %w", len(drop)-present, len(drop), ErrUnknownMessage)
	}

	now := time.Now().UTC()
	thread := f.newThread(conv, now)

	var tms []store.ThreadMessage
	pos := 0
	for _, tm := range memberships {
		if drop[tm.MessageID] {
			continue
		}
		tms = append(tms, store.ThreadMessage{ThreadID: thread.ID, MessageID: tm.MessageID, Position: pos})
		pos++
	}

	fork := &store.ForkRecord{Thread: thread, Memberships: tms}
	if err := f.st.ApplyFork(ctx, conv.ID, fork); err != nil {
		return nil, fmt.Errorf("applying delete fork: %w", err)
	}

	f.logger.Info("thread forked for delete",
		"conversation_id", conv.ID,
		"original_thread", conv.CurrentThreadID,
		"new_thread", thread.ID,
		"deleted", len(messageIDs))
	return thread, nil
}

func (f *Forker) newThread(conv *store.Conversation, now time.Time) *store.Thread {
	orig := conv.CurrentThreadID
	return &store.Thread{
		ID:               uuid.New().String(),
		ConversationID:   conv.ID,
		OriginalThreadID: &orig,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
