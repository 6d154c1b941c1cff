// ABOUTME: Squasher merges a contiguous run of messages into one via a model summarization turn
// ABOUTME: Source messages survive the squash; provenance is recorded on a squash operation row

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/braid/internal/store"
	"github.com/2389/braid/internal/turn"
)

// ErrNonContiguous is returned when the messages to squash are not an
// unbroken run in the active thread's order.
var ErrNonContiguous = errors.New("messages are not contiguous in thread")

// DefaultSquashPrompt is used when the caller supplies no prompt.
const DefaultSquashPrompt = "Summarize the following conversation excerpt into a single concise message. Preserve all decisions, facts, and open questions."

// Squasher replaces a run of messages in the active thread with a single
// summary message. The source messages are never deleted; the squash
// operation row links them to the result.
type Squasher struct {
	st     store.Store
	runner turn.Runner
	logger *slog.Logger
}

// NewSquasher creates a Squasher. runner produces the summary text; pass a
// ScriptedRunner in tests.
func NewSquasher(st store.Store, runner turn.Runner, logger *slog.Logger) *Squasher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Squasher{st: st, runner: runner, logger: logger.With("component", "squasher")}
}

// SquashRequest names the run to squash. MessageIDs may arrive in any order;
// they must form a contiguous run in the active thread. PerformedByAgent
// records whether an agent, rather than the user, asked for the squash.
type SquashRequest struct {
	MessageIDs       []string
	Prompt           string
	Definition       *turn.Definition
	PerformedByAgent bool
}

// Squash validates the run, generates the summary, and commits the rewritten
// thread membership atomically. Returns the result message and the recorded
// operation.
func (s *Squasher) Squash(ctx context.Context, conv *store.Conversation, req *SquashRequest) (*store.Message, *store.SquashOperation, error) {
	if len(req.MessageIDs) < 2 {
		return nil, nil, fmt.Errorf("need at least two messages to squash, got %d", len(req.MessageIDs))
	}

	memberships, err := s.st.GetThreadMemberships(ctx, conv.CurrentThreadID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading memberships: %w", err)
	}

	run, err := contiguousRun(memberships, req.MessageIDs)
	if err != nil {
		return nil, nil, err
	}

	sources := make([]*store.Message, 0, len(run))
	for _, tm := range run {
		msg, err := s.st.GetMessage(ctx, tm.MessageID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading source message %s: %w", tm.MessageID, err)
		}
		sources = append(sources, msg)
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = DefaultSquashPrompt
	}

	summary, err := s.summarize(ctx, req.Definition, prompt, sources)
	if err != nil {
		return nil, nil, fmt.Errorf("generating summary: %w", err)
	}

	now := time.Now().UTC()
	opID := uuid.New().String()

	result := &store.Message{
		ID:                uuid.New().String(),
		ConversationID:    conv.ID,
		SquashOperationID: &opID,
		Role:              store.RoleAssistant,
		Content:           []store.ContentItem{{Kind: store.ContentText, Text: summary}},
		CreatedAt:         now,
	}

	sourceIDs := make([]string, len(run))
	for i, tm := range run {
		sourceIDs[i] = tm.MessageID
	}
	op := &store.SquashOperation{
		ID:               opID,
		ConversationID:   conv.ID,
		SourceMessageIDs: sourceIDs,
		ResultMessageID:  result.ID,
		Prompt:           &prompt,
		PerformedByAgent: req.PerformedByAgent,
		CreatedAt:        now,
	}
	if req.Definition != nil {
		model := req.Definition.Model
		op.Model = &model
	}

	// Rebuild the membership with the run replaced by the result, positions
	// renumbered densely.
	squashed := make(map[string]bool, len(run))
	for _, tm := range run {
		squashed[tm.MessageID] = true
	}
	var tms []store.ThreadMessage
	pos := 0
	inserted := false
	for _, tm := range memberships {
		if squashed[tm.MessageID] {
			if !inserted {
				tms = append(tms, store.ThreadMessage{ThreadID: conv.CurrentThreadID, MessageID: result.ID, Position: pos})
				pos++
				inserted = true
			}
			continue
		}
		tms = append(tms, store.ThreadMessage{ThreadID: conv.CurrentThreadID, MessageID: tm.MessageID, Position: pos})
		pos++
	}

	rec := &store.SquashRecord{
		Operation:     op,
		ResultMessage: result,
		ThreadID:      conv.CurrentThreadID,
		Memberships:   tms,
	}
	if err := s.st.ApplySquash(ctx, conv.ID, rec); err != nil {
		return nil, nil, fmt.Errorf("applying squash: %w", err)
	}

	s.logger.Info("messages squashed",
		"conversation_id", conv.ID,
		"thread_id", conv.CurrentThreadID,
		"sources", len(sourceIDs),
		"operation_id", opID)
	return result, op, nil
}

// summarize runs a single summarization turn and concatenates its text output.
func (s *Squasher) summarize(ctx context.Context, def *turn.Definition, prompt string, sources []*store.Message) (string, error) {
	if def == nil {
		def = turn.DefaultDefinition()
	}

	var transcript strings.Builder
	for _, msg := range sources {
		for _, item := range msg.Content {
			if item.Kind == store.ContentText {
				fmt.Fprintf(&transcript, "[%s] %s\n", msg.Role, item.Text)
			}
		}
	}

	req := &turn.Request{
		Definition: def,
		Messages: []*store.Message{{
			Role: store.RoleUser,
			Content: []store.ContentItem{{
				Kind: store.ContentText,
				Text: prompt + "\n\n" + transcript.String(),
			}},
		}},
	}

	events, err := s.runner.Run(ctx, req)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for ev := range events {
		switch ev.Kind {
		case turn.EventText:
			out.WriteString(ev.Text)
		case turn.EventError:
			return "", errors.New(ev.Error)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("summarization produced no text")
	}
	return out.String(), nil
}

// contiguousRun returns the membership entries for ids in thread order, or
// ErrNonContiguous if they do not form an unbroken run.
func contiguousRun(memberships []store.ThreadMessage, ids []string) ([]store.ThreadMessage, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	start := -1
	for i, tm := range memberships {
		if want[tm.MessageID] {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("none of the messages: %w", ErrUnknownMessage)
	}
	if start+len(want) > len(memberships) {
		return nil, ErrNonContiguous
	}

	run := memberships[start : start+len(want)]
	for _, tm := range run {
		if !want[tm.MessageID] {
			return nil, ErrNonContiguous
		}
	}
	// Anything wanted but outside the window means an id was missing or
	// duplicated in the thread.
	seen := make(map[string]bool, len(run))
	for _, tm := range run {
		seen[tm.MessageID] = true
	}
	for id := range want {
		if !seen[id] {
			return nil, fmt.Errorf("message %s: %w", id, ErrUnknownMessage)
		}
	}
	return run, nil
}
