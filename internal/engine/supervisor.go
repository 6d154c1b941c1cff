// ABOUTME: Supervisor is the registry of live conversation actors, keyed by conversation id
// ABOUTME: Lazily creates or resumes actors and coordinates graceful shutdown of all of them

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/braid/internal/reconcile"
	"github.com/2389/braid/internal/store"
	"github.com/2389/braid/internal/turn"
)

// LogSource supplies raw session log entries for a conversation, when one
// exists. Implementations read JSONL session files; a nil source means
// conversations live only in the store.
type LogSource interface {
	Entries(ctx context.Context, conversationID string) ([]*reconcile.Entry, error)
}

// SupervisorConfig carries the supervisor's collaborators and tuning.
type SupervisorConfig struct {
	Store             store.Store
	Runner            turn.Runner
	DefaultDefinition *turn.Definition
	Logs              LogSource
	SubscriberBuffer  int
	ShutdownGrace     time.Duration
	Logger            *slog.Logger
}

const defaultShutdownGrace = 5 * time.Second

// Supervisor owns the set of live actors. Each conversation gets at most one
// actor; lookups create or resume on demand.
type Supervisor struct {
	cfg        SupervisorConfig
	reconciler *reconcile.Reconciler
	logger     *slog.Logger

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.DefaultDefinition == nil {
		cfg.DefaultDefinition = turn.DefaultDefinition()
	}
	return &Supervisor{
		cfg:        cfg,
		reconciler: reconcile.New(logger),
		logger:     logger.With("component", "supervisor"),
		actors:     make(map[string]*Actor),
	}
}

// CreateConversation persists a fresh conversation with an empty initial
// thread and returns its actor.
func (s *Supervisor) CreateConversation(ctx context.Context, projectID, displayName string) (*store.Conversation, *Actor, error) {
	now := time.Now().UTC()
	thread := &store.Thread{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	conv := &store.Conversation{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		DisplayName:     displayName,
		CurrentThreadID: thread.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	thread.ConversationID = conv.ID

	if err := s.cfg.Store.CreateConversation(ctx, conv, thread); err != nil {
		return nil, nil, fmt.Errorf("creating conversation: %w", err)
	}

	actor, err := s.Actor(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "project_id", projectID)
	return conv, actor, nil
}

// Actor returns the live actor for the conversation, starting one if needed.
// Resuming a conversation backed by a raw session log reconciles the log
// into the store first.
func (s *Supervisor) Actor(ctx context.Context, conversationID string) (*Actor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrActorStopped
	}
	if a, ok := s.actors[conversationID]; ok {
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()

	// Verify the conversation exists and resume outside the lock; actor
	// startup can hit the store and the log source.
	conv, err := s.cfg.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if s.cfg.Logs != nil {
		if err := s.resumeFromLog(ctx, conv); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrActorStopped
	}
	if a, ok := s.actors[conversationID]; ok {
		return a, nil
	}
	a := NewActor(conversationID, ActorConfig{
		Store:            s.cfg.Store,
		Runner:           s.cfg.Runner,
		Definition:       s.cfg.DefaultDefinition,
		SubscriberBuffer: s.cfg.SubscriberBuffer,
		Logger:           s.cfg.Logger,
	})
	s.actors[conversationID] = a
	return a, nil
}

// Retire stops the conversation's actor, if live. The conversation itself
// stays in the store.
func (s *Supervisor) Retire(conversationID string) {
	s.mu.Lock()
	a, ok := s.actors[conversationID]
	if ok {
		delete(s.actors, conversationID)
	}
	s.mu.Unlock()
	if ok {
		a.Stop()
		s.logger.Info("actor retired", "conversation_id", conversationID)
	}
}

// DeleteConversation retires the actor and removes the conversation and all
// its threads, messages, and squash history.
func (s *Supervisor) DeleteConversation(ctx context.Context, conversationID string) error {
	s.Retire(conversationID)
	if err := s.cfg.Store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	s.logger.Info("conversation deleted", "conversation_id", conversationID)
	return nil
}

// ShutdownAll stops every live actor, waiting up to the shutdown grace for
// each to drain before interrupting in-flight turns. Returns once all actors
// have terminated or ctx is done.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	actors := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.actors = make(map[string]*Actor)
	s.mu.Unlock()

	s.logger.Info("shutting down actors", "count", len(actors))

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range actors {
		a := a
		g.Go(func() error {
			if a.State() == StateIdle {
				a.Stop()
				return nil
			}
			// Give the actor the grace period to finish its current turn,
			// then stop it, which interrupts anything still in flight.
			select {
			case <-a.Done():
				return nil
			case <-time.After(s.cfg.ShutdownGrace):
			case <-gctx.Done():
			}
			a.Stop()
			select {
			case <-a.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// resumeFromLog reconciles the conversation's raw session log into store
// messages. Entries already present in the store are skipped, so resuming
// twice is harmless.
func (s *Supervisor) resumeFromLog(ctx context.Context, conv *store.Conversation) error {
	entries, err := s.cfg.Logs.Entries(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("reading session log: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	clean := s.reconciler.Reconcile(entries)

	existing, err := s.cfg.Store.GetThreadMemberships(ctx, conv.CurrentThreadID)
	if err != nil {
		return fmt.Errorf("loading memberships: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, tm := range existing {
		have[tm.MessageID] = true
	}

	pos := len(existing)
	var lastID *string
	if len(existing) > 0 {
		id := existing[len(existing)-1].MessageID
		lastID = &id
	}

	imported := 0
	for _, e := range clean {
		if !chainKind(e.Kind) || have[e.ID] {
			continue
		}
		msg := EntryToMessage(conv.ID, e)
		msg.ReplyToID = lastID
		if err := s.cfg.Store.AppendMessage(ctx, conv.CurrentThreadID, msg, pos); err != nil {
			return fmt.Errorf("importing log entry %s: %w", e.ID, err)
		}
		id := msg.ID
		lastID = &id
		pos++
		imported++
	}
	if imported > 0 {
		s.logger.Info("session log reconciled",
			"conversation_id", conv.ID,
			"entries", len(entries),
			"kept", len(clean),
			"imported", imported)
	}
	return nil
}

func chainKind(k string) bool {
	return k == reconcile.KindUser || k == reconcile.KindAssistant
}

// EntryToMessage converts a reconciled log entry into a store message. The
// log entry's uuid becomes the message id so re-imports dedupe naturally.
func EntryToMessage(conversationID string, e *reconcile.Entry) *store.Message {
	role := store.RoleUser
	if e.Kind == reconcile.KindAssistant {
		role = store.RoleAssistant
	}

	content := parseLogContent(e.Content)
	created := e.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &store.Message{
		ID:             e.ID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      created,
	}
}

// parseLogContent maps the raw message content of a log entry to content
// items. Session logs carry either a bare string or an array of typed blocks.
func parseLogContent(raw json.RawMessage) []store.ContentItem {
	if len(raw) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []store.ContentItem{{Kind: store.ContentText, Text: text}}
	}

	var blocks []struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		// Unrecognized shape: keep the raw JSON so nothing is lost.
		return []store.ContentItem{{Kind: store.ContentText, Text: string(raw)}}
	}

	var items []store.ContentItem
	for _, b := range blocks {
		switch b.Type {
		case "text":
			items = append(items, store.ContentItem{Kind: store.ContentText, Text: b.Text})
		case "thinking":
			items = append(items, store.ContentItem{Kind: store.ContentThinking, Text: b.Thinking})
		case "tool_use":
			items = append(items, store.ContentItem{
				Kind:      store.ContentToolCall,
				ToolID:    b.ID,
				ToolName:  b.Name,
				InputJSON: string(b.Input),
			})
		case "tool_result":
			items = append(items, store.ContentItem{
				Kind:    store.ContentToolResult,
				ToolID:  b.ToolUseID,
				Output:  string(b.Content),
				IsError: b.IsError,
			})
		}
	}
	return items
}
