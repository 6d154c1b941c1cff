// ABOUTME: ConversationActor serializes all commands for one conversation through a single goroutine
// ABOUTME: Each command gets its own event stream; every event also fans out to subscribers

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/braid/internal/store"
	"github.com/2389/braid/internal/turn"
)

// ErrActorStopped is returned when a command is sent to an actor that has
// been stopped or is shutting down.
var ErrActorStopped = errors.New("conversation actor stopped")

// State is the actor's processing state. The actor is Processing only while
// a model turn is in flight; forks, squashes, and definition switches run
// synchronously in the command loop and do not change state.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
)

const commandQueueSize = 16

// Actor owns one conversation. All mutations go through its command loop,
// so the store only ever sees one writer per conversation and event order
// is the same for every subscriber.
type Actor struct {
	convID   string
	st       store.Store
	runner   turn.Runner
	forker   *Forker
	squasher *Squasher
	bcast    *broadcaster
	logger   *slog.Logger

	commands chan command
	stopping chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	state      State
	definition *turn.Definition
	cancelTurn context.CancelFunc
}

// ActorConfig carries the actor's collaborators and tuning.
type ActorConfig struct {
	Store            store.Store
	Runner           turn.Runner
	Definition       *turn.Definition
	SubscriberBuffer int
	Logger           *slog.Logger
}

// NewActor creates and starts an actor for the given conversation. The
// conversation must already exist in the store.
func NewActor(convID string, cfg ActorConfig) *Actor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation_id", convID)

	def := cfg.Definition
	if def == nil {
		def = turn.DefaultDefinition()
	}

	a := &Actor{
		convID:     convID,
		st:         cfg.Store,
		runner:     cfg.Runner,
		forker:     NewForker(cfg.Store, logger),
		squasher:   NewSquasher(cfg.Store, cfg.Runner, logger),
		bcast:      newBroadcaster(cfg.SubscriberBuffer, logger),
		logger:     logger,
		commands:   make(chan command, commandQueueSize),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateIdle,
		definition: def,
	}
	go a.loop()
	return a
}

// command is one unit of work for the loop. events receives the command's
// own events and is closed when the command finishes.
type command struct {
	kind    commandKind
	content []store.ContentItem
	msgIDs  []string
	squash  *SquashRequest
	def     *turn.Definition
	events  chan Event
}

type commandKind int

const (
	cmdSendMessage commandKind = iota
	cmdEdit
	cmdDelete
	cmdSquash
	cmdSwitchDefinition
	cmdReinitialize
)

// State reports the current processing state.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Definition reports the active model definition.
func (a *Actor) Definition() *turn.Definition {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.definition
}

// SendUserMessage queues a user message for the conversation. The returned
// channel carries the command's events and closes when the turn completes,
// fails, or is interrupted.
func (a *Actor) SendUserMessage(ctx context.Context, content []store.ContentItem) (<-chan Event, error) {
	return a.enqueue(ctx, command{kind: cmdSendMessage, content: content})
}

// EditMessage forks the active thread, replacing messageID with newContent.
func (a *Actor) EditMessage(ctx context.Context, messageID string, newContent []store.ContentItem) (<-chan Event, error) {
	return a.enqueue(ctx, command{kind: cmdEdit, msgIDs: []string{messageID}, content: newContent})
}

// DeleteMessages forks the active thread without the given messages.
func (a *Actor) DeleteMessages(ctx context.Context, messageIDs []string) (<-chan Event, error) {
	return a.enqueue(ctx, command{kind: cmdDelete, msgIDs: messageIDs})
}

// Squash merges a contiguous run of messages into one summary message.
func (a *Actor) Squash(ctx context.Context, req *SquashRequest) (<-chan Event, error) {
	return a.enqueue(ctx, command{kind: cmdSquash, squash: req})
}

// SwitchDefinition changes the model definition for subsequent turns. It is
// fire and forget: the switch is queued and applies once prior commands have
// drained.
func (a *Actor) SwitchDefinition(ctx context.Context, def *turn.Definition) error {
	_, err := a.enqueue(ctx, command{kind: cmdSwitchDefinition, def: def})
	return err
}

// Reinitialize reloads the conversation from the store and broadcasts a
// fresh Initialized snapshot.
func (a *Actor) Reinitialize(ctx context.Context) (<-chan Event, error) {
	return a.enqueue(ctx, command{kind: cmdReinitialize})
}

// Interrupt cancels the in-flight turn, if any. Idempotent; a no-op when the
// actor is idle.
func (a *Actor) Interrupt() {
	a.mu.Lock()
	cancel := a.cancelTurn
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Subscribe attaches an observer to the conversation. The channel first
// delivers an Initialized snapshot, then every event the actor emits, and
// closes when ctx is done or the actor stops. The snapshot is read while the
// subscriber registers, so no event published after the snapshot's state can
// be missed.
func (a *Actor) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch, _, err := a.bcast.subscribe(ctx, func() (Event, error) {
		conv, msgs, err := a.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return &Initialized{Conversation: conv, Messages: msgs}, nil
	})
	return ch, err
}

// Stop shuts the actor down. Queued commands are drained with ErrActorStopped
// errors; an in-flight turn is cancelled. Safe to call more than once.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopping)
		a.Interrupt()
	})
	<-a.done
}

// Done reports actor termination.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

func (a *Actor) enqueue(ctx context.Context, cmd command) (<-chan Event, error) {
	cmd.events = make(chan Event, commandQueueSize)
	select {
	case <-a.stopping:
		return nil, ErrActorStopped
	default:
	}
	select {
	case a.commands <- cmd:
		return cmd.events, nil
	case <-a.stopping:
		return nil, ErrActorStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Actor) loop() {
	defer close(a.done)
	defer a.bcast.closeAll()

	for {
		select {
		case <-a.stopping:
			// Drain anything queued behind the stop so senders see closure.
			for {
				select {
				case cmd := <-a.commands:
					a.emitTo(cmd, &Error{Cause: ErrActorStopped})
					close(cmd.events)
				default:
					return
				}
			}
		case cmd := <-a.commands:
			a.handle(cmd)
			close(cmd.events)
		}
	}
}

func (a *Actor) handle(cmd command) {
	ctx := context.Background()

	switch cmd.kind {
	case cmdSendMessage:
		a.handleSendMessage(ctx, cmd)
	case cmdEdit:
		a.handleEdit(ctx, cmd)
	case cmdDelete:
		a.handleDelete(ctx, cmd)
	case cmdSquash:
		a.handleSquash(ctx, cmd)
	case cmdSwitchDefinition:
		a.mu.Lock()
		a.definition = cmd.def
		a.mu.Unlock()
		a.emitTo(cmd, &DefinitionSwitched{Definition: cmd.def})
	case cmdReinitialize:
		conv, msgs, err := a.snapshot(ctx)
		if err != nil {
			a.emitTo(cmd, &Error{Cause: err})
			return
		}
		a.emitTo(cmd, &Initialized{Conversation: conv, Messages: msgs})
	}
}

func (a *Actor) handleSendMessage(ctx context.Context, cmd command) {
	conv, err := a.st.GetConversation(ctx, a.convID)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: fmt.Errorf("loading conversation: %w", err)})
		return
	}

	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        cmd.content,
		CreatedAt:      time.Now().UTC(),
	}
	history, err := a.st.GetThreadMessages(ctx, conv.CurrentThreadID)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: fmt.Errorf("loading history: %w", err)})
		return
	}
	if len(history) > 0 {
		userMsg.ReplyToID = &history[len(history)-1].ID
	}
	if err := a.st.AppendMessage(ctx, conv.CurrentThreadID, userMsg, len(history)); err != nil {
		a.emitTo(cmd, &Error{Cause: fmt.Errorf("saving user message: %w", err)})
		return
	}
	a.emitTo(cmd, &MessageEmitted{Message: userMsg})
	a.refreshState(ctx, cmd, conv.CurrentThreadID)

	// The turn gets its own cancelable context so Interrupt can stop it
	// without killing the actor.
	turnCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.state = StateProcessing
	a.cancelTurn = cancel
	def := a.definition
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.state = StateIdle
		a.cancelTurn = nil
		a.mu.Unlock()
	}()

	history = append(history, userMsg)
	events, err := a.runner.Run(turnCtx, &turn.Request{Definition: def, Messages: history})
	if err != nil {
		a.emitTo(cmd, &Error{Cause: fmt.Errorf("starting turn: %w", err)})
		return
	}

	var content []store.ContentItem
	terminal := false
	for ev := range events {
		switch ev.Kind {
		case turn.EventText:
			content = append(content, store.ContentItem{Kind: store.ContentText, Text: ev.Text})
		case turn.EventThinking:
			content = append(content, store.ContentItem{Kind: store.ContentThinking, Text: ev.Text})
		case turn.EventToolUse:
			content = append(content, store.ContentItem{
				Kind:      store.ContentToolCall,
				ToolName:  ev.ToolUse.Name,
				ToolID:    ev.ToolUse.ID,
				InputJSON: ev.ToolUse.InputJSON,
			})
		case turn.EventToolResult:
			content = append(content, store.ContentItem{
				Kind:    store.ContentToolResult,
				ToolID:  ev.ToolResult.ID,
				Output:  ev.ToolResult.Output,
				IsError: ev.ToolResult.IsError,
			})
		case turn.EventDone:
			terminal = true
		case turn.EventError:
			a.emitTo(cmd, &Error{Cause: errors.New(ev.Error)})
			return
		}
	}

	if !terminal {
		// The stream closed without a result line: the turn was interrupted.
		a.emitTo(cmd, &Interrupted{})
		return
	}

	assistant := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		ReplyToID:      &userMsg.ID,
		Role:           store.RoleAssistant,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.st.AppendMessage(ctx, conv.CurrentThreadID, assistant, len(history)); err != nil {
		a.emitTo(cmd, &Error{Cause: fmt.Errorf("saving assistant message: %w", err)})
		return
	}
	a.emitTo(cmd, &MessageEmitted{Message: assistant})
	a.refreshState(ctx, cmd, conv.CurrentThreadID)
	a.emitTo(cmd, &Completed{})
}

func (a *Actor) handleEdit(ctx context.Context, cmd command) {
	conv, err := a.st.GetConversation(ctx, a.convID)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: err})
		return
	}
	thread, _, err := a.forker.ForkEdit(ctx, conv, cmd.msgIDs[0], cmd.content)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: err})
		return
	}
	a.emitTo(cmd, &ThreadForked{NewThreadID: thread.ID, OriginalThreadID: conv.CurrentThreadID})
	a.refreshState(ctx, cmd, thread.ID)
}

func (a *Actor) handleDelete(ctx context.Context, cmd command) {
	conv, err := a.st.GetConversation(ctx, a.convID)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: err})
		return
	}
	thread, err := a.forker.ForkDelete(ctx, conv, cmd.msgIDs)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: err})
		return
	}
	a.emitTo(cmd, &ThreadForked{NewThreadID: thread.ID, OriginalThreadID: conv.CurrentThreadID})
	a.refreshState(ctx, cmd, thread.ID)
}

func (a *Actor) handleSquash(ctx context.Context, cmd command) {
	conv, err := a.st.GetConversation(ctx, a.convID)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: err})
		return
	}
	req := cmd.squash
	if req.Definition == nil {
		req.Definition = a.Definition()
	}
	result, _, err := a.squasher.Squash(ctx, conv, req)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: err})
		return
	}
	a.emitTo(cmd, &MessageEmitted{Message: result})
	a.refreshState(ctx, cmd, conv.CurrentThreadID)
}

// refreshState emits a StateChanged with the thread's current messages.
func (a *Actor) refreshState(ctx context.Context, cmd command, threadID string) {
	msgs, err := a.st.GetThreadMessages(ctx, threadID)
	if err != nil {
		a.emitTo(cmd, &Error{Cause: fmt.Errorf("loading thread state: %w", err)})
		return
	}
	a.emitTo(cmd, &StateChanged{Messages: msgs})
}

// emitTo delivers ev on the command's own stream and to all subscribers.
// The command stream send is non-blocking; a caller that abandons its
// channel loses events rather than wedging the loop.
func (a *Actor) emitTo(cmd command, ev Event) {
	select {
	case cmd.events <- ev:
	default:
		a.logger.Warn("command event stream full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
	a.bcast.publish(ev)
}

func (a *Actor) snapshot(ctx context.Context) (*store.Conversation, []*store.Message, error) {
	conv, err := a.st.GetConversation(ctx, a.convID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading conversation: %w", err)
	}
	msgs, err := a.st.GetThreadMessages(ctx, conv.CurrentThreadID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading messages: %w", err)
	}
	return conv, msgs, nil
}
