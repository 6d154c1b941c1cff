// ABOUTME: Tests for the conversation actor command loop
// ABOUTME: Covers turn lifecycle, interruption, fork commands, and subscriber fan-out

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/braid/internal/store"
	"github.com/2389/braid/internal/turn"
)

func userText(text string) []store.ContentItem {
	return []store.ContentItem{{Kind: store.ContentText, Text: text}}
}

// collect drains an event channel until it closes or the timeout fires.
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(events))
		}
	}
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		switch ev.(type) {
		case *Initialized:
			types[i] = "initialized"
		case *StateChanged:
			types[i] = "state_changed"
		case *MessageEmitted:
			types[i] = "message_emitted"
		case *DefinitionSwitched:
			types[i] = "definition_switched"
		case *ThreadForked:
			types[i] = "thread_forked"
		case *Error:
			types[i] = "error"
		case *Interrupted:
			types[i] = "interrupted"
		case *Completed:
			types[i] = "completed"
		}
	}
	return types
}

func newTestActor(t *testing.T, runner turn.Runner) (*Actor, store.Store) {
	t.Helper()
	st := store.NewMockStore()
	seedConversation(t, st, 0)
	a := NewActor("conv-1", ActorConfig{Store: st, Runner: runner})
	t.Cleanup(a.Stop)
	return a, st
}

func TestActor_SendUserMessage(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("hello back"))
	a, st := newTestActor(t, runner)

	ch, err := a.SendUserMessage(context.Background(), userText("hello"))
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, []string{
		"message_emitted", // user message persisted
		"state_changed",
		"message_emitted", // assistant response persisted
		"state_changed",
		"completed",
	}, eventTypes(events))

	msgs, err := st.GetThreadMessages(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content[0].Text)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello back", msgs[1].Content[0].Text)
	require.NotNil(t, msgs[1].ReplyToID)
	assert.Equal(t, msgs[0].ID, *msgs[1].ReplyToID)
}

func TestActor_SubscribersSeeIdenticalOrder(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("reply"))
	a, _ := newTestActor(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub1, err := a.Subscribe(ctx)
	require.NoError(t, err)
	sub2, err := a.Subscribe(ctx)
	require.NoError(t, err)

	ch, err := a.SendUserMessage(context.Background(), userText("hi"))
	require.NoError(t, err)
	collect(t, ch)

	readN := func(ch <-chan Event, n int) []Event {
		var out []Event
		for len(out) < n {
			select {
			case ev := <-ch:
				out = append(out, ev)
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out after %d events", len(out))
			}
		}
		return out
	}

	// Snapshot first, then the five command events, same order on both.
	ev1 := readN(sub1, 6)
	ev2 := readN(sub2, 6)
	assert.Equal(t, "initialized", eventTypes(ev1)[0])
	assert.Equal(t, eventTypes(ev1), eventTypes(ev2))
}

func TestActor_SubscribeDuringTurnConvergesToFinalState(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("reply"))
	runner.Delay = 30 * time.Millisecond
	a, _ := newTestActor(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.SendUserMessage(context.Background(), userText("hi"))
	require.NoError(t, err)

	// Attach subscribers at staggered points while the turn is in flight.
	var wg sync.WaitGroup
	subs := make([]<-chan Event, 8)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			sub, err := a.Subscribe(ctx)
			if err != nil {
				t.Errorf("subscribe: %v", err)
				return
			}
			subs[i] = sub
		}(i)
	}

	collect(t, ch) // all command events published once this returns
	wg.Wait()

	// Every subscriber's snapshot plus its subsequent events must reach the
	// final two-message state, wherever in the turn it attached.
	for i, sub := range subs {
		if sub == nil {
			continue
		}
		first, ok := <-sub
		require.True(t, ok)
		init, ok := first.(*Initialized)
		require.True(t, ok, "subscriber %d: expected Initialized first, got %T", i, first)

		seen := len(init.Messages)
		for n := len(sub); n > 0; n-- {
			if sc, ok := (<-sub).(*StateChanged); ok {
				seen = len(sc.Messages)
			}
		}
		assert.Equal(t, 2, seen, "subscriber %d missed the final state", i)
	}
}

func TestActor_Interrupt(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("slow reply"))
	runner.Delay = 200 * time.Millisecond
	a, st := newTestActor(t, runner)

	ch, err := a.SendUserMessage(context.Background(), userText("hi"))
	require.NoError(t, err)

	// Let the turn start, then interrupt it mid-stream.
	time.Sleep(50 * time.Millisecond)
	a.Interrupt()
	events := collect(t, ch)

	types := eventTypes(events)
	assert.Equal(t, "interrupted", types[len(types)-1])

	// The user message was persisted, the assistant reply was not.
	msgs, err := st.GetThreadMessages(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)

	// Interrupting an idle actor is a no-op.
	a.Interrupt()

	// The actor is still usable.
	runner.Delay = 0
	ch, err = a.SendUserMessage(context.Background(), userText("again"))
	require.NoError(t, err)
	events = collect(t, ch)
	assert.Equal(t, "completed", eventTypes(events)[len(events)-1])
}

func TestActor_TurnErrorKeepsActorAlive(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("ok"))
	runner.Err = errors.New("spawn failed")
	a, _ := newTestActor(t, runner)

	ch, err := a.SendUserMessage(context.Background(), userText("hi"))
	require.NoError(t, err)
	events := collect(t, ch)
	types := eventTypes(events)
	assert.Equal(t, "error", types[len(types)-1])
	assert.Equal(t, StateIdle, a.State())

	runner.Err = nil
	ch, err = a.SendUserMessage(context.Background(), userText("retry"))
	require.NoError(t, err)
	events = collect(t, ch)
	assert.Equal(t, "completed", eventTypes(events)[len(events)-1])
}

func TestActor_EditForksThread(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("first reply"))
	a, st := newTestActor(t, runner)

	ch, err := a.SendUserMessage(context.Background(), userText("original"))
	require.NoError(t, err)
	events := collect(t, ch)
	var userMsgID string
	for _, ev := range events {
		if me, ok := ev.(*MessageEmitted); ok && me.Message.Role == store.RoleUser {
			userMsgID = me.Message.ID
		}
	}
	require.NotEmpty(t, userMsgID)

	ch, err = a.EditMessage(context.Background(), userMsgID, userText("edited"))
	require.NoError(t, err)
	events = collect(t, ch)
	require.Equal(t, []string{"thread_forked", "state_changed"}, eventTypes(events))

	forked := events[0].(*ThreadForked)
	assert.Equal(t, "thread-1", forked.OriginalThreadID)
	assert.NotEqual(t, "thread-1", forked.NewThreadID)

	state := events[1].(*StateChanged)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "edited", state.Messages[0].Content[0].Text)

	conv, err := st.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, forked.NewThreadID, conv.CurrentThreadID)
}

func TestActor_DeleteForksThread(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("reply"))
	a, _ := newTestActor(t, runner)

	ch, err := a.SendUserMessage(context.Background(), userText("keep me"))
	require.NoError(t, err)
	events := collect(t, ch)
	var assistantID string
	for _, ev := range events {
		if me, ok := ev.(*MessageEmitted); ok && me.Message.Role == store.RoleAssistant {
			assistantID = me.Message.ID
		}
	}
	require.NotEmpty(t, assistantID)

	ch, err = a.DeleteMessages(context.Background(), []string{assistantID})
	require.NoError(t, err)
	events = collect(t, ch)
	require.Equal(t, []string{"thread_forked", "state_changed"}, eventTypes(events))

	state := events[1].(*StateChanged)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, store.RoleUser, state.Messages[0].Role)
}

func TestActor_SwitchDefinition(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("reply"))
	a, _ := newTestActor(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := a.Subscribe(ctx)
	require.NoError(t, err)
	<-sub // initialized snapshot

	def := &turn.Definition{Name: "fast", Model: "claude-haiku-4"}
	require.NoError(t, a.SwitchDefinition(context.Background(), def))

	select {
	case ev := <-sub:
		switched, ok := ev.(*DefinitionSwitched)
		require.True(t, ok, "expected DefinitionSwitched, got %T", ev)
		assert.Equal(t, "fast", switched.Definition.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for definition switch")
	}
	assert.Equal(t, "claude-haiku-4", a.Definition().Model)
}

func TestActor_SquashCommand(t *testing.T) {
	runner := turn.NewScriptedRunner(
		turn.TextScript("reply one"),
		turn.TextScript("reply two"),
		turn.TextScript("the summary"),
	)
	a, st := newTestActor(t, runner)

	ch, _ := a.SendUserMessage(context.Background(), userText("one"))
	collect(t, ch)
	ch, _ = a.SendUserMessage(context.Background(), userText("two"))
	collect(t, ch)

	msgs, err := st.GetThreadMessages(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	ch, err = a.Squash(context.Background(), &SquashRequest{
		MessageIDs: []string{msgs[0].ID, msgs[1].ID},
	})
	require.NoError(t, err)
	events := collect(t, ch)
	require.Equal(t, []string{"message_emitted", "state_changed"}, eventTypes(events))

	state := events[1].(*StateChanged)
	require.Len(t, state.Messages, 3)
	assert.Equal(t, "the summary", state.Messages[0].Content[0].Text)
}

func TestActor_Reinitialize(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("reply"))
	a, _ := newTestActor(t, runner)

	ch, _ := a.SendUserMessage(context.Background(), userText("hi"))
	collect(t, ch)

	ch, err := a.Reinitialize(context.Background())
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 1)
	init, ok := events[0].(*Initialized)
	require.True(t, ok)
	assert.Equal(t, "conv-1", init.Conversation.ID)
	assert.Len(t, init.Messages, 2)
}

func TestActor_StopRejectsNewCommands(t *testing.T) {
	runner := turn.NewScriptedRunner(turn.TextScript("reply"))
	st := store.NewMockStore()
	seedConversation(t, st, 0)
	a := NewActor("conv-1", ActorConfig{Store: st, Runner: runner})

	a.Stop()
	_, err := a.SendUserMessage(context.Background(), userText("hi"))
	assert.ErrorIs(t, err, ErrActorStopped)

	// Stop is idempotent.
	a.Stop()
}
