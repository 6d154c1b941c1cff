// ABOUTME: Tests for the actor supervisor: lazy lookup, resume from logs, shutdown
// ABOUTME: Uses the mock store and scripted runner so no subprocess or disk is needed

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/braid/internal/reconcile"
	"github.com/2389/braid/internal/store"
	"github.com/2389/braid/internal/turn"
)

func newTestSupervisor(t *testing.T, st store.Store, logs LogSource) *Supervisor {
	t.Helper()
	return NewSupervisor(SupervisorConfig{
		Store:         st,
		Runner:        turn.NewScriptedRunner(turn.TextScript("reply")),
		Logs:          logs,
		ShutdownGrace: 100 * time.Millisecond,
	})
}

func TestSupervisor_CreateConversation(t *testing.T) {
	st := store.NewMockStore()
	sup := newTestSupervisor(t, st, nil)
	defer sup.ShutdownAll(context.Background())

	conv, actor, err := sup.CreateConversation(context.Background(), "proj-1", "my chat")
	require.NoError(t, err)
	require.NotNil(t, actor)

	got, err := st.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "my chat", got.DisplayName)
	assert.Equal(t, conv.CurrentThreadID, got.CurrentThreadID)

	// The actor works end to end.
	ch, err := actor.SendUserMessage(context.Background(), userText("hi"))
	require.NoError(t, err)
	events := collect(t, ch)
	assert.Equal(t, "completed", eventTypes(events)[len(events)-1])
}

func TestSupervisor_ActorIsSingleton(t *testing.T) {
	st := store.NewMockStore()
	sup := newTestSupervisor(t, st, nil)
	defer sup.ShutdownAll(context.Background())

	conv, a1, err := sup.CreateConversation(context.Background(), "p", "c")
	require.NoError(t, err)
	a2, err := sup.Actor(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestSupervisor_ActorUnknownConversation(t *testing.T) {
	st := store.NewMockStore()
	sup := newTestSupervisor(t, st, nil)
	defer sup.ShutdownAll(context.Background())

	_, err := sup.Actor(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSupervisor_Retire(t *testing.T) {
	st := store.NewMockStore()
	sup := newTestSupervisor(t, st, nil)
	defer sup.ShutdownAll(context.Background())

	conv, a1, err := sup.CreateConversation(context.Background(), "p", "c")
	require.NoError(t, err)

	sup.Retire(conv.ID)
	select {
	case <-a1.Done():
	case <-time.After(time.Second):
		t.Fatal("retired actor did not stop")
	}

	// A new lookup starts a fresh actor; the conversation is still there.
	a2, err := sup.Actor(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.NotSame(t, a1, a2)
}

func TestSupervisor_DeleteConversation(t *testing.T) {
	st := store.NewMockStore()
	sup := newTestSupervisor(t, st, nil)
	defer sup.ShutdownAll(context.Background())

	conv, _, err := sup.CreateConversation(context.Background(), "p", "c")
	require.NoError(t, err)

	require.NoError(t, sup.DeleteConversation(context.Background(), conv.ID))
	_, err = st.GetConversation(context.Background(), conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSupervisor_ShutdownAll(t *testing.T) {
	st := store.NewMockStore()
	sup := newTestSupervisor(t, st, nil)

	_, a1, err := sup.CreateConversation(context.Background(), "p", "one")
	require.NoError(t, err)
	_, a2, err := sup.CreateConversation(context.Background(), "p", "two")
	require.NoError(t, err)

	require.NoError(t, sup.ShutdownAll(context.Background()))
	select {
	case <-a1.Done():
	default:
		t.Fatal("actor one still running")
	}
	select {
	case <-a2.Done():
	default:
		t.Fatal("actor two still running")
	}

	// Closed supervisors refuse new actors.
	_, err = sup.Actor(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrActorStopped)
}

func TestSupervisor_ResumeFromLog(t *testing.T) {
	st := store.NewMockStore()
	seedConversation(t, st, 0)

	dir := t.TempDir()
	log := `{"uuid":"u1","type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":"hello"}}
{"uuid":"a1","parentUuid":"u1","type":"assistant","timestamp":"2026-01-02T10:00:05Z","message":{"id":"msg_01","role":"assistant","content":[{"type":"text","text":"hi there"}]}}
{"uuid":"a1b","parentUuid":"u1","type":"assistant","timestamp":"2026-01-02T10:00:05Z","message":{"id":"msg_01","role":"assistant","content":[{"type":"text","text":"hi there"}]}}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv-1.jsonl"), []byte(log), 0o644))

	sup := newTestSupervisor(t, st, NewDirLogSource(dir, nil))
	defer sup.ShutdownAll(context.Background())

	actor, err := sup.Actor(context.Background(), "conv-1")
	require.NoError(t, err)

	// The duplicate assistant entry was collapsed; both survivors imported.
	msgs, err := st.GetThreadMessages(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content[0].Text)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hi there", msgs[1].Content[0].Text)

	// Resuming again after a retire does not duplicate entries.
	sup.Retire("conv-1")
	_, err = sup.Actor(context.Background(), "conv-1")
	require.NoError(t, err)
	msgs, err = st.GetThreadMessages(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	_ = actor
}

func TestDirLogSource_MissingFile(t *testing.T) {
	src := NewDirLogSource(t.TempDir(), nil)
	entries, err := src.Entries(context.Background(), "none")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseLogContent_Shapes(t *testing.T) {
	items := parseLogContent([]byte(`"plain text"`))
	require.Len(t, items, 1)
	assert.Equal(t, store.ContentText, items[0].Kind)
	assert.Equal(t, "plain text", items[0].Text)

	items = parseLogContent([]byte(`[{"type":"text","text":"a"},{"type":"thinking","thinking":"b"},{"type":"tool_use","id":"t1","name":"bash","input":{"cmd":"ls"}},{"type":"tool_result","tool_use_id":"t1","content":"files","is_error":false}]`))
	require.Len(t, items, 4)
	assert.Equal(t, store.ContentThinking, items[1].Kind)
	assert.Equal(t, "bash", items[2].ToolName)
	assert.Equal(t, "t1", items[3].ToolID)
}

func TestEntryToMessage_ZeroTimestamp(t *testing.T) {
	e := &reconcile.Entry{ID: "u1", Kind: reconcile.KindUser, Content: []byte(`"x"`)}
	msg := EntryToMessage("conv-1", e)
	assert.Equal(t, "u1", msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
}
