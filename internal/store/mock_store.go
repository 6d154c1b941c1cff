// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows engine tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	threads       map[string]*Thread
	messages      map[string]*Message
	memberships   map[string][]ThreadMessage // keyed by thread ID, position-ordered
	squashes      map[string]*SquashOperation

	// FailNextWrite makes the next mutating call return the given error,
	// simulating a persistence failure. Reset after one use.
	FailNextWrite error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		threads:       make(map[string]*Thread),
		messages:      make(map[string]*Message),
		memberships:   make(map[string][]ThreadMessage),
		squashes:      make(map[string]*SquashOperation),
	}
}

func (m *MockStore) failWrite() error {
	if m.FailNextWrite != nil {
		err := m.FailNextWrite
		m.FailNextWrite = nil
		return err
	}
	return nil
}

// CreateConversation stores a conversation and its first thread.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation, first *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicate
	}
	if conv.CurrentThreadID != first.ID {
		return fmt.Errorf("current_thread_id %q does not match first thread %q", conv.CurrentThreadID, first.ID)
	}

	c := *conv
	t := *first
	m.conversations[c.ID] = &c
	m.threads[t.ID] = &t
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// ListConversations returns conversations ordered by most recently updated.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	convs := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		c := *conv
		convs = append(convs, &c)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// UpdateConversationName updates the display name of a conversation.
func (m *MockStore) UpdateConversationName(ctx context.Context, id, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.DisplayName = displayName
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// SetCurrentThread repoints a conversation at an existing thread.
func (m *MockStore) SetCurrentThread(ctx context.Context, conversationID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	return m.setCurrentThreadLocked(conversationID, threadID)
}

func (m *MockStore) setCurrentThreadLocked(conversationID, threadID string) error {
	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	thread, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if thread.ConversationID != conversationID {
		return fmt.Errorf("thread %s does not belong to conversation %s", threadID, conversationID)
	}
	conv.CurrentThreadID = threadID
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteConversation removes a conversation and everything it owns.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}

	delete(m.conversations, id)
	for tid, thread := range m.threads {
		if thread.ConversationID == id {
			delete(m.threads, tid)
			delete(m.memberships, tid)
		}
	}
	for mid, msg := range m.messages {
		if msg.ConversationID == id {
			delete(m.messages, mid)
		}
	}
	for sid, op := range m.squashes {
		if op.ConversationID == id {
			delete(m.squashes, sid)
		}
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	t := *thread
	return &t, nil
}

// ListThreads returns all threads of a conversation, oldest first.
func (m *MockStore) ListThreads(ctx context.Context, conversationID string) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var threads []*Thread
	for _, thread := range m.threads {
		if thread.ConversationID == conversationID {
			t := *thread
			threads = append(threads, &t)
		}
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})
	return threads, nil
}

// SaveMessage persists a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	if _, exists := m.messages[msg.ID]; exists {
		return ErrDuplicate
	}
	c := *msg
	m.messages[c.ID] = &c
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	return &c, nil
}

// GetThreadMessages returns the messages of a thread in membership order.
func (m *MockStore) GetThreadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var msgs []*Message
	for _, tm := range m.memberships[threadID] {
		msg, ok := m.messages[tm.MessageID]
		if !ok {
			return nil, fmt.Errorf("message %s: %w", tm.MessageID, ErrNotFound)
		}
		c := *msg
		msgs = append(msgs, &c)
	}
	return msgs, nil
}

// GetThreadMemberships returns the membership rows of a thread ordered by position.
func (m *MockStore) GetThreadMemberships(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tms := make([]ThreadMessage, len(m.memberships[threadID]))
	copy(tms, m.memberships[threadID])
	return tms, nil
}

// AppendThreadMessage links a message into a thread at the given position.
func (m *MockStore) AppendThreadMessage(ctx context.Context, threadID, messageID string, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	for _, tm := range m.memberships[threadID] {
		if tm.MessageID == messageID || tm.Position == position {
			return ErrDuplicate
		}
	}
	m.memberships[threadID] = append(m.memberships[threadID], ThreadMessage{
		ThreadID:  threadID,
		MessageID: messageID,
		Position:  position,
	})
	m.sortMembershipsLocked(threadID)
	return nil
}

// AppendMessage saves a message and links it into the thread atomically.
func (m *MockStore) AppendMessage(ctx context.Context, threadID string, msg *Message, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	if _, exists := m.messages[msg.ID]; exists {
		return ErrDuplicate
	}
	for _, tm := range m.memberships[threadID] {
		if tm.MessageID == msg.ID || tm.Position == position {
			return ErrDuplicate
		}
	}
	c := *msg
	m.messages[c.ID] = &c
	m.memberships[threadID] = append(m.memberships[threadID], ThreadMessage{
		ThreadID:  threadID,
		MessageID: msg.ID,
		Position:  position,
	})
	m.sortMembershipsLocked(threadID)
	return nil
}

func (m *MockStore) sortMembershipsLocked(threadID string) {
	tms := m.memberships[threadID]
	sort.Slice(tms, func(i, j int) bool { return tms[i].Position < tms[j].Position })
}

// GetSquashOperation retrieves a squash operation by ID.
func (m *MockStore) GetSquashOperation(ctx context.Context, id string) (*SquashOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.squashes[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *op
	return &c, nil
}

// ListSquashOperations returns a conversation's squash operations, oldest first.
func (m *MockStore) ListSquashOperations(ctx context.Context, conversationID string) ([]*SquashOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ops []*SquashOperation
	for _, op := range m.squashes {
		if op.ConversationID == conversationID {
			c := *op
			ops = append(ops, &c)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	return ops, nil
}

// ApplyFork applies a fork atomically against the in-memory maps.
func (m *MockStore) ApplyFork(ctx context.Context, conversationID string, fork *ForkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	if _, exists := m.threads[fork.Thread.ID]; exists {
		return ErrDuplicate
	}
	if fork.NewMessage != nil {
		if _, exists := m.messages[fork.NewMessage.ID]; exists {
			return ErrDuplicate
		}
	}

	t := *fork.Thread
	m.threads[t.ID] = &t
	if fork.NewMessage != nil {
		msg := *fork.NewMessage
		m.messages[msg.ID] = &msg
	}
	tms := make([]ThreadMessage, len(fork.Memberships))
	copy(tms, fork.Memberships)
	m.memberships[t.ID] = tms
	m.sortMembershipsLocked(t.ID)

	if err := m.setCurrentThreadLocked(conversationID, t.ID); err != nil {
		// Roll the fork back so a failed pointer update leaves nothing behind.
		delete(m.threads, t.ID)
		delete(m.memberships, t.ID)
		if fork.NewMessage != nil {
			delete(m.messages, fork.NewMessage.ID)
		}
		return err
	}
	return nil
}

// ApplySquash applies a squash atomically against the in-memory maps.
func (m *MockStore) ApplySquash(ctx context.Context, conversationID string, squash *SquashRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failWrite(); err != nil {
		return err
	}
	if _, exists := m.messages[squash.ResultMessage.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := m.squashes[squash.Operation.ID]; exists {
		return ErrDuplicate
	}

	msg := *squash.ResultMessage
	m.messages[msg.ID] = &msg
	op := *squash.Operation
	m.squashes[op.ID] = &op

	tms := make([]ThreadMessage, len(squash.Memberships))
	copy(tms, squash.Memberships)
	m.memberships[squash.ThreadID] = tms
	m.sortMembershipsLocked(squash.ThreadID)

	if thread, ok := m.threads[squash.ThreadID]; ok {
		thread.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
