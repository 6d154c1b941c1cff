// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/thread/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// PRAGMAs apply per connection; keep a single pooled connection so they stick.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// conversations.current_thread_id has no foreign key because the conversation
// and its first thread are inserted in the same transaction; the pointer is
// validated in code instead.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			current_thread_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_project
			ON conversations(project_id);

		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			original_thread_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_threads_conversation
			ON threads(conversation_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			reply_to_id TEXT,
			squash_operation_id TEXT,
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			content TEXT NOT NULL,
			original_ids TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id);

		CREATE TABLE IF NOT EXISTS thread_messages (
			thread_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (thread_id, message_id),
			FOREIGN KEY (thread_id) REFERENCES threads(id),
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_thread_messages_position
			ON thread_messages(thread_id, position);

		CREATE TABLE IF NOT EXISTS squash_operations (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			source_message_ids TEXT NOT NULL,
			result_message_id TEXT NOT NULL,
			prompt TEXT,
			model TEXT,
			performed_by_agent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_squash_conversation
			ON squash_operations(conversation_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// CreateConversation inserts a conversation together with its first thread.
// Both rows and the current-thread pointer are written in one transaction.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, first *Thread) error {
	if conv.CurrentThreadID != first.ID {
		return fmt.Errorf("current_thread_id %q does not match first thread %q", conv.CurrentThreadID, first.ID)
	}
	if first.ConversationID != conv.ID {
		return fmt.Errorf("thread conversation_id %q does not match conversation %q", first.ConversationID, conv.ID)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, project_id, display_name, current_thread_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.ProjectID, conv.DisplayName, conv.CurrentThreadID, conv.CreatedAt, conv.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting conversation: %w", err)
		}
		if err := insertThread(ctx, tx, first); err != nil {
			return err
		}
		return nil
	})
}

func insertThread(ctx context.Context, tx *sql.Tx, thread *Thread) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, conversation_id, original_thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		thread.ID, thread.ConversationID, thread.OriginalThreadID, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, display_name, current_thread_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.ProjectID, &conv.DisplayName, &conv.CurrentThreadID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations ordered by most recently updated.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, display_name, current_thread_id, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv := &Conversation{}
		if err := rows.Scan(&conv.ID, &conv.ProjectID, &conv.DisplayName, &conv.CurrentThreadID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdateConversationName updates the display name of a conversation.
func (s *SQLiteStore) UpdateConversationName(ctx context.Context, id, displayName string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET display_name = ?, updated_at = ? WHERE id = ?`,
		displayName, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating conversation name: %w", err)
	}
	return requireRow(res)
}

// SetCurrentThread repoints a conversation at an existing thread.
// The thread must belong to the conversation; the check and the update run
// in one transaction so the pointer can never dangle.
func (s *SQLiteStore) SetCurrentThread(ctx context.Context, conversationID, threadID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return setCurrentThread(ctx, tx, conversationID, threadID)
	})
}

func setCurrentThread(ctx context.Context, tx *sql.Tx, conversationID, threadID string) error {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT conversation_id FROM threads WHERE id = ?`, threadID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying thread: %w", err)
	}
	if owner != conversationID {
		return fmt.Errorf("thread %s does not belong to conversation %s", threadID, conversationID)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET current_thread_id = ?, updated_at = ? WHERE id = ?`,
		threadID, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("updating current thread: %w", err)
	}
	return requireRow(res)
}

// DeleteConversation removes a conversation and everything it owns: threads,
// thread memberships, messages, and squash operations. Single transaction.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying conversation: %w", err)
		}

		stmts := []string{
			`DELETE FROM thread_messages WHERE thread_id IN (SELECT id FROM threads WHERE conversation_id = ?)`,
			`DELETE FROM squash_operations WHERE conversation_id = ?`,
			`DELETE FROM messages WHERE conversation_id = ?`,
			`DELETE FROM threads WHERE conversation_id = ?`,
			`DELETE FROM conversations WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}
		return nil
	})
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	thread := &Thread{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, original_thread_id, created_at, updated_at
		FROM threads WHERE id = ?`, id).
		Scan(&thread.ID, &thread.ConversationID, &thread.OriginalThreadID, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return thread, nil
}

// ListThreads returns all threads of a conversation, oldest first.
func (s *SQLiteStore) ListThreads(ctx context.Context, conversationID string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, original_thread_id, created_at, updated_at
		FROM threads WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		thread := &Thread{}
		if err := rows.Scan(&thread.ID, &thread.ConversationID, &thread.OriginalThreadID, &thread.CreatedAt, &thread.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

// SaveMessage persists a message. Messages are immutable; saving an existing
// id returns ErrDuplicate.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertMessage(ctx, tx, msg)
	})
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}
	var originalIDs *string
	if len(msg.OriginalIDs) > 0 {
		raw, err := json.Marshal(msg.OriginalIDs)
		if err != nil {
			return fmt.Errorf("encoding original_ids: %w", err)
		}
		str := string(raw)
		originalIDs = &str
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, reply_to_id, squash_operation_id, role, created_at, content, original_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.ReplyToID, msg.SquashOperationID, msg.Role, msg.CreatedAt, string(content), originalIDs)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, reply_to_id, squash_operation_id, role, created_at, content, original_ids
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var content string
	var originalIDs *string
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.ReplyToID, &msg.SquashOperationID, &msg.Role, &msg.CreatedAt, &content, &originalIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}
	if originalIDs != nil {
		if err := json.Unmarshal([]byte(*originalIDs), &msg.OriginalIDs); err != nil {
			return nil, fmt.Errorf("decoding original_ids: %w", err)
		}
	}
	return msg, nil
}

// GetThreadMessages returns the messages of a thread in membership order.
func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.reply_to_id, m.squash_operation_id, m.role, m.created_at, m.content, m.original_ids
		FROM messages m
		JOIN thread_messages tm ON tm.message_id = m.id
		WHERE tm.thread_id = ?
		ORDER BY tm.position ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// GetThreadMemberships returns the (thread, message, position) rows of a thread
// ordered by position.
func (s *SQLiteStore) GetThreadMemberships(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, message_id, position
		FROM thread_messages WHERE thread_id = ? ORDER BY position ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying memberships: %w", err)
	}
	defer rows.Close()

	var tms []ThreadMessage
	for rows.Next() {
		var tm ThreadMessage
		if err := rows.Scan(&tm.ThreadID, &tm.MessageID, &tm.Position); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		tms = append(tms, tm)
	}
	return tms, rows.Err()
}

// AppendThreadMessage links a message into a thread at the given position.
func (s *SQLiteStore) AppendThreadMessage(ctx context.Context, threadID, messageID string, position int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_messages (thread_id, message_id, position) VALUES (?, ?, ?)`,
		threadID, messageID, position)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting membership: %w", err)
	}
	return nil
}

// AppendMessage saves a message and appends it to the thread in one
// transaction, so a membership failure cannot strand an orphan message row.
func (s *SQLiteStore) AppendMessage(ctx context.Context, threadID string, msg *Message, position int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_messages (thread_id, message_id, position) VALUES (?, ?, ?)`,
			threadID, msg.ID, position); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting membership: %w", err)
		}
		return nil
	})
}

// GetSquashOperation retrieves a squash operation by ID.
func (s *SQLiteStore) GetSquashOperation(ctx context.Context, id string) (*SquashOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, source_message_ids, result_message_id, prompt, model, performed_by_agent, created_at
		FROM squash_operations WHERE id = ?`, id)
	op, err := scanSquashOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

func scanSquashOperation(row rowScanner) (*SquashOperation, error) {
	op := &SquashOperation{}
	var sources string
	if err := row.Scan(&op.ID, &op.ConversationID, &sources, &op.ResultMessageID, &op.Prompt, &op.Model, &op.PerformedByAgent, &op.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &op.SourceMessageIDs); err != nil {
		return nil, fmt.Errorf("decoding source_message_ids: %w", err)
	}
	return op, nil
}

// ListSquashOperations returns a conversation's squash operations, oldest first.
func (s *SQLiteStore) ListSquashOperations(ctx context.Context, conversationID string) ([]*SquashOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, source_message_ids, result_message_id, prompt, model, performed_by_agent, created_at
		FROM squash_operations WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying squash operations: %w", err)
	}
	defer rows.Close()

	var ops []*SquashOperation
	for rows.Next() {
		op, err := scanSquashOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning squash operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ApplyFork writes a fork in one transaction: new thread row, optional new
// message, the full membership of the new thread, and the conversation's
// current-thread repoint. Either everything lands or nothing does.
func (s *SQLiteStore) ApplyFork(ctx context.Context, conversationID string, fork *ForkRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertThread(ctx, tx, fork.Thread); err != nil {
			return err
		}
		if fork.NewMessage != nil {
			if err := insertMessage(ctx, tx, fork.NewMessage); err != nil {
				return err
			}
		}
		if err := insertMemberships(ctx, tx, fork.Memberships); err != nil {
			return err
		}
		return setCurrentThread(ctx, tx, conversationID, fork.Thread.ID)
	})
}

// ApplySquash writes a squash in one transaction: result message, provenance
// row, and the rewritten membership of the active thread.
func (s *SQLiteStore) ApplySquash(ctx context.Context, conversationID string, squash *SquashRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertMessage(ctx, tx, squash.ResultMessage); err != nil {
			return err
		}

		op := squash.Operation
		sources, err := json.Marshal(op.SourceMessageIDs)
		if err != nil {
			return fmt.Errorf("encoding source_message_ids: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO squash_operations (id, conversation_id, source_message_ids, result_message_id, prompt, model, performed_by_agent, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, op.ConversationID, string(sources), op.ResultMessageID, op.Prompt, op.Model, op.PerformedByAgent, op.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting squash operation: %w", err)
		}

		// Replace the thread's membership wholesale; positions are renumbered
		// by the caller and must arrive dense.
		if _, err := tx.ExecContext(ctx, `DELETE FROM thread_messages WHERE thread_id = ?`, squash.ThreadID); err != nil {
			return fmt.Errorf("clearing memberships: %w", err)
		}
		if err := insertMemberships(ctx, tx, squash.Memberships); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now().UTC(), squash.ThreadID)
		if err != nil {
			return fmt.Errorf("touching thread: %w", err)
		}
		return nil
	})
}

func insertMemberships(ctx context.Context, tx *sql.Tx, tms []ThreadMessage) error {
	for _, tm := range tms {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO thread_messages (thread_id, message_id, position) VALUES (?, ?, ?)`,
			tm.ThreadID, tm.MessageID, tm.Position)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting membership: %w", err)
		}
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique/primary key violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
