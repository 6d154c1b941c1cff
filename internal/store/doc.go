// ABOUTME: Package documentation for the store package
// ABOUTME: Explains the persistence model and the atomicity contract

// Package store provides persistence for conversations, threads, messages,
// and squash operations.
//
// # Data Model
//
// A Conversation owns many Threads; each Thread is one linear ordering of
// Messages expressed through thread_messages (thread id, message id, dense
// position). Threads fork: a new thread shares a prefix of memberships with
// the thread it was created from and records it in original_thread_id.
// Messages are immutable and may be referenced by any number of threads.
// SquashOperations are append-only provenance records for merged message runs.
//
// # Atomicity
//
// Structural changes never partially apply:
//
//   - CreateConversation writes the conversation and its first thread together.
//   - ApplyFork writes the forked thread, its membership, the optional
//     replacement message, and the current-thread repoint in one transaction.
//   - ApplySquash writes the result message, the provenance row, and the
//     rewritten membership in one transaction.
//   - DeleteConversation cascades over threads, memberships, messages, and
//     squash operations in one transaction.
//
// # Implementations
//
//   - SQLiteStore: production store backed by modernc.org/sqlite (WAL mode,
//     foreign keys, automatic schema creation).
//   - MockStore: in-memory store for tests, including a FailNextWrite hook
//     for simulating persistence failures.
package store
