// ABOUTME: Package documentation for the conversation engine
// ABOUTME: Actors, supervisor, fork/squash logic, and the event fan-out live here

// Package engine runs conversations. Each conversation is owned by a single
// Actor goroutine that serializes commands (send, edit, delete, squash,
// switch definition) and streams events to per-command channels and to
// broadcast subscribers. The Supervisor is the registry of live actors and
// the entry point for creating, resuming, and shutting down conversations.
//
// Edits and deletes never mutate history: the Forker creates a new thread
// that shares the untouched prefix and repoints the conversation at it.
// Squashes replace a contiguous run of messages with one summary message in
// the active thread while keeping the sources and recording provenance.
package engine
