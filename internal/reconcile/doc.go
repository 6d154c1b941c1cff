// ABOUTME: Package documentation for the reconcile package
// ABOUTME: Explains chain building and duplicate-group collapse

// Package reconcile reconstructs canonical conversation history from the raw
// session logs of an unreliable external streaming client.
//
// The client appends every exchange to a JSONL log, and a retried or resumed
// session re-emits sub-histories it already wrote. Entries link to their
// predecessor by parent id, so the log is a forest of chains; re-emitted
// sub-histories show up as distinct chains that carry the same
// externally-issued assistant message identifiers.
//
// Reconcile rebuilds the forest in an arena (id to entry map) with explicit
// root discovery and a visited-set walk, groups chains that transitively share
// an assistant message id, keeps the longest chain per group, and returns the
// survivors merged with non-chain entries in timestamp order. The operation is
// idempotent: reconciling an already-reconciled sequence returns it unchanged.
//
// Malformed input is tolerated everywhere: unparseable lines are dropped with
// a warning, and parent-link cycles cannot hang the walk.
package reconcile
