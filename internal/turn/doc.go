// ABOUTME: Package documentation for the turn package
// ABOUTME: Explains the model-turn collaborator boundary

// Package turn defines the boundary to the model: running one turn is an
// opaque, cancellable, asynchronous operation that streams events and ends
// with Done or Error.
//
// The engine only sees the Runner interface. Two implementations ship:
//
//   - CLIRunner spawns the Claude CLI in print mode with stream-json output,
//     writes the conversation to stdin, and translates the JSONL response
//     stream into events. Cancelling the context kills the subprocess.
//   - ScriptedRunner replays canned events, for tests and offline use.
//
// A Definition is the agent configuration applied to subsequent turns (model,
// system prompt, disallowed tools, thinking budget); conversations switch
// definitions at runtime without restarting.
package turn
