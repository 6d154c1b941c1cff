// ABOUTME: CLIRunner executes model turns through a Claude CLI subprocess
// ABOUTME: Messages go to stdin as JSON; responses stream back as JSONL on stdout

package turn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/2389/braid/internal/store"
)

const (
	defaultCLIPath = "claude"
	defaultTimeout = 10 * time.Minute

	// cliMaxLineBytes bounds a single stream-json line from the CLI.
	cliMaxLineBytes = 10 * 1024 * 1024
)

// CLIRunner runs model turns by spawning the Claude CLI in print mode with
// stream-json output. Cancelling the turn's context kills the subprocess.
type CLIRunner struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCLIRunner creates a CLIRunner. Empty path and zero timeout select the
// defaults. Pass nil logger for default.
func NewCLIRunner(path string, timeout time.Duration, logger *slog.Logger) *CLIRunner {
	if path == "" {
		path = defaultCLIPath
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRunner{
		path:    path,
		timeout: timeout,
		logger:  logger.With("component", "turn"),
	}
}

// Run starts the subprocess and returns a channel of stream events. The
// channel closes after a Done or Error event, or early if ctx is cancelled.
func (r *CLIRunner) Run(ctx context.Context, req *Request) (<-chan *Event, error) {
	if req.Definition == nil {
		return nil, fmt.Errorf("definition is required")
	}

	stdin, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	cmd := exec.CommandContext(runCtx, r.path, buildArgs(req.Definition)...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", r.path, err)
	}

	r.logger.Debug("model turn started",
		"model", req.Definition.Model,
		"messages", len(req.Messages))

	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		defer cancel()

		sawTerminal := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), cliMaxLineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			events, terminal, err := parseStreamLine(line)
			if err != nil {
				r.logger.Warn("dropping unparseable stream line", "error", err)
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-runCtx.Done():
					_ = cmd.Wait()
					return
				}
			}
			if terminal {
				sawTerminal = true
				break
			}
		}

		err := cmd.Wait()
		if runCtx.Err() != nil {
			// Cancelled or timed out; the engine reports interruption itself.
			return
		}
		if err != nil && !sawTerminal {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			out <- &Event{Kind: EventError, Error: msg, Done: true}
		}
	}()

	return out, nil
}

// buildArgs assembles the CLI invocation: print mode, stream-json output, one
// turn per request (the engine owns the conversation loop).
func buildArgs(def *Definition) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", "1",
		"--model", def.Model,
	}
	if def.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", def.SystemPrompt)
	}
	if len(def.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(def.DisallowedTools, ","))
	}
	if def.ThinkingBudgetTokens > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(def.ThinkingBudgetTokens))
	}
	return args
}

// wire structures for stdin/stdout exchange with the CLI

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func encodeMessages(msgs []*store.Message) ([]byte, error) {
	wire := make([]wireMessage, 0, len(msgs))
	for _, msg := range msgs {
		wm := wireMessage{Role: string(msg.Role)}
		for _, item := range msg.Content {
			switch item.Kind {
			case store.ContentText:
				wm.Content = append(wm.Content, wireBlock{Type: "text", Text: item.Text})
			case store.ContentThinking:
				wm.Content = append(wm.Content, wireBlock{Type: "thinking", Thinking: item.Text})
			case store.ContentToolCall:
				wm.Content = append(wm.Content, wireBlock{
					Type:  "tool_use",
					ID:    item.ToolID,
					Name:  item.ToolName,
					Input: json.RawMessage(item.InputJSON),
				})
			case store.ContentToolResult:
				wm.Content = append(wm.Content, wireBlock{
					Type:      "tool_result",
					ToolUseID: item.ToolID,
					Content:   item.Output,
					IsError:   item.IsError,
				})
			}
		}
		wire = append(wire, wm)
	}
	return json.Marshal(wire)
}

type streamLine struct {
	Type    string `json:"type"`
	Message *struct {
		ID      string            `json:"id"`
		Content []json.RawMessage `json:"content"`
	} `json:"message"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// parseStreamLine converts one stream-json line into events. terminal is true
// for result lines, which end the stream.
func parseStreamLine(line string) (events []*Event, terminal bool, err error) {
	var sl streamLine
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		return nil, false, fmt.Errorf("decoding stream line: %w", err)
	}

	switch sl.Type {
	case "assistant", "user":
		if sl.Message == nil {
			return nil, false, nil
		}
		for _, raw := range sl.Message.Content {
			ev, err := parseBlock(raw)
			if err != nil {
				return nil, false, err
			}
			if ev != nil {
				events = append(events, ev)
			}
		}
		return events, false, nil

	case "result":
		if sl.IsError {
			return []*Event{{Kind: EventError, Error: sl.Result, Done: true}}, true, nil
		}
		return []*Event{{Kind: EventDone, Text: sl.Result, Done: true}}, true, nil

	default:
		// system/init lines carry no conversation content
		return nil, false, nil
	}
}

func parseBlock(raw json.RawMessage) (*Event, error) {
	var block struct {
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
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decoding content block: %w", err)
	}

	switch block.Type {
	case "text":
		return &Event{Kind: EventText, Text: block.Text}, nil
	case "thinking":
		return &Event{Kind: EventThinking, Text: block.Thinking}, nil
	case "tool_use":
		return &Event{Kind: EventToolUse, ToolUse: &ToolUseEvent{
			ID:        block.ID,
			Name:      block.Name,
			InputJSON: string(block.Input),
		}}, nil
	case "tool_result":
		var output string
		if len(block.Content) > 0 {
			// Content may be a bare string or a block list; keep the raw
			// JSON when it is not a string.
			if err := json.Unmarshal(block.Content, &output); err != nil {
				output = string(block.Content)
			}
		}
		return &Event{Kind: EventToolResult, ToolResult: &ToolResultEvent{
			ID:      block.ToolUseID,
			Output:  output,
			IsError: block.IsError,
		}}, nil
	default:
		return nil, nil
	}
}
