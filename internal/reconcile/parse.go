// ABOUTME: JSONL parsing for raw session logs produced by the external streaming client
// ABOUTME: Malformed lines are dropped and logged, never fatal to the batch

package reconcile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// maxLineBytes bounds a single log line. Assistant messages with large tool
// results can run long; 10 MiB matches what the external client emits.
const maxLineBytes = 10 * 1024 * 1024

// rawLine mirrors the session log wire format. The nested message block is
// present for user and assistant lines; summary lines carry only the outer
// fields.
type rawLine struct {
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid"`
	Type       string          `json:"type"`
	Timestamp  string          `json:"timestamp"`
	Summary    string          `json:"summary"`
	Message    *rawLineMessage `json:"message"`
}

type rawLineMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseLines decodes a raw session log into entries, one JSONL line at a
// time. Lines that cannot be parsed, or chain-bearing lines missing their
// own id, are dropped with a warning; parsing never fails the whole batch.
func (r *Reconciler) ParseLines(reader io.Reader) ([]*Entry, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var entries []*Entry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		entry, err := parseLine(line)
		if err != nil {
			r.logger.Warn("dropping malformed log line", "line", lineNo, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("reading log: %w", err)
	}
	return entries, nil
}

func parseLine(line string) (*Entry, error) {
	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("decoding line: %w", err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("line has no type")
	}

	entry := &Entry{
		ID:       raw.UUID,
		ParentID: raw.ParentUUID,
		Kind:     raw.Type,
	}

	if raw.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp %q: %w", raw.Timestamp, err)
		}
		entry.Timestamp = ts
	}

	if raw.Message != nil {
		entry.Role = raw.Message.Role
		entry.Content = raw.Message.Content
		if raw.Type == KindAssistant {
			entry.MessageID = raw.Message.ID
		}
	} else if raw.Type == KindSummary {
		entry.Content = json.RawMessage(fmt.Sprintf("%q", raw.Summary))
	}

	if entry.chainBearing() && entry.ID == "" {
		return nil, fmt.Errorf("%s line has no uuid", raw.Type)
	}
	return entry, nil
}
