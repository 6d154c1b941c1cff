// ABOUTME: File-backed LogSource reading raw JSONL session logs from a directory
// ABOUTME: Each conversation's log lives at <dir>/<conversation-id>.jsonl

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/2389/braid/internal/reconcile"
)

// DirLogSource serves session logs from a directory, one JSONL file per
// conversation. A missing file means the conversation has no raw log.
type DirLogSource struct {
	dir    string
	parser *reconcile.Reconciler
}

// NewDirLogSource creates a DirLogSource rooted at dir.
func NewDirLogSource(dir string, logger *slog.Logger) *DirLogSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirLogSource{dir: dir, parser: reconcile.New(logger)}
}

// Entries parses the conversation's session log. Malformed lines are dropped
// with a warning rather than failing the resume.
func (d *DirLogSource) Entries(ctx context.Context, conversationID string) ([]*reconcile.Entry, error) {
	path := filepath.Join(d.dir, conversationID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening session log: %w", err)
	}
	defer f.Close()

	entries, err := d.parser.ParseLines(f)
	if err != nil {
		return nil, fmt.Errorf("parsing session log %s: %w", path, err)
	}
	return entries, nil
}
