// ABOUTME: Imports a raw JSONL session log as a new conversation
// ABOUTME: The log is reconciled (duplicates collapsed, timeline rebuilt) before import

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/braid/internal/engine"
	"github.com/2389/braid/internal/reconcile"
)

func runImportLog(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: braid import-log <file.jsonl>")
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	rec := reconcile.New(a.logger)
	entries, err := rec.ParseLines(f)
	if err != nil {
		return fmt.Errorf("parsing log file: %w", err)
	}
	clean := rec.Reconcile(entries)

	name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	conv, actor, err := a.sup.CreateConversation(ctx, "imported", name)
	if err != nil {
		return err
	}

	imported := 0
	pos := 0
	var lastID *string
	for _, e := range clean {
		if e.Kind != reconcile.KindUser && e.Kind != reconcile.KindAssistant {
			continue
		}
		msg := engine.EntryToMessage(conv.ID, e)
		msg.ReplyToID = lastID
		if err := a.store.AppendMessage(ctx, conv.CurrentThreadID, msg, pos); err != nil {
			return fmt.Errorf("saving entry %s: %w", e.ID, err)
		}
		id := msg.ID
		lastID = &id
		pos++
		imported++
	}

	// Broadcast the imported state to anyone already attached.
	if ch, err := actor.Reinitialize(ctx); err == nil {
		for range ch {
		}
	}

	fmt.Printf("Imported %d of %d entries into conversation %s\n", imported, len(entries), conv.ID)
	return nil
}
