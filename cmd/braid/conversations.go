// ABOUTME: Conversation management commands: list and delete
// ABOUTME: Read-only listing goes straight to the store; delete goes through the supervisor

package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
)

func runConversations(ctx context.Context) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	convs, err := a.store.ListConversations(ctx, 100)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return nil
	}

	for _, conv := range convs {
		threads, err := a.store.ListThreads(ctx, conv.ID)
		if err != nil {
			return err
		}
		msgs, err := a.store.GetThreadMessages(ctx, conv.CurrentThreadID)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", color.CyanString(conv.ID), conv.DisplayName)
		fmt.Printf("    %s\n", color.HiBlackString(
			fmt.Sprintf("updated %s, %d threads, %d messages in active thread",
				conv.UpdatedAt.Format("2006-01-02 15:04"), len(threads), len(msgs))))
	}
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: braid delete <conversation-id>")
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.sup.DeleteConversation(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted conversation %s\n", args[0])
	return nil
}
