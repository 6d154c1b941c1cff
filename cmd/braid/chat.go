// ABOUTME: Interactive chat loop: send messages, edit, delete, and squash history
// ABOUTME: Streams actor events to the terminal as they arrive

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/braid/internal/config"
	"github.com/2389/braid/internal/engine"
	"github.com/2389/braid/internal/store"
	"github.com/2389/braid/internal/turn"
)

// app bundles the wired engine for the CLI commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	sup    *engine.Supervisor
}

func openApp(fake bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var logs engine.LogSource
	if cfg.Logs.Dir != "" {
		logs = engine.NewDirLogSource(cfg.Logs.Dir, logger)
	}

	def := turn.DefaultDefinition()
	if cfg.Model.DefaultDefinition != "" && cfg.Model.DefinitionsDir != "" {
		path := filepath.Join(cfg.Model.DefinitionsDir, cfg.Model.DefaultDefinition+".toml")
		if loaded, err := turn.LoadDefinition(path); err == nil {
			def = loaded
		} else {
			logger.Warn("falling back to default definition", "path", path, "error", err)
		}
	}

	var runner turn.Runner = turn.NewCLIRunner(cfg.Model.Path, cfg.Model.TurnTimeout, logger)
	if fake {
		runner = turn.NewScriptedRunner(turn.TextScript("(fake response)"))
	}

	sup := engine.NewSupervisor(engine.SupervisorConfig{
		Store:             st,
		Runner:            runner,
		DefaultDefinition: def,
		Logs:              logs,
		SubscriberBuffer:  cfg.Engine.SubscriberBuffer,
		ShutdownGrace:     cfg.Engine.ShutdownGrace,
		Logger:            logger,
	})

	return &app{cfg: cfg, logger: logger, store: st, sup: sup}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.sup.ShutdownAll(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

func runChat(ctx context.Context, args []string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	fake := false
	if len(args) > 0 && args[0] == "--fake" {
		fake = true
		args = args[1:]
	}

	a, err := openApp(fake)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	var actor *engine.Actor
	if len(args) > 0 {
		actor, err = a.sup.Actor(ctx, args[0])
		if err != nil {
			return fmt.Errorf("resuming conversation %s: %w", args[0], err)
		}
		fmt.Printf("Resumed conversation %s\n", args[0])
	} else {
		conv, act, err := a.sup.CreateConversation(ctx, "default", "chat session")
		if err != nil {
			return err
		}
		actor = act
		fmt.Printf("Started conversation %s\n", conv.ID)
	}

	printHistory(ctx, actor)
	fmt.Println(`Type a message, or /edit <id> <text>, /delete <id>..., /squash <id>..., /quit`)
	fmt.Println("Ctrl-C interrupts an in-flight response.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Actor calls get a background context so a SIGINT interrupts the
		// current turn instead of severing the command.
		var ch <-chan engine.Event
		switch {
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/edit "):
			fields := strings.SplitN(strings.TrimPrefix(line, "/edit "), " ", 2)
			if len(fields) != 2 {
				fmt.Println("usage: /edit <message-id> <new text>")
				continue
			}
			ch, err = actor.EditMessage(context.Background(), fields[0], textContent(fields[1]))
		case strings.HasPrefix(line, "/delete "):
			ch, err = actor.DeleteMessages(context.Background(), strings.Fields(strings.TrimPrefix(line, "/delete ")))
		case strings.HasPrefix(line, "/squash "):
			ch, err = actor.Squash(context.Background(), &engine.SquashRequest{
				MessageIDs: strings.Fields(strings.TrimPrefix(line, "/squash ")),
			})
		default:
			ch, err = actor.SendUserMessage(context.Background(), textContent(line))
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		streamTurn(ctx, actor, ch)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// streamTurn prints the command's events while watching for a SIGINT, which
// interrupts the in-flight turn rather than quitting.
func streamTurn(ctx context.Context, actor *engine.Actor, ch <-chan engine.Event) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			actor.Interrupt()
		case <-done:
		}
	}()
	printEvents(ch)
	close(done)
}

func textContent(text string) []store.ContentItem {
	return []store.ContentItem{{Kind: store.ContentText, Text: text}}
}

func printHistory(ctx context.Context, actor *engine.Actor) {
	ch, err := actor.Subscribe(ctx)
	if err != nil {
		return
	}
	if ev, ok := <-ch; ok {
		if init, ok := ev.(*engine.Initialized); ok {
			for _, msg := range init.Messages {
				printMessage(msg)
			}
		}
	}
}

func printEvents(ch <-chan engine.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case *engine.MessageEmitted:
			printMessage(e.Message)
		case *engine.ThreadForked:
			color.New(color.FgYellow).Printf("forked thread %s\n", e.NewThreadID)
		case *engine.DefinitionSwitched:
			color.New(color.FgYellow).Printf("switched to %s\n", e.Definition.Name)
		case *engine.Interrupted:
			color.New(color.FgYellow).Println("interrupted")
		case *engine.Error:
			color.New(color.FgRed).Printf("error: %v\n", e.Cause)
		}
	}
}

func printMessage(msg *store.Message) {
	label := color.New(color.FgGreen).Sprintf("[%s]", msg.Role)
	if msg.Role == store.RoleUser {
		label = color.New(color.FgCyan).Sprintf("[%s]", msg.Role)
	}
	fmt.Printf("%s %s\n", label, color.HiBlackString(msg.ID))
	for _, item := range msg.Content {
		switch item.Kind {
		case store.ContentText:
			fmt.Println(item.Text)
		case store.ContentThinking:
			color.New(color.FgHiBlack).Println(item.Text)
		case store.ContentToolCall:
			color.New(color.FgMagenta).Printf("tool: %s %s\n", item.ToolName, item.InputJSON)
		case store.ContentToolResult:
			color.New(color.FgMagenta).Println(item.Output)
		}
	}
}
