// ABOUTME: Transcript export: renders a conversation's active thread as HTML
// ABOUTME: Message text is treated as markdown and converted with goldmark

package main

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"html/template"
	"os"

	"github.com/yuin/goldmark"

	"github.com/2389/braid/internal/store"
)

const transcriptTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { max-width: 48rem; margin: 2rem auto; font-family: sans-serif; }
.msg { border-left: 3px solid #ccc; padding: 0.25rem 1rem; margin: 1rem 0; }
.msg.user { border-color: #2a7ae2; }
.msg.assistant { border-color: #2aa05a; }
.role { font-weight: bold; color: #666; font-size: 0.85rem; }
.tool { font-family: monospace; background: #f4f4f4; padding: 0.5rem; white-space: pre-wrap; }
.thinking { color: #999; font-style: italic; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Messages}}
<div class="msg {{.Role}}">
<div class="role">{{.Role}}</div>
{{.Body}}
</div>
{{end}}
</body>
</html>
`

type transcriptMessage struct {
	Role store.Role
	Body template.HTML
}

func runExport(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: braid export <conversation-id> [output.html]")
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	conv, err := a.store.GetConversation(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	msgs, err := a.store.GetThreadMessages(ctx, conv.CurrentThreadID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	rendered := make([]transcriptMessage, 0, len(msgs))
	for _, msg := range msgs {
		body, err := renderMessageHTML(msg)
		if err != nil {
			return fmt.Errorf("rendering message %s: %w", msg.ID, err)
		}
		rendered = append(rendered, transcriptMessage{Role: msg.Role, Body: body})
	}

	title := conv.DisplayName
	if title == "" {
		title = conv.ID
	}

	tmpl := template.Must(template.New("transcript").Parse(transcriptTemplate))
	var out bytes.Buffer
	err = tmpl.Execute(&out, struct {
		Title    string
		Messages []transcriptMessage
	}{Title: title, Messages: rendered})
	if err != nil {
		return fmt.Errorf("rendering transcript: %w", err)
	}

	outPath := conv.ID + ".html"
	if len(args) > 1 {
		outPath = args[1]
	}
	if err := os.WriteFile(outPath, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	fmt.Printf("Exported %d messages to %s\n", len(rendered), outPath)
	return nil
}

// renderMessageHTML converts one message's content items to HTML. Text is
// markdown; tool traffic and thinking are shown literally.
func renderMessageHTML(msg *store.Message) (template.HTML, error) {
	var buf bytes.Buffer
	for _, item := range msg.Content {
		switch item.Kind {
		case store.ContentText:
			if err := goldmark.Convert([]byte(item.Text), &buf); err != nil {
				return "", err
			}
		case store.ContentThinking:
			fmt.Fprintf(&buf, `<div class="thinking">%s</div>`, html.EscapeString(item.Text))
		case store.ContentToolCall:
			fmt.Fprintf(&buf, `<div class="tool">%s(%s)</div>`,
				html.EscapeString(item.ToolName), html.EscapeString(item.InputJSON))
		case store.ContentToolResult:
			fmt.Fprintf(&buf, `<div class="tool">%s</div>`, html.EscapeString(item.Output))
		}
	}
	return template.HTML(buf.String()), nil
}
