// ABOUTME: ScriptedRunner replays canned model-turn events for tests and offline runs
// ABOUTME: Honors context cancellation so interrupt paths can be exercised

package turn

import (
	"context"
	"time"
)

// ScriptedRunner is a Runner that replays a fixed script of events. Each call
// to Run plays the next script in order, wrapping around at the end. An
// optional per-event delay makes in-flight cancellation testable.
type ScriptedRunner struct {
	Scripts [][]*Event
	Delay   time.Duration
	Err     error // returned immediately by Run when set

	calls int
}

// NewScriptedRunner creates a runner that replays the given scripts in order.
func NewScriptedRunner(scripts ...[]*Event) *ScriptedRunner {
	return &ScriptedRunner{Scripts: scripts}
}

// TextScript is a convenience script: one text event then Done.
func TextScript(text string) []*Event {
	return []*Event{
		{Kind: EventText, Text: text},
		{Kind: EventDone, Text: text, Done: true},
	}
}

// Run replays the next script. The channel closes after the final event, or
// early without a terminal event if ctx is cancelled first.
func (s *ScriptedRunner) Run(ctx context.Context, req *Request) (<-chan *Event, error) {
	if s.Err != nil {
		return nil, s.Err
	}

	var script []*Event
	if len(s.Scripts) > 0 {
		script = s.Scripts[s.calls%len(s.Scripts)]
	}
	s.calls++

	out := make(chan *Event, len(script))
	go func() {
		defer close(out)
		for _, ev := range script {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
