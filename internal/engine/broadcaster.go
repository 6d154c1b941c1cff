// ABOUTME: In-memory fan-out of conversation events to concurrent subscribers
// ABOUTME: Each subscriber owns a bounded buffer; a slow one never stalls the producer

package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// defaultSubscriberBuffer is the per-subscriber channel buffer when the
// configuration does not set one.
const defaultSubscriberBuffer = 64

// broadcaster fans events out to all subscribers of one conversation.
// Publish is non-blocking: events are dropped for subscribers whose buffers
// are full. All subscribers that keep up observe the same total order.
type broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	buffer      int
	closed      bool
	done        chan struct{}
	logger      *slog.Logger
}

func newBroadcaster(buffer int, logger *slog.Logger) *broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &broadcaster{
		subscribers: make(map[string]chan Event),
		buffer:      buffer,
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// subscribe registers a new subscriber whose first event is the snapshot the
// callback produces. The callback runs under the fan-out lock: no publish can
// land between the snapshot read and registration, so the subscriber sees the
// snapshot and then every event published after it. The subscription is
// cleaned up when ctx is cancelled or the broadcaster shuts down.
func (b *broadcaster) subscribe(ctx context.Context, snapshot func() (Event, error)) (<-chan Event, string, error) {
	subID := uuid.New().String()
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID, nil
	}
	snap, err := snapshot()
	if err != nil {
		b.mu.Unlock()
		return nil, "", err
	}
	ch <- snap // buffered, cannot block; delivered before any later event
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(subID)
		case <-b.done:
		}
	}()

	return ch, subID, nil
}

// publish sends an event to every subscriber without blocking.
func (b *broadcaster) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", subID)
		}
	}
}

// unsubscribe detaches one subscriber and closes its channel. Detaching has
// no effect on the producer or other subscribers.
func (b *broadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// closeAll shuts down the broadcaster, closes every subscriber channel, and
// releases the per-subscriber watcher goroutines.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
}
