// Package events carries lifecycle transition notifications to in-process
// subscribers. Publishing never blocks: a slow subscriber drops events
// rather than stalling the lifecycle controller.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botshelf/botshelf/botmeta"
)

// Event records one lifecycle transition of a hosted bot.
type Event struct {
	ID     string         `json:"id"`
	BotID  string         `json:"botId"`
	From   botmeta.Status `json:"from"`
	To     botmeta.Status `json:"to"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// New builds an event with a fresh id and timestamp.
func New(botID string, from, to botmeta.Status, reason string) Event {
	return Event{
		ID:     uuid.NewString(),
		BotID:  botID,
		From:   from,
		To:     to,
		Reason: reason,
		At:     time.Now().UTC(),
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped uint64
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns the number of events discarded due to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
