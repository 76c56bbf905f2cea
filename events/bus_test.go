package events

import (
	"testing"

	"github.com/botshelf/botshelf/botmeta"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	ev := New("123456789", botmeta.StatusPending, botmeta.StatusApproved, "approved by operator")
	bus.Publish(ev)

	for i, ch := range []<-chan Event{ch1, ch2} {
		got := <-ch
		if got.BotID != ev.BotID || got.To != botmeta.StatusApproved {
			t.Fatalf("subscriber %d got %+v", i, got)
		}
		if got.ID == "" || got.At.IsZero() {
			t.Fatalf("subscriber %d event missing id/timestamp: %+v", i, got)
		}
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Buffer holds one event; the rest must be dropped without blocking.
	for i := 0; i < 3; i++ {
		bus.Publish(New("123456789", botmeta.StatusPending, botmeta.StatusApproved, ""))
	}
	if got := bus.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(New("123456789", botmeta.StatusApproved, botmeta.StatusBanned, "owner ban"))
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(1)
	bus.Close()
	bus.Close()
	if _, open := <-ch; open {
		t.Fatal("channel still open after close")
	}
	if ch2, _ := bus.Subscribe(1); ch2 != nil {
		if _, open := <-ch2; open {
			t.Fatal("subscribe after close returned open channel")
		}
	}
}
