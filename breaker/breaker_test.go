package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New(Options{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		CooldownMax:      120 * time.Second,
		Now:              clock.Now,
	})
}

var errBoom = errors.New("boom")

func fail() error { return errBoom }

func ok() error { return nil }

func TestOpensAfterThresholdFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if st := b.State(); st != StateOpen {
		t.Fatalf("state = %s, want open", st)
	}
	if err := b.Do(ctx, ok); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("open breaker admitted call: %v", err)
	}
}

func TestFailuresOutsideWindowDoNotOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	clock.Advance(2 * time.Minute)
	_ = b.Do(ctx, fail)

	if st := b.State(); st != StateClosed {
		t.Fatalf("state = %s, want closed", st)
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, fail)
	}
	clock.Advance(31 * time.Second)
	if st := b.State(); st != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", st)
	}

	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if st := b.State(); st != StateClosed {
		t.Fatalf("state after probe = %s, want closed", st)
	}

	// Failure history was reset; a single new failure must not reopen.
	_ = b.Do(ctx, fail)
	if st := b.State(); st != StateClosed {
		t.Fatalf("state = %s, want closed", st)
	}
}

func TestFailedProbeDoublesCooldownWithCap(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, fail)
	}

	// First probe fails: cooldown 30s -> 60s.
	clock.Advance(31 * time.Second)
	if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe: %v", err)
	}
	clock.Advance(31 * time.Second)
	if err := b.Do(ctx, ok); !errors.Is(err, ErrUnavailable) {
		t.Fatal("call admitted before doubled cooldown elapsed")
	}
	clock.Advance(30 * time.Second)

	// Second probe fails: cooldown 60s -> 120s (cap).
	if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe: %v", err)
	}
	clock.Advance(119 * time.Second)
	if err := b.Do(ctx, ok); !errors.Is(err, ErrUnavailable) {
		t.Fatal("call admitted before capped cooldown elapsed")
	}
	clock.Advance(1 * time.Second)

	// Third probe fails: cooldown stays at the 120s cap.
	if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe: %v", err)
	}
	clock.Advance(121 * time.Second)
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe after cap: %v", err)
	}
}

func TestSingleProbeInFlight(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, fail)
	}
	clock.Advance(31 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	if err := b.Do(ctx, ok); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("second probe admitted concurrently: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestContextCancelDoesNotCountAsFailure(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, func() error { return context.Canceled })
	}
	if st := b.State(); st != StateClosed {
		t.Fatalf("state = %s, want closed", st)
	}
}
