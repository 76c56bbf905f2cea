// Package breaker implements the per-bot circuit breaker that guards
// outbound Telegram calls. State is derived from timestamps on each call,
// so an idle breaker costs nothing and no timers need to run.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned while the breaker refuses calls.
var ErrUnavailable = &unavailableError{}

type unavailableError struct{}

func (e *unavailableError) Error() string { return "breaker: transport unavailable" }

// Code returns the machine-readable error code.
func (e *unavailableError) Code() string { return "TRANSPORT_UNAVAILABLE" }

// State names the breaker position for logs and admin views.
type State string

const (
	// StateClosed passes calls through and counts failures.
	StateClosed State = "closed"
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen lets a single probe call through.
	StateHalfOpen State = "half_open"
)

// Options configure a breaker. Zero values fall back to defaults.
type Options struct {
	// FailureThreshold is the number of failures inside Window that opens the breaker.
	FailureThreshold int
	// Window is the sliding interval over which failures are counted.
	Window time.Duration
	// Cooldown is the initial open duration; it doubles on every failed probe.
	Cooldown time.Duration
	// CooldownMax caps the doubled cooldown.
	CooldownMax time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.CooldownMax < o.Cooldown {
		o.CooldownMax = 10 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Breaker tracks transport health for a single bot.
type Breaker struct {
	opts Options

	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	cooldown time.Duration
	probing  bool
}

// New constructs a closed breaker.
func New(opts Options) *Breaker {
	o := opts.withDefaults()
	return &Breaker{
		opts:     o,
		state:    StateClosed,
		cooldown: o.Cooldown,
	}
}

// State returns the current position, advancing open -> half-open if the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooldownElapsed(b.opts.Now()) {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) cooldownElapsed(now time.Time) bool {
	return now.Sub(b.openedAt) >= b.cooldown
}

// Do runs fn through the breaker. It returns ErrUnavailable without calling
// fn when the breaker is open, or while another probe is in flight in the
// half-open position. Context cancellation never counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if fn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn()
	b.settle(probe, callErr)
	return callErr
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if !b.cooldownElapsed(now) {
			return false, ErrUnavailable
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, ErrUnavailable
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(probe bool, callErr error) {
	failed := callErr != nil && !errors.Is(callErr, context.Canceled)

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.opts.Now()

	if probe {
		b.probing = false
		if failed {
			// Failed probe reopens with a doubled cooldown.
			b.state = StateOpen
			b.openedAt = now
			b.cooldown = b.cooldown * 2
			if b.cooldown > b.opts.CooldownMax {
				b.cooldown = b.opts.CooldownMax
			}
			return
		}
		// Successful probe fully closes and resets the failure history.
		b.state = StateClosed
		b.failures = b.failures[:0]
		b.cooldown = b.opts.Cooldown
		return
	}

	if !failed {
		return
	}

	b.failures = append(b.failures, now)
	b.trimWindow(now)
	if len(b.failures) >= b.opts.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.cooldown = b.opts.Cooldown
		b.failures = b.failures[:0]
	}
}

func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	idx := 0
	for idx < len(b.failures) && b.failures[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.failures = append(b.failures[:0], b.failures[idx:]...)
	}
}
