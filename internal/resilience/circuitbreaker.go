// Package resilience keeps the responder usable when a language-model backend
// misbehaves.
//
// A [Breaker] stops calling a backend after repeated failures and probes it
// again once a cool-down has passed. A [Group] chains several backends, each
// behind its own breaker, and [LLM] exposes such a group as an llm.Provider.
//
// Cancellation is not failure: a call that ends because its context was
// cancelled (the user interrupted the reply) is neither counted against nor
// credited to the backend.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the backend while a breaker is
// open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the run of consecutive failures that opens the
	// breaker. Default 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before letting a probe
	// through. Default 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close
	// again. Default 1.
	Probes int

	// Clock replaces time.Now in tests.
	Clock func() time.Time
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		now:         cfg.Clock,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 3
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.probes <= 0 {
		b.probes = 1
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Do runs fn unless the breaker is open. In half-open state only as many
// concurrent calls as there are outstanding probes are admitted.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	halfOpen, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if halfOpen {
		b.inFlight--
	}
	switch {
	case err == nil:
		b.onSuccess(halfOpen)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Interrupted by the caller: says nothing about the backend.
	default:
		b.onFailure(halfOpen)
	}
	return err
}

func (b *Breaker) admit() (halfOpen bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.inFlight = 0
		slog.Info("resilience: probing backend", "name", b.name)
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.probes-b.successes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

// onSuccess and onFailure must be called with b.mu held.
func (b *Breaker) onSuccess(halfOpen bool) {
	if !halfOpen {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.probes {
		b.state = StateClosed
		b.failures = 0
		slog.Info("resilience: backend recovered", "name", b.name)
	}
}

func (b *Breaker) onFailure(halfOpen bool) {
	if halfOpen || b.state == StateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.trip()
	}
}

func (b *Breaker) trip() {
	if b.state != StateOpen {
		slog.Warn("resilience: backend disabled", "name", b.name, "failures", b.failures, "cooldown", b.cooldown)
	}
	b.state = StateOpen
	b.openedAt = b.now()
}

// State returns the current state. An open breaker whose cool-down has passed
// reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
}
