package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed wraps the last error when no backend in a [Group] answered.
var ErrAllFailed = errors.New("resilience: all backends failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group is an ordered list of interchangeable backends, each guarded by its
// own [Breaker]. Members must all be added before the group is used.
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns a Group whose members get breakers configured from cfg.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	return &Group[T]{cfg: cfg}
}

// Add appends a backend. Backends are tried in the order they were added.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewBreaker(cfg)})
}

// Len returns the number of backends.
func (g *Group[T]) Len() int { return len(g.members) }

// States reports the breaker state of every backend by name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Call runs fn against each backend in turn until one succeeds. It stops
// early when ctx is done, returning ctx.Err(). It is a function rather than a
// method because methods cannot declare type parameters.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, string, T) (R, error)) (R, error) {
	var zero R
	if len(g.members) == 0 {
		return zero, fmt.Errorf("%w: no backends configured", ErrAllFailed)
	}

	var lastErr error
	for i := range g.members {
		m := &g.members[i]
		var out R
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, m.name, m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping disabled backend", "name", m.name)
			continue
		}
		slog.Warn("resilience: backend failed, trying next", "name", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
