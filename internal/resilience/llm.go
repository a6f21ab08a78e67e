package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/wakeloop/internal/observe"
	"github.com/MrWong99/wakeloop/pkg/provider/llm"
)

// ErrNoBackend is returned by [LLM.Check] while every backend is disabled.
var ErrNoBackend = errors.New("resilience: every llm backend is disabled")

var _ llm.Provider = (*LLM)(nil)

// LLM is an llm.Provider that fails over across several backends. Every
// attempt is counted in the provider request metric.
type LLM struct {
	group   *Group[llm.Provider]
	metrics *observe.Metrics
}

// NewLLM returns an LLM with primary as its first backend.
func NewLLM(primaryName string, primary llm.Provider, cfg BreakerConfig, met *observe.Metrics) *LLM {
	if met == nil {
		met = observe.DefaultMetrics()
	}
	g := NewGroup[llm.Provider](cfg)
	g.Add(primaryName, primary)
	return &LLM{group: g, metrics: met}
}

// AddFallback appends a backend tried after the ones already added.
func (l *LLM) AddFallback(name string, p llm.Provider) { l.group.Add(name, p) }

// Complete implements llm.Provider.
func (l *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, l.group, func(ctx context.Context, name string, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		status := "ok"
		switch {
		case err == nil:
		case ctx.Err() != nil:
			status = "cancelled"
		default:
			status = "error"
		}
		l.metrics.RecordProviderRequest(ctx, name, "llm", status)
		return resp, err
	})
}

// Check is a readiness probe. It fails only when no backend would currently
// be tried.
func (l *LLM) Check(_ context.Context) error {
	for _, st := range l.group.States() {
		if st != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w (%d backends)", ErrNoBackend, l.group.Len())
}
