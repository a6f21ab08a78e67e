package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/wakeloop/pkg/provider/kws"
	"github.com/MrWong99/wakeloop/pkg/provider/llm"
	"github.com/MrWong99/wakeloop/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	vad map[string]func(VADConfig) (vad.Scorer, error)
	kws map[string]func(KWSConfig) (kws.Spotter, error)
	llm map[string]func(ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad: make(map[string]func(VADConfig) (vad.Scorer, error)),
		kws: make(map[string]func(KWSConfig) (kws.Spotter, error)),
		llm: make(map[string]func(ProviderEntry) (llm.Provider, error)),
	}
}

// RegisterVAD registers a scorer factory under name. Later registrations
// with the same name win.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Scorer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterKWS registers a spotter factory under name.
func (r *Registry) RegisterKWS(name string, factory func(KWSConfig) (kws.Spotter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kws[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateVAD builds the scorer registered under cfg.Name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Scorer, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateKWS builds the spotter registered under cfg.Name.
func (r *Registry) CreateKWS(cfg KWSConfig) (kws.Spotter, error) {
	r.mu.RLock()
	factory, ok := r.kws[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: kws/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateLLM builds the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted registered names for kind ("vad", "kws" or "llm").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "vad":
		for n := range r.vad {
			names = append(names, n)
		}
	case "kws":
		for n := range r.kws {
			names = append(names, n)
		}
	case "llm":
		for n := range r.llm {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
