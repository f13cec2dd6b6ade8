package asr

import (
	"fmt"
)

// Registry maps provider names (as stored on credentials) to engines.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: map[string]Engine{}}
}

// Register adds an engine under its name, replacing any previous entry.
func (r *Registry) Register(e Engine) {
	r.engines[e.Name()] = e
}

// Get returns the engine for a provider name.
func (r *Registry) Get(provider string) (Engine, error) {
	e, ok := r.engines[provider]
	if !ok {
		return nil, fmt.Errorf("no ASR engine registered for provider %q", provider)
	}
	return e, nil
}

// DefaultRegistry wires up the production engines.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewGoogleEngine())
	r.Register(NewDeepgramEngine())
	r.Register(NewWhisperEngine())
	return r
}
