// Package registry provides ordered registries for chain providers and stream handlers.
package registry

import (
	"sync"

	"streamrelay/pkg/interfaces"
)

// StreamHandlerRegistry manages stream handlers.
type StreamHandlerRegistry struct {
	mu       sync.RWMutex
	handlers []interfaces.StreamHandler
	fallback interfaces.StreamHandler
}

// NewStreamHandlerRegistry creates a new stream handler registry.
func NewStreamHandlerRegistry() *StreamHandlerRegistry {
	return &StreamHandlerRegistry{
		handlers: make([]interfaces.StreamHandler, 0),
	}
}

// Register adds a stream handler to the registry.
func (r *StreamHandlerRegistry) Register(handler interfaces.StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// SetFallback sets the fallback handler used when no handler matches.
func (r *StreamHandlerRegistry) SetFallback(handler interfaces.StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// Get returns the first handler that accepts the upstream body, or the fallback.
func (r *StreamHandlerRegistry) Get(contentType string, head []byte) interfaces.StreamHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if h.CanHandle(contentType, head) {
			return h
		}
	}
	return r.fallback
}

// All returns all registered handlers.
func (r *StreamHandlerRegistry) All() []interfaces.StreamHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]interfaces.StreamHandler, len(r.handlers))
	copy(result, r.handlers)
	return result
}

// ProviderRegistry holds chain providers in fallback order.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers []interfaces.ChainWalker
	byName    map[string]interfaces.ChainWalker
}

// NewProviderRegistry creates a new provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make([]interfaces.ChainWalker, 0),
		byName:    make(map[string]interfaces.ChainWalker),
	}
}

// Register appends a provider. Registering a name twice replaces the earlier
// provider in place, keeping its position.
func (r *ProviderRegistry) Register(p interfaces.ChainWalker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[p.Name()]; ok {
		for i, existing := range r.providers {
			if existing.Name() == p.Name() {
				r.providers[i] = p
			}
		}
	} else {
		r.providers = append(r.providers, p)
	}
	r.byName[p.Name()] = p
}

// All returns all providers in fallback order.
func (r *ProviderRegistry) All() []interfaces.ChainWalker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]interfaces.ChainWalker, len(r.providers))
	copy(result, r.providers)
	return result
}

// Names returns provider names in fallback order.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

var (
	_ interfaces.Registry[interfaces.StreamHandler] = (*StreamHandlerRegistry)(nil)
	_ interfaces.Registry[interfaces.ChainWalker]   = (*ProviderRegistry)(nil)
)
