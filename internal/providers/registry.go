package providers

import "sync"

// Registry picks the adapter for a provider type. Providers without their
// own adapter use the fallback, normally the OpenAI-compatible one.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

func NewRegistry(fallback Adapter) *Registry {
	return &Registry{adapters: make(map[string]Adapter), fallback: fallback}
}

func (r *Registry) Register(providerType string, a Adapter) {
	r.mu.Lock()
	r.adapters[providerType] = a
	r.mu.Unlock()
}

func (r *Registry) For(providerType string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[providerType]; ok {
		return a
	}
	return r.fallback
}
