package transport

import "sync"

// Registration pairs a pattern with its handler as stored in the registry.
type Registration struct {
	Pattern Pattern
	Handler Handler
}

// HandlerRegistry is the local pattern-to-handler map shared by every driver.
// Entries are keyed by the pattern's derived key and the last registration
// for a key wins; stacking multiple handlers on one pattern is not supported
// at this layer.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// NewHandlerRegistry constructs an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Registration)}
}

// Set registers or replaces the handler for the pattern's key.
func (r *HandlerRegistry) Set(pattern Pattern, handler Handler) {
	r.mu.Lock()
	r.handlers[pattern.Key()] = Registration{Pattern: pattern, Handler: handler}
	r.mu.Unlock()
}

// Remove drops the handler for the pattern's key, if any.
func (r *HandlerRegistry) Remove(pattern Pattern) {
	r.mu.Lock()
	delete(r.handlers, pattern.Key())
	r.mu.Unlock()
}

// Get returns the handler for a derived key.
func (r *HandlerRegistry) Get(key string) (Handler, bool) {
	r.mu.RLock()
	reg, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reg.Handler, true
}

// Snapshot returns the current registrations. Listen iterates a snapshot so
// drivers can subscribe without holding the lock.
func (r *HandlerRegistry) Snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.handlers))
	for _, reg := range r.handlers {
		regs = append(regs, reg)
	}
	return regs
}

// Keys returns the derived keys with a registered handler.
func (r *HandlerRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}
	return keys
}

// Len reports the number of registered handlers.
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
