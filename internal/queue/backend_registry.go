package queue

import (
	"strings"
	"sync"
)

type ChangeQueueFactory func(dsn string, opts Options) (ChangeQueue, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ChangeQueueFactory
}{
	factories: map[string]ChangeQueueFactory{},
}

// RegisterChangeQueueFactory overrides how DSNs with the given scheme are
// opened. Registered factories take precedence over the built-in backends.
func RegisterChangeQueueFactory(scheme string, factory ChangeQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupChangeQueueFactory(scheme string) (ChangeQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
