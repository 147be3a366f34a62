// Copyright 2025 James Ross
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/jross/workitem-queue/internal/config"
)

// Registry maps a backend name (sqlite, redis, docdb) to the factory that
// builds it. Backend packages register themselves in init() rather than
// this package importing them directly, so an application only pulls in
// the driver dependencies of the backends it actually links.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var defaultRegistry = &Registry{factories: make(map[string]Factory)}

// Register adds a backend factory under name to the global registry.
func Register(name string, factory Factory) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.factories[name] = factory
}

// Build constructs the adapter selected by cfg.Adapter.
func Build(ctx context.Context, cfg *config.Config) (Adapter, error) {
	defaultRegistry.mu.RLock()
	factory, ok := defaultRegistry.factories[cfg.Adapter]
	defaultRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered (imported?)", cfg.Adapter)
	}
	return factory(ctx, cfg)
}

// Registered lists the backend names currently registered, for diagnostics.
func Registered() []string {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	names := make([]string, 0, len(defaultRegistry.factories))
	for name := range defaultRegistry.factories {
		names = append(names, name)
	}
	return names
}
