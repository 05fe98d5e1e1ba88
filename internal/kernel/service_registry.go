package kernel

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"wordtally/pkg/tally"
)

// ServiceRegistry is a concurrency-safe map of named singletons.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]any
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]any)}
}

// Register binds service to name. Names are registered once.
func (r *ServiceRegistry) Register(name string, service any) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return fmt.Errorf("register service: empty name")
	case service == nil:
		return fmt.Errorf("register service %s: nil service", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.services[name]; taken {
		return fmt.Errorf("register service %s: %w", name, tally.ErrServiceAlreadyRegistered)
	}
	r.services[name] = service

	return nil
}

// Resolve returns the service bound to name.
func (r *ServiceRegistry) Resolve(name string) (any, error) {
	r.mu.RLock()
	service, found := r.services[name]
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("resolve service %q: %w", name, tally.ErrServiceNotFound)
	}

	return service, nil
}

// Names lists registered service names in sorted order.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}
