// Package driver builds the configured chat drivers and indexes the
// transports they expose.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"wordtally/pkg/tally"
)

// Definition is one driver entry of the configuration file.
type Definition struct {
	// Name identifies the driver instance and becomes its event source ID.
	Name string
	// Type selects the Descriptor that builds the driver.
	Type string
	// Enabled skips the definition when false.
	Enabled bool
	// Config is the driver-type specific JSON payload.
	Config json.RawMessage
}

// Runtime is one built driver instance.
type Runtime struct {
	// Source identifies the events Driver publishes.
	Source tally.EventSource
	// Driver is registered with the kernel.
	Driver tally.Driver
	// Transport serves backlog and metadata requests. Nil when the driver
	// cannot serve them.
	Transport tally.Transport
}

// BuilderFunc builds a Runtime from a definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor registers one driver type.
type Descriptor struct {
	// Type is the configuration token, for example "telegram".
	Type string
	// Platform is the platform of every driver of this type.
	Platform tally.Platform
	// Builder constructs a Runtime for the type.
	Builder BuilderFunc
}

// Registry maps driver types to builders. It is immutable once created.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry validates descriptors and creates a Registry.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	registry := &Registry{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, descriptor := range descriptors {
		switch {
		case descriptor.Type == "":
			return nil, fmt.Errorf("new driver registry: descriptor without type")
		case descriptor.Platform == "":
			return nil, fmt.Errorf("new driver registry: type %s: empty platform", descriptor.Type)
		case descriptor.Builder == nil:
			return nil, fmt.Errorf("new driver registry: type %s: nil builder", descriptor.Type)
		}
		if _, dup := registry.descriptors[descriptor.Type]; dup {
			return nil, fmt.Errorf("new driver registry: type %s registered twice", descriptor.Type)
		}
		registry.descriptors[descriptor.Type] = descriptor
	}

	return registry, nil
}

// Types lists the registered driver types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	return slices.Sorted(maps.Keys(r.descriptors))
}

// PlatformForType returns the platform of driverType.
func (r *Registry) PlatformForType(driverType string) (tally.Platform, error) {
	if r == nil {
		return "", fmt.Errorf("platform for type %s: nil registry", driverType)
	}
	descriptor, found := r.descriptors[driverType]
	if !found {
		return "", fmt.Errorf("platform for type %s: unsupported driver type", driverType)
	}

	return descriptor.Platform, nil
}

// BuildEnabled builds every enabled definition in order. Names must be
// unique among enabled definitions.
func (r *Registry) BuildEnabled(ctx context.Context, definitions []Definition, logger *slog.Logger) ([]Runtime, error) {
	if r == nil {
		return nil, fmt.Errorf("build drivers: nil registry")
	}
	if logger == nil {
		logger = slog.Default()
	}

	runtimes := make([]Runtime, 0, len(definitions))
	names := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		runtime, err := r.build(ctx, definition, names, logger)
		if err != nil {
			return nil, err
		}
		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

func (r *Registry) build(
	ctx context.Context,
	definition Definition,
	names map[string]struct{},
	logger *slog.Logger,
) (Runtime, error) {
	if definition.Name == "" {
		return Runtime{}, fmt.Errorf("build driver: empty name")
	}
	if _, dup := names[definition.Name]; dup {
		return Runtime{}, fmt.Errorf("build driver %s: duplicate name", definition.Name)
	}
	names[definition.Name] = struct{}{}

	descriptor, found := r.descriptors[definition.Type]
	if !found {
		return Runtime{}, fmt.Errorf("build driver %s: unsupported type %q", definition.Name, definition.Type)
	}

	runtime, err := descriptor.Builder(ctx, definition, logger.With("driver", definition.Name))
	if err != nil {
		return Runtime{}, fmt.Errorf("build driver %s: %w", definition.Name, err)
	}
	if runtime.Driver == nil {
		return Runtime{}, fmt.Errorf("build driver %s: builder returned nil driver", definition.Name)
	}
	if runtime.Source.Platform == "" {
		runtime.Source.Platform = descriptor.Platform
	}
	if runtime.Source.ID == "" {
		runtime.Source.ID = definition.Name
	}

	return runtime, nil
}

// Directory resolves transports by driver source ID. It implements
// tally.TransportDirectory.
type Directory struct {
	transports map[string]tally.Transport
	sources    []tally.EventSource
}

// NewDirectory indexes the transports of runtimes. Runtimes without a
// transport are skipped.
func NewDirectory(runtimes []Runtime) (*Directory, error) {
	directory := &Directory{transports: make(map[string]tally.Transport)}
	for _, runtime := range runtimes {
		if runtime.Transport == nil {
			continue
		}
		if runtime.Source.ID == "" {
			return nil, fmt.Errorf("new transport directory: transport without source id")
		}
		if _, dup := directory.transports[runtime.Source.ID]; dup {
			return nil, fmt.Errorf("new transport directory: duplicate source %s", runtime.Source.ID)
		}
		directory.transports[runtime.Source.ID] = runtime.Transport
		directory.sources = append(directory.sources, runtime.Source)
	}
	slices.SortFunc(directory.sources, func(a, b tally.EventSource) int {
		return strings.Compare(a.ID, b.ID)
	})

	return directory, nil
}

// Transport returns the transport of sourceID.
func (d *Directory) Transport(sourceID string) (tally.Transport, error) {
	transport, found := d.transports[sourceID]
	if !found {
		return nil, fmt.Errorf("transport %s: %w", sourceID, tally.ErrTransportNotFound)
	}

	return transport, nil
}

// Sources lists the sources with a transport, sorted by ID.
func (d *Directory) Sources() []tally.EventSource {
	return slices.Clone(d.sources)
}
