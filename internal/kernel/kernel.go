// Package kernel hosts modules and drivers around an asynchronous event bus.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"wordtally/pkg/tally"

	"golang.org/x/sync/errgroup"
)

// Kernel wires drivers to modules.
//
// Drivers publish neutral events; modules subscribe to them through the
// capabilities they declare. Run starts modules in registration order, runs
// every driver until one fails or the context ends and then shuts everything
// down in reverse order.
type Kernel struct {
	cfg      config
	bus      *EventBus
	services *ServiceRegistry

	mu      sync.RWMutex
	modules []*moduleRecord
	drivers []tally.Driver

	runMu   sync.Mutex
	running bool
}

// New creates a Kernel.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Kernel{
		cfg: cfg,
		bus: NewEventBus(
			cfg.subscriptionBuffer,
			cfg.subscriptionWorker,
			cfg.handlerTimeout,
			cfg.onAsyncError,
		),
		services: NewServiceRegistry(),
	}
}

// EventBus returns the kernel bus.
func (k *Kernel) EventBus() tally.EventBus {
	return k.bus
}

// Services returns the kernel service registry.
func (k *Kernel) Services() tally.ServiceRegistry {
	return k.services
}

// RegisterService registers a service singleton under name.
func (k *Kernel) RegisterService(name string, service any) error {
	return k.services.Register(name, service)
}

// RegisterModule validates module's spec and required services, calls
// OnRegister when implemented and subscribes the declared handlers. A failure
// at any step leaves no trace of the module.
func (k *Kernel) RegisterModule(ctx context.Context, module tally.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty name")
	}
	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	if err := k.requireServices(spec.Capabilities()); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{
		name:         name,
		module:       module,
		capabilities: spec.Capabilities(),
	}
	k.mu.Lock()
	if k.moduleIndex(name) >= 0 {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, tally.ErrModuleAlreadyRegistered)
	}
	k.modules = append(k.modules, record)
	k.mu.Unlock()

	runtime := &moduleRuntime{
		record:   record,
		services: k.services,
		bus:      k.bus,
		route:    k.cfg.routeFor(name),
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	if registrar, ok := module.(tally.ModuleRegistrar); ok {
		if err := runSafely("module "+name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			k.forgetModule(ctx, record)
			return fmt.Errorf("register module %s: %w", name, err)
		}
	}

	for idx, declared := range spec.Handlers {
		subSpec := declared.Subscription
		if subSpec.Name == "" {
			subSpec.Name = fmt.Sprintf("%s-handler-%d", name, idx+1)
		}
		if _, err := runtime.Subscribe(hookCtx, declared.Capability.Interest, subSpec, declared.Handler); err != nil {
			k.forgetModule(ctx, record)
			return fmt.Errorf("register module %s: capability %s: %w", name, declared.Capability.Name, err)
		}
	}

	return nil
}

// RegisterDriver adds a driver. Driver names are unique.
func (k *Kernel) RegisterDriver(driver tally.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, existing := range k.drivers {
		if existing.Name() == name {
			return fmt.Errorf("register driver %s: %w", name, tally.ErrDriverAlreadyRegistered)
		}
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

// Run starts modules and drivers and blocks until ctx ends, every driver
// returns or one driver fails. Shutdown always runs before Run returns.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.claimRun(); err != nil {
		return err
	}
	defer k.releaseRun()

	k.mu.RLock()
	modules := slices.Clone(k.modules)
	drivers := slices.Clone(k.drivers)
	k.mu.RUnlock()

	if err := k.startModules(ctx, modules); err != nil {
		shutdownErr := k.shutdown(ctx, nil, modules)
		return errors.Join(err, shutdownErr)
	}

	driverCtx, stopDrivers := context.WithCancel(ctx)
	defer stopDrivers()
	driversDone := k.runDrivers(driverCtx, drivers)

	var runErr error
	driversReturned := false
	select {
	case <-ctx.Done():
	case runErr = <-driversDone:
		driversReturned = true
	}

	stopDrivers()
	if !driversReturned {
		k.awaitDrivers(driversDone)
	}

	shutdownErr := k.shutdown(ctx, drivers, modules)

	return errors.Join(runErr, shutdownErr)
}

func (k *Kernel) claimRun() error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	if k.running {
		return fmt.Errorf("kernel run: already running")
	}
	k.running = true

	return nil
}

func (k *Kernel) releaseRun() {
	k.runMu.Lock()
	k.running = false
	k.runMu.Unlock()
}

func (k *Kernel) startModules(ctx context.Context, modules []*moduleRecord) error {
	for _, record := range modules {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// runDrivers starts every driver and reports the first failure, or nil once
// all drivers returned. Cancellation is not a failure.
func (k *Kernel) runDrivers(ctx context.Context, drivers []tally.Driver) <-chan error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, driver := range drivers {
		dispatcher := sourceGuard{driver: driver.Name(), next: k.bus}
		group.Go(func() error {
			err := runSafely("driver "+driver.Name()+" Start", func() error {
				return driver.Start(groupCtx, dispatcher)
			})
			if err == nil || isContextCancellation(err) {
				return nil
			}
			return fmt.Errorf("run driver %s: %w", driver.Name(), err)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	return done
}

// awaitDrivers waits for canceled drivers up to the shutdown timeout.
func (k *Kernel) awaitDrivers(done <-chan error) {
	timer := time.NewTimer(k.cfg.shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			k.cfg.onAsyncError(context.Background(), "drivers stop", err)
		}
	case <-timer.C:
		k.cfg.logger.Warn("drivers did not stop before shutdown timeout", "timeout", k.cfg.shutdownTimeout)
	}
}

// shutdown stops drivers, then modules, then the bus, all in reverse
// registration order and under one shutdown deadline detached from ctx.
func (k *Kernel) shutdown(ctx context.Context, drivers []tally.Driver, modules []*moduleRecord) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, driver := range slices.Backward(drivers) {
		if err := runSafely("driver "+driver.Name()+" Shutdown", func() error {
			return driver.Shutdown(shutdownCtx)
		}); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	for _, record := range slices.Backward(modules) {
		if err := record.closeSubscriptions(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("module %s: %w", record.name, err))
		}
		hookCtx, hookCancel := context.WithTimeout(shutdownCtx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		hookCancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	if err := k.bus.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// forgetModule undoes a partial registration.
func (k *Kernel) forgetModule(ctx context.Context, record *moduleRecord) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(cleanupCtx); err != nil {
		k.cfg.onAsyncError(cleanupCtx, "module "+record.name+" rollback", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if idx := k.moduleIndex(record.name); idx >= 0 {
		k.modules = slices.Delete(k.modules, idx, idx+1)
	}
}

// moduleIndex must be called with k.mu held.
func (k *Kernel) moduleIndex(name string) int {
	return slices.IndexFunc(k.modules, func(record *moduleRecord) bool {
		return record.name == name
	})
}

func (k *Kernel) requireServices(capabilities []tally.Capability) error {
	for _, capability := range capabilities {
		for _, service := range capability.RequiredServices {
			if _, err := k.services.Resolve(service); err != nil {
				return fmt.Errorf("capability %s needs service %s (registered: %v): %w",
					capability.Name, service, k.services.Names(), err)
			}
		}
	}

	return nil
}

// validateModuleSpec rejects unnamed or duplicate capabilities, nil handlers
// and duplicate subscription names.
func validateModuleSpec(spec tally.ModuleSpec) error {
	capabilities := make(map[string]struct{})
	claim := func(name string) error {
		if name == "" {
			return fmt.Errorf("capability with empty name")
		}
		if _, dup := capabilities[name]; dup {
			return fmt.Errorf("duplicate capability %s", name)
		}
		capabilities[name] = struct{}{}
		return nil
	}

	subscriptions := make(map[string]struct{})
	for _, handler := range spec.Handlers {
		if err := claim(handler.Capability.Name); err != nil {
			return err
		}
		if handler.Handler == nil {
			return fmt.Errorf("capability %s: nil handler", handler.Capability.Name)
		}
		if name := handler.Subscription.Name; name != "" {
			if _, dup := subscriptions[name]; dup {
				return fmt.Errorf("capability %s: duplicate subscription %s", handler.Capability.Name, name)
			}
			subscriptions[name] = struct{}{}
		}
	}
	for _, capability := range spec.AdditionalCapabilities {
		if err := claim(capability.Name); err != nil {
			return err
		}
	}

	return nil
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sourceGuard stamps a driver's name on events without a source and rejects
// events claiming another driver's source.
type sourceGuard struct {
	driver string
	next   tally.EventDispatcher
}

func (g sourceGuard) Publish(ctx context.Context, event *tally.Event) error {
	if event == nil {
		return fmt.Errorf("driver %s publish: %w: nil event", g.driver, tally.ErrInvalidEvent)
	}
	if event.Source.ID == "" {
		event.Source.ID = g.driver
	}
	if event.Source.ID != g.driver {
		return fmt.Errorf("driver %s publish: %w: source %s belongs to another driver",
			g.driver, tally.ErrInvalidEvent, event.Source.ID)
	}

	return g.next.Publish(ctx, event)
}
