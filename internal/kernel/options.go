package kernel

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"wordtally/pkg/tally"
)

const (
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 3 * time.Second
)

type config struct {
	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	subscriptionWorker int
	handlerTimeout     time.Duration
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
	defaultRoute       ModuleRoute
	moduleRoutes       map[string]ModuleRoute
}

// ModuleRoute restricts which driver sources feed one module.
type ModuleRoute struct {
	// Sources limits inbound delivery to matching event sources. Empty means
	// every source.
	Sources []tally.EventSource
}

// Option configures a Kernel.
type Option func(*config)

func defaultConfig() config {
	cfg := config{
		moduleHookTimeout:  defaultModuleHookTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionWorker: defaultSubscriptionWorker,
		handlerTimeout:     defaultHandlerTimeout,
		moduleRoutes:       make(map[string]ModuleRoute),
	}
	cfg.useLogger(slog.Default())

	return cfg
}

func (c *config) useLogger(logger *slog.Logger) {
	c.logger = logger
	c.onAsyncError = func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "kernel async error", "scope", scope, "error", err)
	}
}

// WithModuleHookTimeout bounds each OnRegister, OnStart and OnShutdown call.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout bounds the whole shutdown sequence.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithDefaultSubscriptionBuffer sets the queue depth of subscriptions that
// do not choose one.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers sets the worker count of subscriptions that
// do not choose one.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorker = workers
		}
	}
}

// WithDefaultHandlerTimeout sets the per-event timeout of subscriptions that
// do not choose one.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithLogger sets the kernel logger. Async errors are logged through it
// unless WithAsyncErrorHandler is applied afterwards.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.useLogger(logger)
		}
	}
}

// WithAsyncErrorHandler replaces the sink for handler failures and drops.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithModuleRouting sets the default route and per-module overrides.
func WithModuleRouting(defaultRoute ModuleRoute, routes map[string]ModuleRoute) Option {
	return func(cfg *config) {
		cfg.defaultRoute = ModuleRoute{Sources: slices.Clone(defaultRoute.Sources)}
		cfg.moduleRoutes = make(map[string]ModuleRoute, len(routes))
		for module, route := range routes {
			cfg.moduleRoutes[module] = ModuleRoute{Sources: slices.Clone(route.Sources)}
		}
	}
}

func (c config) routeFor(module string) ModuleRoute {
	if route, found := c.moduleRoutes[module]; found {
		return route
	}

	return c.defaultRoute
}
