// Package scheduler runs named background tasks that stop with their group.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrGroupStopped reports a task added after Stop.
var ErrGroupStopped = errors.New("scheduler: group stopped")

// Task is one unit of background work. It must return when ctx is done.
type Task func(ctx context.Context) error

// Group owns a set of background tasks sharing one cancellation signal.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	names   map[string]struct{}
	stopped bool
}

// NewGroup creates a Group whose tasks stop when parent is canceled or Stop
// is called.
func NewGroup(parent context.Context, logger *slog.Logger) *Group {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)

	return &Group{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		names:  make(map[string]struct{}),
	}
}

// Every runs task every interval until the group stops. The first run
// happens one interval after Every returns. Task errors and panics are
// logged and the loop continues with the next tick.
func (g *Group) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: task %s: interval must be positive, got %s", name, interval)
	}
	if task == nil {
		return fmt.Errorf("scheduler: task %s: nil task", name)
	}

	return g.spawn(name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := runTask(ctx, name, task); err != nil && ctx.Err() == nil {
					g.logger.WarnContext(ctx, "background task iteration failed", "task", name, "error", err)
				}
			}
		}
	})
}

// Go runs task once in the background.
func (g *Group) Go(name string, task Task) error {
	if task == nil {
		return fmt.Errorf("scheduler: task %s: nil task", name)
	}

	return g.spawn(name, func(ctx context.Context) {
		if err := runTask(ctx, name, task); err != nil && ctx.Err() == nil {
			g.logger.ErrorContext(ctx, "background task failed", "task", name, "error", err)
		}
	})
}

func (g *Group) spawn(name string, loop func(ctx context.Context)) error {
	if name == "" {
		return fmt.Errorf("scheduler: empty task name")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return fmt.Errorf("scheduler: task %s: %w", name, ErrGroupStopped)
	}
	if _, exists := g.names[name]; exists {
		return fmt.Errorf("scheduler: task %s already scheduled", name)
	}
	g.names[name] = struct{}{}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.logger.DebugContext(g.ctx, "background task started", "task", name)
		loop(g.ctx)
		g.logger.DebugContext(g.ctx, "background task stopped", "task", name)
	}()

	return nil
}

// Stop cancels every task and waits for them to return or ctx to end.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// runTask executes task and converts a panic into an error.
func runTask(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("task %s: panic recovered: %v", name, recovered)
		}
	}()

	if err := task(ctx); err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}

	return nil
}
