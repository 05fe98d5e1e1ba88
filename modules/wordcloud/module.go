// Package wordcloud runs the external word cloud renderer alongside the
// kernel.
package wordcloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wordtally/internal/renderer"
	"wordtally/internal/scheduler"
	"wordtally/internal/telemetry"
	"wordtally/pkg/tally"
)

const rendererTaskName = "wordcloud-renderer"

// Module supervises one renderer process for the lifetime of the kernel.
type Module struct {
	cfg     renderer.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	supervisor *renderer.Supervisor
	group      *scheduler.Group
}

// New creates a word cloud module for cfg.
func New(cfg renderer.Config) *Module {
	return &Module{
		cfg:    cfg,
		logger: slog.Default(),
	}
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "wordcloud"
}

// Spec declares the renderer process capability. The module consumes no
// events.
func (m *Module) Spec() tally.ModuleSpec {
	return tally.ModuleSpec{
		AdditionalCapabilities: []tally.Capability{
			{
				Name:        "wordcloud-renderer",
				Description: "runs the word cloud renderer process",
			},
		},
	}
}

// OnRegister builds the supervisor.
func (m *Module) OnRegister(_ context.Context, runtime tally.ModuleRuntime) error {
	logger, err := tally.ResolveAs[*slog.Logger](runtime.Services(), tally.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, tally.ErrServiceNotFound):
	default:
		return fmt.Errorf("wordcloud resolve logger: %w", err)
	}

	metrics, err := tally.ResolveAs[*telemetry.Metrics](runtime.Services(), telemetry.ServiceMetrics)
	switch {
	case err == nil:
		m.metrics = metrics
	case errors.Is(err, tally.ErrServiceNotFound):
	default:
		return fmt.Errorf("wordcloud resolve metrics: %w", err)
	}

	supervisor, err := renderer.NewSupervisor(m.cfg, m.logger, renderer.WithLineHook(m.countLine))
	if err != nil {
		return fmt.Errorf("wordcloud: %w", err)
	}
	m.supervisor = supervisor

	return nil
}

// OnStart spawns the renderer in the background. Its failures are logged and
// never stop the kernel.
func (m *Module) OnStart(ctx context.Context) error {
	if m.supervisor == nil {
		return fmt.Errorf("wordcloud start: module not registered")
	}

	group := scheduler.NewGroup(context.Background(), m.logger)
	if err := group.Go(rendererTaskName, m.supervisor.Run); err != nil {
		return fmt.Errorf("wordcloud start: %w", err)
	}
	m.group = group

	m.logger.InfoContext(ctx, "wordcloud module started",
		"module", m.Name(),
		"interpreter", m.cfg.Interpreter,
		"script", m.cfg.Script,
	)

	return nil
}

// OnShutdown stops the renderer and waits for its streams to drain.
func (m *Module) OnShutdown(ctx context.Context) error {
	if m.group == nil {
		return nil
	}
	if err := m.group.Stop(ctx); err != nil {
		return fmt.Errorf("wordcloud shutdown: %w", err)
	}
	m.group = nil

	return nil
}

func (m *Module) countLine(stream renderer.Stream, _ string) {
	m.metrics.ObserveRendererLine(string(stream))
}
