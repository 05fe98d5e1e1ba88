package driver

import (
	"context"
	"fmt"
	"log/slog"

	"wordtally/internal/driver/telegram"
)

// NewBuiltinRegistry constructs the registry with every bundled driver type.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type:     telegram.DriverType,
			Platform: telegram.DriverPlatform,
			Builder:  buildTelegram,
		},
	})
}

func buildTelegram(_ context.Context, definition Definition, logger *slog.Logger) (Runtime, error) {
	source, driver, transport, err := telegram.BuildRuntimeFromConfig(definition.Name, logger, definition.Config)
	if err != nil {
		return Runtime{}, fmt.Errorf("build telegram runtime: %w", err)
	}

	return Runtime{Source: source, Driver: driver, Transport: transport}, nil
}
