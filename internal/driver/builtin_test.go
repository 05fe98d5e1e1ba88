package driver

import (
	"testing"

	"wordtally/internal/driver/telegram"
)

func TestNewBuiltinRegistryIncludesTelegram(t *testing.T) {
	t.Parallel()

	registry, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("new builtin registry failed: %v", err)
	}

	platform, err := registry.PlatformForType(telegram.DriverType)
	if err != nil {
		t.Fatalf("platform for telegram type failed: %v", err)
	}
	if platform != telegram.DriverPlatform {
		t.Fatalf("platform = %s, want %s", platform, telegram.DriverPlatform)
	}
	if types := registry.Types(); len(types) != 1 || types[0] != telegram.DriverType {
		t.Fatalf("types = %v, want [%s]", types, telegram.DriverType)
	}
}
