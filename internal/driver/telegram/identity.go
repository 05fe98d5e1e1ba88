package telegram

import "wordtally/pkg/tally"

const (
	// DriverType is the configured driver type token for the Telegram runtime.
	DriverType = "telegram"
	// DriverPlatform is the platform stamped on every Telegram event.
	DriverPlatform tally.Platform = tally.PlatformTelegram
)
