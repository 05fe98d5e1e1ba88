package stats

import (
	"cmp"
	"strings"
)

// ChannelKey names one tracked channel.
//
// Scope is the driver source that owns the channel and Channel is the
// conversation identifier on that driver.
type ChannelKey struct {
	Scope   string
	Channel string
}

// NewChannelKey builds a key from trimmed scope and channel identifiers.
func NewChannelKey(scope, channel string) ChannelKey {
	return ChannelKey{
		Scope:   strings.TrimSpace(scope),
		Channel: strings.TrimSpace(channel),
	}
}

// String renders the key as scope/channel.
func (k ChannelKey) String() string {
	return k.Scope + "/" + k.Channel
}

// IsZero reports whether either identifier is missing.
func (k ChannelKey) IsZero() bool {
	return k.Scope == "" || k.Channel == ""
}

// Compare orders keys by scope, then channel.
func (k ChannelKey) Compare(other ChannelKey) int {
	if c := cmp.Compare(k.Scope, other.Scope); c != 0 {
		return c
	}

	return cmp.Compare(k.Channel, other.Channel)
}
