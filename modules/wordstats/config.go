package wordstats

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"wordtally/internal/persist"
)

const (
	defaultSnapshotPath           = "data/stats.json"
	defaultDumpInterval           = 60 * time.Second
	defaultReplayRate             = 2
	defaultReplayFetchTimeout     = 15 * time.Second
	defaultReplayReadyTimeout     = 30 * time.Second
	defaultLexiconRefreshInterval = 60 * time.Second
	defaultPendingLimit           = 10000
)

// Config configures the wordstats module.
type Config struct {
	// SnapshotBackend is persist.BackendFile or persist.BackendBadger.
	SnapshotBackend string
	// SnapshotPath is the snapshot file or badger directory.
	SnapshotPath string
	// DumpInterval is the period of the persistence loop.
	DumpInterval time.Duration
	// ReplayRate paces backlog fetches per second. Zero disables pacing.
	ReplayRate float64
	// ReplayFetchTimeout bounds one channel's backlog fetch.
	ReplayFetchTimeout time.Duration
	// ReplayReadyTimeout is how long the startup replay waits for every
	// transport after the first one reported ready. Late transports are
	// caught up when they connect.
	ReplayReadyTimeout time.Duration
	// LexiconPath is the YAML word list file. Empty uses built-in defaults.
	LexiconPath string
	// LexiconRefreshInterval is the period of the lexicon refresh loop.
	LexiconRefreshInterval time.Duration
	// PendingLimit caps live messages held while the replay runs.
	PendingLimit int
	// TrackedChannels are tracked on startup when the snapshot lacks them.
	TrackedChannels []TrackedChannel
}

// TrackedChannel opts one channel into statistics.
type TrackedChannel struct {
	Scope      string
	Channel    string
	StartAfter uint64
}

type fileConfig struct {
	SnapshotBackend        string               `json:"snapshot_backend"`
	SnapshotPath           string               `json:"snapshot_path"`
	DumpInterval           string               `json:"dump_interval"`
	ReplayRate             *float64             `json:"replay_rate"`
	ReplayFetchTimeout     string               `json:"replay_fetch_timeout"`
	ReplayReadyTimeout     string               `json:"replay_ready_timeout"`
	LexiconPath            string               `json:"lexicon_path"`
	LexiconRefreshInterval string               `json:"lexicon_refresh_interval"`
	PendingLimit           *int                 `json:"pending_limit"`
	TrackedChannels        []fileTrackedChannel `json:"tracked_channels"`
}

type fileTrackedChannel struct {
	Scope      string `json:"scope"`
	Channel    string `json:"channel"`
	StartAfter uint64 `json:"start_after"`
}

// DefaultConfig returns the configuration used for omitted fields.
func DefaultConfig() Config {
	return Config{
		SnapshotBackend:        persist.BackendFile,
		SnapshotPath:           defaultSnapshotPath,
		DumpInterval:           defaultDumpInterval,
		ReplayRate:             defaultReplayRate,
		ReplayFetchTimeout:     defaultReplayFetchTimeout,
		ReplayReadyTimeout:     defaultReplayReadyTimeout,
		LexiconRefreshInterval: defaultLexiconRefreshInterval,
		PendingLimit:           defaultPendingLimit,
	}
}

// ParseConfig decodes the "stats" configuration section. Unknown fields are
// rejected and an empty payload yields DefaultConfig.
func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var parsed fileConfig
	if err := decoder.Decode(&parsed); err != nil {
		return Config{}, fmt.Errorf("parse wordstats config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse wordstats config: trailing data")
	}

	if backend := strings.TrimSpace(parsed.SnapshotBackend); backend != "" {
		cfg.SnapshotBackend = strings.ToLower(backend)
	}
	if path := strings.TrimSpace(parsed.SnapshotPath); path != "" {
		cfg.SnapshotPath = path
	}
	cfg.LexiconPath = strings.TrimSpace(parsed.LexiconPath)
	if parsed.ReplayRate != nil {
		cfg.ReplayRate = *parsed.ReplayRate
	}
	if parsed.PendingLimit != nil {
		cfg.PendingLimit = *parsed.PendingLimit
	}

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{field: "dump_interval", raw: parsed.DumpInterval, target: &cfg.DumpInterval},
		{field: "replay_fetch_timeout", raw: parsed.ReplayFetchTimeout, target: &cfg.ReplayFetchTimeout},
		{field: "replay_ready_timeout", raw: parsed.ReplayReadyTimeout, target: &cfg.ReplayReadyTimeout},
		{field: "lexicon_refresh_interval", raw: parsed.LexiconRefreshInterval, target: &cfg.LexiconRefreshInterval},
	}
	for _, duration := range durations {
		rawDuration := strings.TrimSpace(duration.raw)
		if rawDuration == "" {
			continue
		}
		parsedDuration, err := time.ParseDuration(rawDuration)
		if err != nil {
			return Config{}, fmt.Errorf("parse wordstats config %s: %w", duration.field, err)
		}
		*duration.target = parsedDuration
	}

	cfg.TrackedChannels = make([]TrackedChannel, 0, len(parsed.TrackedChannels))
	for _, channel := range parsed.TrackedChannels {
		cfg.TrackedChannels = append(cfg.TrackedChannels, TrackedChannel{
			Scope:      strings.TrimSpace(channel.Scope),
			Channel:    strings.TrimSpace(channel.Channel),
			StartAfter: channel.StartAfter,
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks wordstats config coherence.
func (cfg Config) Validate() error {
	switch cfg.SnapshotBackend {
	case persist.BackendFile, persist.BackendBadger:
	default:
		return fmt.Errorf("validate wordstats config: unsupported snapshot_backend %q", cfg.SnapshotBackend)
	}
	if cfg.SnapshotPath == "" {
		return fmt.Errorf("validate wordstats config: snapshot_path is required")
	}
	if cfg.DumpInterval <= 0 {
		return fmt.Errorf("validate wordstats config: dump_interval must be > 0")
	}
	if cfg.ReplayRate < 0 {
		return fmt.Errorf("validate wordstats config: replay_rate must be >= 0")
	}
	if cfg.ReplayFetchTimeout <= 0 {
		return fmt.Errorf("validate wordstats config: replay_fetch_timeout must be > 0")
	}
	if cfg.ReplayReadyTimeout <= 0 {
		return fmt.Errorf("validate wordstats config: replay_ready_timeout must be > 0")
	}
	if cfg.LexiconRefreshInterval <= 0 {
		return fmt.Errorf("validate wordstats config: lexicon_refresh_interval must be > 0")
	}
	if cfg.PendingLimit <= 0 {
		return fmt.Errorf("validate wordstats config: pending_limit must be > 0")
	}

	seen := make(map[string]struct{}, len(cfg.TrackedChannels))
	for index, channel := range cfg.TrackedChannels {
		if channel.Scope == "" || channel.Channel == "" {
			return fmt.Errorf("validate wordstats config tracked_channels[%d]: scope and channel are required", index)
		}
		id := channel.Scope + "/" + channel.Channel
		if _, duplicate := seen[id]; duplicate {
			return fmt.Errorf("validate wordstats config tracked_channels[%d]: duplicate channel %s", index, id)
		}
		seen[id] = struct{}{}
	}

	return nil
}
