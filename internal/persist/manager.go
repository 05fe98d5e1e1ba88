package persist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wordtally/internal/stats"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Manager loads and dumps Store snapshots.
type Manager interface {
	// Load returns the last durable snapshot, or an empty snapshot when none
	// exists. Undecodable data fails with ErrSnapshotCorrupt.
	Load(ctx context.Context) (stats.Snapshot, error)
	// Dump durably replaces the stored snapshot. Failures wrap ErrSnapshotWrite.
	Dump(ctx context.Context, snapshot stats.Snapshot) error
	// Close releases backend resources.
	Close() error
}

// Config selects and configures a snapshot backend.
type Config struct {
	// Backend is BackendFile or BackendBadger. Empty selects BackendFile.
	Backend string
	// Path is the snapshot file for BackendFile and the database directory
	// for BackendBadger.
	Path string
	// Logger receives backend diagnostics.
	Logger *slog.Logger
}

// Open creates the Manager selected by cfg.
func Open(cfg Config) (Manager, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendFile
	}

	switch backend {
	case BackendFile:
		manager, err := NewFileManager(cfg.Path, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("open %s snapshot backend: %w", backend, err)
		}
		return manager, nil
	case BackendBadger:
		badgerCfg := DefaultBadgerConfig()
		badgerCfg.Path = cfg.Path
		badgerCfg.Logger = cfg.Logger
		manager, err := OpenBadgerManager(badgerCfg)
		if err != nil {
			return nil, fmt.Errorf("open %s snapshot backend: %w", backend, err)
		}
		return manager, nil
	default:
		return nil, fmt.Errorf("open snapshot backend: unsupported backend %q", cfg.Backend)
	}
}

// LoadStore restores a Store in stats.LifecycleLoading from manager.
// A missing snapshot yields an empty Store.
func LoadStore(ctx context.Context, manager Manager, tokenizer stats.Tokenizer) (*stats.Store, error) {
	if manager == nil {
		return nil, fmt.Errorf("load store: nil manager")
	}

	snapshot, err := manager.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	return stats.RestoreStore(snapshot, tokenizer), nil
}
