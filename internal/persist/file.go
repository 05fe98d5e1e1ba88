package persist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wordtally/internal/stats"
)

// FileManager keeps the snapshot in one JSON file replaced atomically.
type FileManager struct {
	path   string
	logger *slog.Logger

	// writeMu serializes dumps so two temp files never race for the rename.
	writeMu sync.Mutex
}

// NewFileManager creates a FileManager for the snapshot at path.
func NewFileManager(path string, logger *slog.Logger) (*FileManager, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("new file manager: empty snapshot path")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FileManager{
		path:   filepath.Clean(path),
		logger: logger,
	}, nil
}

// Load reads and validates the snapshot file.
func (m *FileManager) Load(ctx context.Context) (stats.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", m.path, err)
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.InfoContext(ctx, "no snapshot found, starting empty", "path", m.path)
			return stats.Snapshot{}, nil
		}
		return nil, fmt.Errorf("load snapshot %s: %w", m.path, err)
	}

	snapshot, err := decodeSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", m.path, err)
	}

	return snapshot, nil
}

// Dump writes snapshot to a temp file beside the target, syncs it and
// renames it over the target.
func (m *FileManager) Dump(ctx context.Context, snapshot stats.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSnapshotWrite, m.path, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.writeAtomic(snapshot); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSnapshotWrite, m.path, err)
	}

	return nil
}

func (m *FileManager) writeAtomic(snapshot stats.Snapshot) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	buffered := bufio.NewWriter(tmpFile)
	if err := encodeSnapshot(buffered, snapshot); err != nil {
		return err
	}
	if err := buffered.Flush(); err != nil {
		return fmt.Errorf("flush temp snapshot file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp snapshot file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	success = true

	syncDir(dir, m.logger)

	return nil
}

// syncDir persists the rename. Not every platform supports fsync on
// directories, so failures are only logged.
func syncDir(dir string, logger *slog.Logger) {
	handle, err := os.Open(dir)
	if err != nil {
		logger.Debug("open snapshot dir for sync", "dir", dir, "error", err)
		return
	}
	defer handle.Close()

	if err := handle.Sync(); err != nil {
		logger.Debug("sync snapshot dir", "dir", dir, "error", err)
	}
}

// Close is a no-op; FileManager holds no open handles between calls.
func (m *FileManager) Close() error {
	return nil
}
