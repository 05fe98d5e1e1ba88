package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"wordtally/internal/stats"

	"github.com/google/go-cmp/cmp"
)

func TestFileManagerRoundTripRestoresTrackers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "stats.json")

	first := stats.NewChannelKey("1", "7")
	second := stats.NewChannelKey("1", "9")
	original := stats.NewStore(nil)
	original.Track(first, 100)
	original.Track(second, 0)
	original.Process(first, stats.Message{ID: 101, Body: "cat cat"})
	original.Process(second, stats.Message{ID: 5, Body: "dog"})
	before := original.Snapshot()

	manager, err := NewFileManager(path, nil)
	if err != nil {
		t.Fatalf("NewFileManager() error = %v", err)
	}
	if err := manager.Dump(ctx, before); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}

	restored, err := LoadStore(ctx, manager, nil)
	if err != nil {
		t.Fatalf("LoadStore() error = %v", err)
	}
	if restored.Lifecycle() != stats.LifecycleLoading {
		t.Fatalf("restored lifecycle = %s", restored.Lifecycle())
	}
	if diff := cmp.Diff(before, restored.Snapshot()); diff != "" {
		t.Fatalf("restored trackers mismatch (-want +got):\n%s", diff)
	}
}

func TestFileManagerMissingSnapshotIsEmpty(t *testing.T) {
	t.Parallel()

	manager, err := NewFileManager(filepath.Join(t.TempDir(), "absent.json"), nil)
	if err != nil {
		t.Fatalf("NewFileManager() error = %v", err)
	}

	store, err := LoadStore(context.Background(), manager, nil)
	if err != nil {
		t.Fatalf("LoadStore() error = %v", err)
	}
	if store.Len() != 0 || store.Lifecycle() != stats.LifecycleLoading {
		t.Fatalf("LoadStore() = %d trackers in %s", store.Len(), store.Lifecycle())
	}
}

func TestFileManagerCorruptSnapshotFailsLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stats.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"channels":[`), 0o600); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}
	manager, err := NewFileManager(path, nil)
	if err != nil {
		t.Fatalf("NewFileManager() error = %v", err)
	}

	if _, err := LoadStore(context.Background(), manager, nil); !errors.Is(err, ErrSnapshotCorrupt) {
		t.Fatalf("LoadStore() error = %v, want ErrSnapshotCorrupt", err)
	}
}

func TestFileManagerDumpReplacesWithoutLeavingTempFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	manager, err := NewFileManager(path, nil)
	if err != nil {
		t.Fatalf("NewFileManager() error = %v", err)
	}

	key := stats.NewChannelKey("s", "c")
	for hwm := stats.MessageID(1); hwm <= 3; hwm++ {
		snapshot := stats.Snapshot{key: {MessageCount: 1, WordFrequency: map[string]uint64{"w": 1}, HighWaterMark: hwm}}
		if err := manager.Dump(ctx, snapshot); err != nil {
			t.Fatalf("Dump(%d) error = %v", hwm, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "stats.json" {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Fatalf("dir entries = %v, want only stats.json", names)
	}

	loaded, err := manager.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded[key].HighWaterMark != 3 {
		t.Fatalf("loaded high-water mark = %d, want 3", loaded[key].HighWaterMark)
	}
}

func TestFileManagerFailedDumpKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	manager, err := NewFileManager(path, nil)
	if err != nil {
		t.Fatalf("NewFileManager() error = %v", err)
	}

	key := stats.NewChannelKey("s", "c")
	good := stats.Snapshot{key: {MessageCount: 1, WordFrequency: map[string]uint64{"w": 1}, HighWaterMark: 9}}
	if err := manager.Dump(context.Background(), good); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}

	// an interrupted writer leaves a stray temp file behind
	stray := filepath.Join(dir, ".stats.json.123.tmp")
	if err := os.WriteFile(stray, []byte(`{"version":1,"chan`), 0o600); err != nil {
		t.Fatalf("write stray temp file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	newer := stats.Snapshot{key: {MessageCount: 2, WordFrequency: map[string]uint64{"w": 2}, HighWaterMark: 10}}
	if err := manager.Dump(ctx, newer); !errors.Is(err, ErrSnapshotWrite) {
		t.Fatalf("Dump(canceled) error = %v, want ErrSnapshotWrite", err)
	}

	loaded, err := manager.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(good, loaded); diff != "" {
		t.Fatalf("snapshot after failed dump mismatch (-want +got):\n%s", diff)
	}
}

func TestFileManagerDumpOntoDirectoryFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	if err := os.MkdirAll(filepath.Join(path, "occupied"), 0o750); err != nil {
		t.Fatalf("create blocking directory: %v", err)
	}
	manager, err := NewFileManager(path, nil)
	if err != nil {
		t.Fatalf("NewFileManager() error = %v", err)
	}

	err = manager.Dump(context.Background(), stats.Snapshot{})
	if !errors.Is(err, ErrSnapshotWrite) {
		t.Fatalf("Dump() error = %v, want ErrSnapshotWrite", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %d entries", len(entries))
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	t.Parallel()

	fileManager, err := Open(Config{Path: filepath.Join(t.TempDir(), "s.json")})
	if err != nil {
		t.Fatalf("Open(file) error = %v", err)
	}
	if _, ok := fileManager.(*FileManager); !ok {
		t.Fatalf("Open(default) = %T, want *FileManager", fileManager)
	}

	badgerManager, err := Open(Config{Backend: "Badger", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(badger) error = %v", err)
	}
	t.Cleanup(func() { _ = badgerManager.Close() })
	if _, ok := badgerManager.(*BadgerManager); !ok {
		t.Fatalf("Open(badger) = %T, want *BadgerManager", badgerManager)
	}

	if _, err := Open(Config{Backend: "sqlite", Path: "x"}); err == nil {
		t.Fatal("Open(unsupported) error = nil")
	}
}
