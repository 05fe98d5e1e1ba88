package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"wordtally/internal/stats"

	"github.com/dgraph-io/badger/v4"
)

var (
	badgerGenerationPrefix = []byte("gen/")
	badgerVersionKey       = []byte("meta/version")
	badgerGenerationKey    = []byte("meta/generation")
)

// badgerPartSize caps one stored value. Channel records larger than this are
// split across consecutive part keys.
const badgerPartSize = 1 << 20

// BadgerConfig configures a BadgerManager.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the database in memory only.
	InMemory bool
	// SyncWrites fsyncs every committed transaction.
	SyncWrites bool
	// Logger receives badger diagnostics. Nil disables them.
	Logger *slog.Logger
	// GCInterval is the value log garbage collection period. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable production settings.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerManager keeps snapshots in a badger database. Every dump writes a
// new generation of channel records and then switches meta/generation to it
// in one small transaction, so an interrupted dump leaves the previous
// generation readable.
type BadgerManager struct {
	db     *badger.DB
	logger *slog.Logger

	dumpMu sync.Mutex

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// OpenBadgerManager opens the database described by cfg.
func OpenBadgerManager(cfg BadgerConfig) (*BadgerManager, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("open badger manager: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("open badger manager: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger manager: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	manager := &BadgerManager{
		db:     db,
		logger: logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		manager.stopGC = make(chan struct{})
		manager.gcDone = make(chan struct{})
		go manager.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return manager, nil
}

// Load reads the current generation. An empty database is an empty snapshot.
func (m *BadgerManager) Load(ctx context.Context) (stats.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load badger snapshot: %w", err)
	}

	var snapshot stats.Snapshot
	err := m.db.View(func(txn *badger.Txn) error {
		meta, err := readMeta(txn)
		if err != nil {
			return err
		}
		if !meta.found {
			snapshot = stats.Snapshot{}
			return nil
		}

		snapshot, err = readGeneration(txn, meta.generation)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load badger snapshot: %w", err)
	}

	return snapshot, nil
}

type badgerMeta struct {
	generation uint64
	found      bool
}

func readMeta(txn *badger.Txn) (badgerMeta, error) {
	version, hasVersion, err := readCounter(txn, badgerVersionKey)
	if err != nil {
		return badgerMeta{}, err
	}
	generation, hasGeneration, err := readCounter(txn, badgerGenerationKey)
	if err != nil {
		return badgerMeta{}, err
	}
	if hasVersion != hasGeneration {
		return badgerMeta{}, fmt.Errorf("%w: incomplete metadata", ErrSnapshotCorrupt)
	}
	if hasVersion && version != SnapshotVersion {
		return badgerMeta{}, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, version)
	}

	return badgerMeta{generation: generation, found: hasGeneration}, nil
}

func readCounter(txn *badger.Txn, key []byte) (uint64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", key, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", key, err)
	}
	value, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s %q", ErrSnapshotCorrupt, key, raw)
	}

	return value, true, nil
}

// readGeneration joins the parts of every channel record in generation.
// Keys sharing a channel prefix are contiguous in iteration order.
func readGeneration(txn *badger.Txn, generation uint64) (stats.Snapshot, error) {
	prefix := generationPrefix(generation)
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = prefix
	iterator := txn.NewIterator(iterOpts)
	defer iterator.Close()

	snapshot := stats.Snapshot{}
	var (
		owner  string
		buffer []byte
		next   int
	)
	flush := func() error {
		if owner == "" {
			return nil
		}
		record, err := decodeRecord(buffer)
		if err != nil {
			return fmt.Errorf("record %s: %w", owner, err)
		}
		key := stats.ChannelKey{Scope: record.Scope, Channel: record.Channel}
		if owner != string(channelPrefix(generation, key)) {
			return fmt.Errorf("%w: record %s stored under foreign key", ErrSnapshotCorrupt, owner)
		}

		return addRecord(snapshot, record)
	}

	for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
		item := iterator.Item()
		storageKey := string(item.Key())
		split := strings.LastIndexByte(storageKey, '/') + 1
		index, err := strconv.Atoi(storageKey[split:])
		if err != nil || split <= len(prefix) {
			return nil, fmt.Errorf("%w: malformed key %s", ErrSnapshotCorrupt, storageKey)
		}
		if storageKey[:split] != owner {
			if err := flush(); err != nil {
				return nil, err
			}
			owner = storageKey[:split]
			buffer = nil
			next = 0
		}
		if index != next {
			return nil, fmt.Errorf("%w: record %s missing part %d", ErrSnapshotCorrupt, owner, next)
		}
		next++

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", storageKey, err)
		}
		buffer = append(buffer, raw...)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// Dump writes snapshot as a new generation and makes it current. Older
// generations and leftovers of interrupted dumps are removed afterwards.
func (m *BadgerManager) Dump(ctx context.Context, snapshot stats.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: badger: %w", ErrSnapshotWrite, err)
	}

	m.dumpMu.Lock()
	defer m.dumpMu.Unlock()

	if err := m.dump(ctx, snapshot); err != nil {
		return fmt.Errorf("%w: badger: %w", ErrSnapshotWrite, err)
	}

	return nil
}

func (m *BadgerManager) dump(ctx context.Context, snapshot stats.Snapshot) error {
	var current badgerMeta
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		current, err = readMeta(txn)
		return err
	})
	if err != nil {
		return err
	}
	next := current.generation + 1
	if err := m.pruneGenerations(current); err != nil {
		return err
	}

	batch := m.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range snapshot.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := json.Marshal(newChannelRecord(key, snapshot[key]))
		if err != nil {
			return fmt.Errorf("encode record %s: %w", key, err)
		}
		for index, part := range splitParts(raw) {
			if err := batch.Set(partKey(next, key, index), part); err != nil {
				return fmt.Errorf("set record %s: %w", key, err)
			}
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("write generation %d: %w", next, err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerVersionKey, []byte(strconv.Itoa(SnapshotVersion))); err != nil {
			return fmt.Errorf("set version: %w", err)
		}
		if err := txn.Set(badgerGenerationKey, []byte(strconv.FormatUint(next, 10))); err != nil {
			return fmt.Errorf("set generation: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("switch to generation %d: %w", next, err)
	}

	if err := m.pruneGenerations(badgerMeta{generation: next, found: true}); err != nil {
		m.logger.Warn("badger stale generation cleanup failed", "generation", next, "error", err)
	}

	return nil
}

// pruneGenerations deletes every record outside the current generation.
func (m *BadgerManager) pruneGenerations(current badgerMeta) error {
	var keep []byte
	if current.found {
		keep = generationPrefix(current.generation)
	}

	var stale [][]byte
	err := m.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = badgerGenerationPrefix
		iterator := txn.NewIterator(iterOpts)
		defer iterator.Close()

		for iterator.Seek(badgerGenerationPrefix); iterator.ValidForPrefix(badgerGenerationPrefix); iterator.Next() {
			key := iterator.Item().KeyCopy(nil)
			if keep != nil && bytes.HasPrefix(key, keep) {
				continue
			}
			stale = append(stale, key)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("scan stale generations: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	batch := m.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range stale {
		if err := batch.Delete(key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("delete stale generations: %w", err)
	}

	return nil
}

func splitParts(raw []byte) [][]byte {
	parts := make([][]byte, 0, len(raw)/badgerPartSize+1)
	for len(raw) > badgerPartSize {
		parts = append(parts, raw[:badgerPartSize])
		raw = raw[badgerPartSize:]
	}

	return append(parts, raw)
}

func generationPrefix(generation uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/", badgerGenerationPrefix, generation))
}

func channelPrefix(generation uint64, key stats.ChannelKey) []byte {
	return append(generationPrefix(generation), url.PathEscape(key.Scope)+"/"+url.PathEscape(key.Channel)+"/"...)
}

func partKey(generation uint64, key stats.ChannelKey, index int) []byte {
	return append(channelPrefix(generation, key), fmt.Sprintf("%06d", index)...)
}

func (m *BadgerManager) runGC(interval time.Duration, ratio float64) {
	defer close(m.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopGC:
			return
		case <-ticker.C:
			err := m.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				m.logger.Warn("badger value log gc failed", "error", err)
			}
		}
	}
}

// Close stops garbage collection and closes the database.
func (m *BadgerManager) Close() error {
	m.closeOnce.Do(func() {
		if m.stopGC != nil {
			close(m.stopGC)
			<-m.gcDone
		}
		if err := m.db.Close(); err != nil {
			m.closeErr = fmt.Errorf("close badger manager: %w", err)
		}
	})

	return m.closeErr
}
