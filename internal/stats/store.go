package stats

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Lifecycle is the startup phase of a Store.
type Lifecycle int32

const (
	// LifecycleLoading is the state of a freshly loaded Store.
	LifecycleLoading Lifecycle = iota
	// LifecycleReplaying is the state while missed messages are reconciled.
	LifecycleReplaying
	// LifecycleReady is the terminal state in which live messages are applied.
	LifecycleReady
)

// String returns a lowercase state name.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleLoading:
		return "loading"
	case LifecycleReplaying:
		return "replaying"
	case LifecycleReady:
		return "ready"
	default:
		return fmt.Sprintf("lifecycle(%d)", int32(l))
	}
}

// Snapshot is a detached copy of every tracker in a Store.
type Snapshot map[ChannelKey]ChannelTracker

// Keys returns the snapshot keys in deterministic order.
func (s Snapshot) Keys() []ChannelKey {
	keys := make([]ChannelKey, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, ChannelKey.Compare)

	return keys
}

// Watermark pairs a tracked channel with its high-water mark.
type Watermark struct {
	Key           ChannelKey
	HighWaterMark MessageID
}

// BacklogResult summarizes one ApplyBacklog call.
type BacklogResult struct {
	Tracked    bool
	Applied    int
	Duplicates int
}

// WordCount is one entry of a word ranking.
type WordCount struct {
	Word  string
	Count uint64
}

// Store owns all channel trackers and the startup lifecycle.
//
// Writers (Track, Process, ApplyBacklog, lifecycle transitions) exclude every
// other caller; readers share the lock. Lock acquisition never times out.
type Store struct {
	mu        sync.RWMutex
	trackers  map[ChannelKey]*ChannelTracker
	lifecycle Lifecycle
	tokenizer Tokenizer
}

// NewStore creates an empty Store in LifecycleLoading.
// A nil tokenizer splits bodies on whitespace.
func NewStore(tokenizer Tokenizer) *Store {
	if tokenizer == nil {
		tokenizer = whitespaceTokenizer
	}

	return &Store{
		trackers:  make(map[ChannelKey]*ChannelTracker),
		lifecycle: LifecycleLoading,
		tokenizer: tokenizer,
	}
}

// RestoreStore creates a Store in LifecycleLoading holding copies of snapshot trackers.
func RestoreStore(snapshot Snapshot, tokenizer Tokenizer) *Store {
	store := NewStore(tokenizer)
	for key, tracker := range snapshot {
		restored := tracker.Clone()
		store.trackers[key] = &restored
	}

	return store
}

// Track starts tracking key with a high-water mark of after.
// It reports false when the channel was already tracked, leaving it unchanged.
func (s *Store) Track(key ChannelKey, after MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trackers[key]; exists {
		return false
	}
	s.trackers[key] = NewChannelTracker(after)

	return true
}

// Process applies one live message. Callers deliver live messages only
// after FinishReplay.
func (s *Store) Process(key ChannelKey, msg Message) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, exists := s.trackers[key]
	if !exists {
		return ApplyUntracked
	}

	return tracker.Update(msg, s.tokenizer)
}

// ApplyBacklog applies replayed messages of one channel in the given order
// under a single write-lock acquisition.
func (s *Store) ApplyBacklog(key ChannelKey, msgs []Message) BacklogResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, exists := s.trackers[key]
	if !exists {
		return BacklogResult{}
	}

	result := BacklogResult{Tracked: true}
	for _, msg := range msgs {
		if tracker.Update(msg, s.tokenizer) == ApplyApplied {
			result.Applied++
		} else {
			result.Duplicates++
		}
	}

	return result
}

// Snapshot returns a deep copy of all trackers.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(Snapshot, len(s.trackers))
	for key, tracker := range s.trackers {
		snapshot[key] = tracker.Clone()
	}

	return snapshot
}

// TrackedKeysWithWatermarks returns every tracked key with its current
// high-water mark, ordered by key.
func (s *Store) TrackedKeysWithWatermarks() []Watermark {
	s.mu.RLock()
	watermarks := make([]Watermark, 0, len(s.trackers))
	for key, tracker := range s.trackers {
		watermarks = append(watermarks, Watermark{Key: key, HighWaterMark: tracker.HighWaterMark})
	}
	s.mu.RUnlock()

	slices.SortFunc(watermarks, func(a, b Watermark) int {
		return a.Key.Compare(b.Key)
	})

	return watermarks
}

// BeginReplay moves the Store from LifecycleLoading to LifecycleReplaying.
func (s *Store) BeginReplay() error {
	return s.transition(LifecycleLoading, LifecycleReplaying)
}

// FinishReplay moves the Store from LifecycleReplaying to LifecycleReady.
func (s *Store) FinishReplay() error {
	return s.transition(LifecycleReplaying, LifecycleReady)
}

func (s *Store) transition(from, to Lifecycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifecycle != from {
		return fmt.Errorf("%w: %s -> %s while %s", ErrLifecycle, from, to, s.lifecycle)
	}
	s.lifecycle = to

	return nil
}

// Lifecycle returns the current lifecycle state.
func (s *Store) Lifecycle() Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lifecycle
}

// Tracker returns a copy of one tracker.
func (s *Store) Tracker(key ChannelKey) (ChannelTracker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracker, exists := s.trackers[key]
	if !exists {
		return ChannelTracker{}, false
	}

	return tracker.Clone(), true
}

// Len returns the number of tracked channels.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.trackers)
}

// TopWords returns the n most frequent words of key, most frequent first and
// alphabetical among equal counts. A non-positive n returns every word.
func (s *Store) TopWords(key ChannelKey, n int) []WordCount {
	tracker, exists := s.Tracker(key)
	if !exists {
		return nil
	}

	words := make([]WordCount, 0, len(tracker.WordFrequency))
	for word, count := range tracker.WordFrequency {
		words = append(words, WordCount{Word: word, Count: count})
	}
	slices.SortFunc(words, func(a, b WordCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Word, b.Word)
	})
	if n > 0 && len(words) > n {
		words = words[:n]
	}

	return words
}
