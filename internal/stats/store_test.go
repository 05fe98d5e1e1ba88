package stats

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStoreScenarioReplayThenStaleLiveMessage(t *testing.T) {
	t.Parallel()

	key := NewChannelKey("1", "7")
	store := NewStore(nil)
	store.Track(key, 100)

	if err := store.BeginReplay(); err != nil {
		t.Fatalf("BeginReplay() error = %v", err)
	}
	result := store.ApplyBacklog(key, []Message{
		{ID: 101, Body: "cat cat"},
		{ID: 102, Body: "dog"},
		{ID: 103, Body: "dog"},
	})
	if result.Applied != 3 || result.Duplicates != 0 || !result.Tracked {
		t.Fatalf("ApplyBacklog() = %+v", result)
	}
	if err := store.FinishReplay(); err != nil {
		t.Fatalf("FinishReplay() error = %v", err)
	}

	want := ChannelTracker{
		MessageCount:  3,
		WordFrequency: map[string]uint64{"cat": 2, "dog": 2},
		HighWaterMark: 103,
	}
	got, ok := store.Tracker(key)
	if !ok {
		t.Fatal("tracker missing after replay")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tracker after replay mismatch (-want +got):\n%s", diff)
	}

	if res := store.Process(key, Message{ID: 102, Body: "fox"}); res != ApplyDuplicate {
		t.Fatalf("Process(stale) = %s, want duplicate", res)
	}
	got, _ = store.Tracker(key)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tracker after stale live message mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreProcessUntrackedKeyIsNoop(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	store.Track(NewChannelKey("1", "7"), 0)

	untracked := NewChannelKey("1", "8")
	if res := store.Process(untracked, Message{ID: 1, Body: "hi"}); res != ApplyUntracked {
		t.Fatalf("Process() = %s, want untracked", res)
	}
	if res := store.ApplyBacklog(untracked, []Message{{ID: 2, Body: "hi"}}); res.Tracked {
		t.Fatalf("ApplyBacklog() = %+v, want untracked", res)
	}
	if _, ok := store.Tracker(untracked); ok {
		t.Fatal("untracked key gained a tracker")
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
}

func TestStoreTrackIsIdempotent(t *testing.T) {
	t.Parallel()

	key := NewChannelKey("tg-main", "42")
	store := NewStore(nil)

	if !store.Track(key, 5) {
		t.Fatal("first Track() = false")
	}
	store.Process(key, Message{ID: 6, Body: "x"})
	if store.Track(key, 0) {
		t.Fatal("second Track() = true")
	}

	got, _ := store.Tracker(key)
	if got.HighWaterMark != 6 || got.MessageCount != 1 {
		t.Fatalf("re-tracking reset tracker: %+v", got)
	}
}

func TestStoreLifecycleMovesForwardOnly(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	if store.Lifecycle() != LifecycleLoading {
		t.Fatalf("initial lifecycle = %s", store.Lifecycle())
	}
	if err := store.FinishReplay(); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("FinishReplay() from loading error = %v, want ErrLifecycle", err)
	}
	if err := store.BeginReplay(); err != nil {
		t.Fatalf("BeginReplay() error = %v", err)
	}
	if err := store.BeginReplay(); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("second BeginReplay() error = %v, want ErrLifecycle", err)
	}
	if err := store.FinishReplay(); err != nil {
		t.Fatalf("FinishReplay() error = %v", err)
	}
	if store.Lifecycle() != LifecycleReady {
		t.Fatalf("lifecycle = %s, want ready", store.Lifecycle())
	}
	if err := store.BeginReplay(); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("BeginReplay() after ready error = %v, want ErrLifecycle", err)
	}
	if err := store.FinishReplay(); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("FinishReplay() after ready error = %v, want ErrLifecycle", err)
	}
}

func TestStoreReplayAndLiveOverlapMatchesSortedApplication(t *testing.T) {
	t.Parallel()

	vocabulary := []string{"cat", "dog", "fox", "owl", "eel"}
	rng := rand.New(rand.NewPCG(7, 11))

	for trial := 0; trial < 50; trial++ {
		total := 1 + rng.IntN(80)
		messages := make([]Message, total)
		for i := range messages {
			body := ""
			for w := rng.IntN(4); w >= 0; w-- {
				body += vocabulary[rng.IntN(len(vocabulary))] + " "
			}
			messages[i] = Message{ID: MessageID(1000 + i), Body: body}
		}

		key := NewChannelKey("s", fmt.Sprint(trial))
		reference := NewStore(nil)
		reference.Track(key, 999)
		for _, msg := range messages {
			reference.Process(key, msg)
		}

		// replay covers a prefix, live starts anywhere inside it and repeats
		// some messages.
		replayEnd := rng.IntN(total + 1)
		liveStart := rng.IntN(replayEnd + 1)
		live := make([]Message, 0, total)
		for _, msg := range messages[liveStart:] {
			live = append(live, msg)
			if rng.IntN(4) == 0 {
				live = append(live, msg)
			}
		}

		store := NewStore(nil)
		store.Track(key, 999)
		if err := store.BeginReplay(); err != nil {
			t.Fatalf("BeginReplay() error = %v", err)
		}
		store.ApplyBacklog(key, messages[:replayEnd])
		if err := store.FinishReplay(); err != nil {
			t.Fatalf("FinishReplay() error = %v", err)
		}
		for _, msg := range live {
			store.Process(key, msg)
		}

		if diff := cmp.Diff(reference.Snapshot(), store.Snapshot()); diff != "" {
			t.Fatalf("trial %d: merged state mismatch (-want +got):\n%s", trial, diff)
		}
	}
}

func TestStoreSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	key := NewChannelKey("a", "b")
	store := NewStore(nil)
	store.Track(key, 0)
	store.Process(key, Message{ID: 1, Body: "one"})

	snapshot := store.Snapshot()
	tracker := snapshot[key]
	tracker.WordFrequency["one"] = 99
	store.Process(key, Message{ID: 2, Body: "one"})

	got, _ := store.Tracker(key)
	if got.WordFrequency["one"] != 2 {
		t.Fatalf("store observed snapshot mutation: %v", got.WordFrequency)
	}
	if snapshot[key].MessageCount != 1 {
		t.Fatalf("snapshot observed later update: %+v", snapshot[key])
	}
}

func TestStoreTrackedKeysWithWatermarksIsSorted(t *testing.T) {
	t.Parallel()

	store := NewStore(nil)
	store.Track(NewChannelKey("b", "1"), 3)
	store.Track(NewChannelKey("a", "2"), 2)
	store.Track(NewChannelKey("a", "1"), 1)

	want := []Watermark{
		{Key: ChannelKey{Scope: "a", Channel: "1"}, HighWaterMark: 1},
		{Key: ChannelKey{Scope: "a", Channel: "2"}, HighWaterMark: 2},
		{Key: ChannelKey{Scope: "b", Channel: "1"}, HighWaterMark: 3},
	}
	if diff := cmp.Diff(want, store.TrackedKeysWithWatermarks()); diff != "" {
		t.Fatalf("watermarks mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreTopWords(t *testing.T) {
	t.Parallel()

	key := NewChannelKey("a", "b")
	store := NewStore(nil)
	store.Track(key, 0)
	store.Process(key, Message{ID: 1, Body: "b a c a b a"})

	want := []WordCount{{Word: "a", Count: 3}, {Word: "b", Count: 2}}
	if diff := cmp.Diff(want, store.TopWords(key, 2)); diff != "" {
		t.Fatalf("TopWords mismatch (-want +got):\n%s", diff)
	}
	if got := store.TopWords(NewChannelKey("x", "y"), 2); got != nil {
		t.Fatalf("TopWords(untracked) = %v, want nil", got)
	}
}

func TestStoreConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()

	const channels = 8
	const perChannel = 200

	store := NewStore(nil)
	for c := 0; c < channels; c++ {
		store.Track(NewChannelKey("s", fmt.Sprint(c)), 0)
	}

	var wg sync.WaitGroup
	for c := 0; c < channels; c++ {
		key := NewChannelKey("s", fmt.Sprint(c))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= perChannel; i++ {
				store.Process(key, Message{ID: MessageID(i), Body: "w"})
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = store.Snapshot()
				_ = store.TrackedKeysWithWatermarks()
			}
		}()
	}
	wg.Wait()

	for key, tracker := range store.Snapshot() {
		if tracker.MessageCount != perChannel || tracker.HighWaterMark != perChannel {
			t.Fatalf("%s: %+v", key, tracker)
		}
	}
}

func TestRestoreStoreCopiesSnapshot(t *testing.T) {
	t.Parallel()

	key := NewChannelKey("a", "b")
	snapshot := Snapshot{
		key: {MessageCount: 2, WordFrequency: map[string]uint64{"x": 2}, HighWaterMark: 9},
	}
	store := RestoreStore(snapshot, nil)
	snapshot[key].WordFrequency["x"] = 100

	if store.Lifecycle() != LifecycleLoading {
		t.Fatalf("restored lifecycle = %s", store.Lifecycle())
	}
	got, _ := store.Tracker(key)
	if got.WordFrequency["x"] != 2 || got.HighWaterMark != 9 {
		t.Fatalf("restored tracker = %+v", got)
	}
}
