package wordstats

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"wordtally/internal/stats"
	"wordtally/pkg/tally"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestModuleReplaysBacklogThenIgnoresReplayedLiveMessage(t *testing.T) {
	t.Parallel()

	key := stats.NewChannelKey("tg-main", "7")
	manager := newMemoryManager(stats.Snapshot{
		key: {WordFrequency: map[string]uint64{}, HighWaterMark: 100},
	})
	transport := &fakeTransport{
		backlog: map[string][]tally.Message{
			"7": {
				{ID: "101", Text: "cat cat"},
				{ID: "102", Text: "dog"},
				{ID: "103", Text: "dog"},
			},
		},
		titles: map[string]string{"7": "pets"},
	}
	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	module := startModule(t, testConfig(), manager, fakeDirectory{"tg-main": transport}, WithLogger(logger))

	if err := module.handleReady(context.Background(), readyEvent("tg-main")); err != nil {
		t.Fatalf("handleReady failed: %v", err)
	}
	waitForLive(t, module)

	if output := logs.String(); !strings.Contains(output, `"msg":"channel top words"`) ||
		!strings.Contains(output, `"title":"pets"`) ||
		!strings.Contains(output, `"words":"cat=2 dog=2"`) {
		t.Fatalf("top words not logged after replay:\n%s", output)
	}

	if err := module.handleMessage(context.Background(), messageEvent("tg-main", "7", "102", "fox")); err != nil {
		t.Fatalf("handleMessage failed: %v", err)
	}

	got, ok := module.Store().Tracker(key)
	if !ok {
		t.Fatal("tracker missing after replay")
	}
	want := stats.ChannelTracker{
		MessageCount:  3,
		WordFrequency: map[string]uint64{"cat": 2, "dog": 2},
		HighWaterMark: 103,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tracker mismatch (-want +got):\n%s", diff)
	}

	requests := transport.requestsSnapshot()
	if len(requests) != 1 {
		t.Fatalf("backlog requests = %d, want 1", len(requests))
	}
	if requests[0].AfterMessageID != 100 || requests[0].Limit != 50 {
		t.Fatalf("backlog request = %+v, want after 100 limit 50", requests[0])
	}

	shutdownModule(t, module)
	if diff := cmp.Diff(stats.Snapshot{key: want}, manager.last()); diff != "" {
		t.Fatalf("final dump mismatch (-want +got):\n%s", diff)
	}
}

func TestModuleHoldsLiveMessagesUntilReplayFinishes(t *testing.T) {
	t.Parallel()

	key := stats.NewChannelKey("tg-main", "7")
	release := make(chan struct{})
	transport := &fakeTransport{
		backlog: map[string][]tally.Message{
			"7": {{ID: "11", Text: "alpha"}, {ID: "12", Text: "beta"}},
		},
		block: release,
	}
	cfg := testConfig()
	cfg.TrackedChannels = []TrackedChannel{{Scope: "tg-main", Channel: "7", StartAfter: 10}}
	module := startModule(t, cfg, newMemoryManager(nil), fakeDirectory{"tg-main": transport})

	if err := module.handleReady(context.Background(), readyEvent("tg-main")); err != nil {
		t.Fatalf("handleReady failed: %v", err)
	}
	for _, id := range []string{"12", "13", "14"} {
		if err := module.handleMessage(context.Background(), messageEvent("tg-main", "7", id, "live"+id)); err != nil {
			t.Fatalf("handleMessage %s failed: %v", id, err)
		}
	}

	if got, _ := module.Store().Tracker(key); got.MessageCount != 0 {
		t.Fatalf("message count before replay finished = %d, want 0", got.MessageCount)
	}

	close(release)
	waitForLive(t, module)

	got, _ := module.Store().Tracker(key)
	want := stats.ChannelTracker{
		MessageCount: 4,
		WordFrequency: map[string]uint64{
			"alpha":  1,
			"beta":   1,
			"live13": 1,
			"live14": 1,
		},
		HighWaterMark: 14,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tracker mismatch (-want +got):\n%s", diff)
	}

	shutdownModule(t, module)
}

func TestModuleReplaysOnlyOnce(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	cfg := testConfig()
	cfg.TrackedChannels = []TrackedChannel{{Scope: "tg-main", Channel: "7"}}
	module := startModule(t, cfg, newMemoryManager(nil), fakeDirectory{"tg-main": transport})

	for range 3 {
		if err := module.handleReady(context.Background(), readyEvent("tg-main")); err != nil {
			t.Fatalf("handleReady failed: %v", err)
		}
	}
	waitForLive(t, module)

	if got := len(transport.requestsSnapshot()); got != 1 {
		t.Fatalf("backlog requests = %d, want 1", got)
	}
	if got := module.Store().Lifecycle(); got != stats.LifecycleReady {
		t.Fatalf("lifecycle = %s, want ready", got)
	}

	shutdownModule(t, module)
}

func TestModuleWaitsForEveryTransportBeforeReplay(t *testing.T) {
	t.Parallel()

	first := &fakeTransport{backlog: map[string][]tally.Message{"1": {{ID: "2", Text: "first"}}}}
	second := &fakeTransport{backlog: map[string][]tally.Message{"2": {{ID: "3", Text: "second"}}}}
	cfg := testConfig()
	cfg.ReplayReadyTimeout = time.Minute
	cfg.TrackedChannels = []TrackedChannel{
		{Scope: "tg-a", Channel: "1", StartAfter: 1},
		{Scope: "tg-b", Channel: "2", StartAfter: 2},
	}
	module := startModule(t, cfg, newMemoryManager(nil), fakeDirectory{"tg-a": first, "tg-b": second})

	if err := module.handleReady(context.Background(), readyEvent("tg-a")); err != nil {
		t.Fatalf("handleReady(tg-a) failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(first.requestsSnapshot()); got != 0 {
		t.Fatalf("backlog requests before every transport was ready = %d, want 0", got)
	}
	if got := module.Store().Lifecycle(); got != stats.LifecycleLoading {
		t.Fatalf("lifecycle = %s, want loading", got)
	}

	if err := module.handleReady(context.Background(), readyEvent("tg-b")); err != nil {
		t.Fatalf("handleReady(tg-b) failed: %v", err)
	}
	waitForLive(t, module)

	for _, key := range []stats.ChannelKey{stats.NewChannelKey("tg-a", "1"), stats.NewChannelKey("tg-b", "2")} {
		if got, _ := module.Store().Tracker(key); got.MessageCount != 1 {
			t.Fatalf("tracker %s message count = %d, want 1", key, got.MessageCount)
		}
	}
	if got := heldScopes(module); len(got) != 0 {
		t.Fatalf("deferred scopes = %v, want none", got)
	}

	shutdownModule(t, module)
}

func TestModuleCatchesUpTransportReadyAfterTimeout(t *testing.T) {
	t.Parallel()

	early := stats.NewChannelKey("tg-a", "1")
	late := stats.NewChannelKey("tg-b", "2")
	first := &fakeTransport{backlog: map[string][]tally.Message{"1": {{ID: "11", Text: "early"}}}}
	second := &fakeTransport{
		backlog: map[string][]tally.Message{
			"2": {{ID: "21", Text: "one"}, {ID: "22", Text: "two"}},
		},
	}
	cfg := testConfig()
	cfg.ReplayReadyTimeout = 20 * time.Millisecond
	cfg.TrackedChannels = []TrackedChannel{
		{Scope: "tg-a", Channel: "1", StartAfter: 10},
		{Scope: "tg-b", Channel: "2", StartAfter: 20},
	}
	module := startModule(t, cfg, newMemoryManager(nil), fakeDirectory{"tg-a": first, "tg-b": second})

	if err := module.handleReady(context.Background(), readyEvent("tg-a")); err != nil {
		t.Fatalf("handleReady(tg-a) failed: %v", err)
	}
	waitForLive(t, module)

	if got := len(second.requestsSnapshot()); got != 0 {
		t.Fatalf("late transport requests = %d, want 0", got)
	}
	if diff := cmp.Diff([]string{"tg-b"}, heldScopes(module)); diff != "" {
		t.Fatalf("deferred scopes mismatch (-want +got):\n%s", diff)
	}

	// Live traffic of the late scope must not move its watermark past the
	// missed backlog.
	if err := module.handleMessage(context.Background(), messageEvent("tg-b", "2", "30", "three")); err != nil {
		t.Fatalf("handleMessage(tg-b) failed: %v", err)
	}
	if got, _ := module.Store().Tracker(late); got.HighWaterMark != 20 {
		t.Fatalf("late watermark before catch up = %d, want 20", got.HighWaterMark)
	}
	if err := module.handleMessage(context.Background(), messageEvent("tg-a", "1", "12", "direct")); err != nil {
		t.Fatalf("handleMessage(tg-a) failed: %v", err)
	}
	if got, _ := module.Store().Tracker(early); got.MessageCount != 2 {
		t.Fatalf("early message count = %d, want 2", got.MessageCount)
	}

	if err := module.handleReady(context.Background(), readyEvent("tg-b")); err != nil {
		t.Fatalf("handleReady(tg-b) failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(heldScopes(module)) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("late scope was not caught up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := module.handleReady(context.Background(), readyEvent("tg-b")); err != nil {
		t.Fatalf("repeated handleReady(tg-b) failed: %v", err)
	}

	got, _ := module.Store().Tracker(late)
	want := stats.ChannelTracker{
		MessageCount:  3,
		WordFrequency: map[string]uint64{"one": 1, "two": 1, "three": 1},
		HighWaterMark: 30,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("late tracker mismatch (-want +got):\n%s", diff)
	}
	wantRequests := []tally.BacklogRequest{{ConversationID: "2", AfterMessageID: 20, Limit: 50}}
	if diff := cmp.Diff(wantRequests, second.requestsSnapshot()); diff != "" {
		t.Fatalf("late transport requests mismatch (-want +got):\n%s", diff)
	}

	shutdownModule(t, module)
}

func TestModuleIsolatesFailedChannel(t *testing.T) {
	t.Parallel()

	healthy := stats.NewChannelKey("tg-main", "1")
	transport := &fakeTransport{
		backlog: map[string][]tally.Message{"1": {{ID: "5", Text: "hello"}}},
		failures: map[string]error{
			"2": errors.New("flood wait"),
		},
	}
	cfg := testConfig()
	cfg.TrackedChannels = []TrackedChannel{
		{Scope: "tg-main", Channel: "1"},
		{Scope: "tg-main", Channel: "2"},
		{Scope: "tg-other", Channel: "3"},
	}
	module := startModule(t, cfg, newMemoryManager(nil), fakeDirectory{"tg-main": transport})

	if err := module.handleReady(context.Background(), readyEvent("tg-main")); err != nil {
		t.Fatalf("handleReady failed: %v", err)
	}
	waitForLive(t, module)

	got, _ := module.Store().Tracker(healthy)
	if got.MessageCount != 1 || got.HighWaterMark != 5 {
		t.Fatalf("healthy tracker = %+v, want count 1 hwm 5", got)
	}
	for _, channel := range []string{"2", "3"} {
		scope := "tg-main"
		if channel == "3" {
			scope = "tg-other"
		}
		failed, ok := module.Store().Tracker(stats.NewChannelKey(scope, channel))
		if !ok || failed.MessageCount != 0 || failed.HighWaterMark != 0 {
			t.Fatalf("failed channel %s tracker = %+v, want untouched", channel, failed)
		}
	}

	shutdownModule(t, module)
}

func TestModuleIgnoresUntrackedAndInvalidMessages(t *testing.T) {
	t.Parallel()

	tracked := stats.NewChannelKey("tg-main", "7")
	cfg := testConfig()
	cfg.TrackedChannels = []TrackedChannel{{Scope: "tg-main", Channel: "7"}}
	module := startModule(t, cfg, newMemoryManager(nil), fakeDirectory{"tg-main": &fakeTransport{}})

	if err := module.handleReady(context.Background(), readyEvent("tg-main")); err != nil {
		t.Fatalf("handleReady failed: %v", err)
	}
	waitForLive(t, module)

	tests := []struct {
		name    string
		event   *tally.Event
		wantErr bool
	}{
		{name: "nil event", event: nil},
		{name: "untracked channel", event: messageEvent("tg-main", "8", "1", "elsewhere")},
		{name: "untracked scope", event: messageEvent("tg-other", "7", "1", "elsewhere")},
		{name: "missing conversation", event: messageEvent("tg-main", "", "1", "nowhere")},
		{name: "malformed id", event: messageEvent("tg-main", "7", "abc", "bad"), wantErr: true},
	}

	for _, testCase := range tests {
		err := module.handleMessage(context.Background(), testCase.event)
		if testCase.wantErr && err == nil {
			t.Fatalf("%s: expected error", testCase.name)
		}
		if !testCase.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", testCase.name, err)
		}
	}

	if got := module.Store().Len(); got != 1 {
		t.Fatalf("tracked channels = %d, want 1", got)
	}
	if got, _ := module.Store().Tracker(tracked); got.MessageCount != 0 {
		t.Fatalf("tracked message count = %d, want 0", got.MessageCount)
	}

	shutdownModule(t, module)
}

func TestModuleDropsLiveMessagesBeyondPendingLimit(t *testing.T) {
	t.Parallel()

	key := stats.NewChannelKey("tg-main", "7")
	cfg := testConfig()
	cfg.PendingLimit = 2
	cfg.TrackedChannels = []TrackedChannel{{Scope: "tg-main", Channel: "7"}}
	module := startModule(t, cfg, newMemoryManager(nil), fakeDirectory{"tg-main": &fakeTransport{}})

	for id := 1; id <= 4; id++ {
		event := messageEvent("tg-main", "7", strconv.Itoa(id), "word")
		if err := module.handleMessage(context.Background(), event); err != nil {
			t.Fatalf("handleMessage %d failed: %v", id, err)
		}
	}
	if err := module.handleReady(context.Background(), readyEvent("tg-main")); err != nil {
		t.Fatalf("handleReady failed: %v", err)
	}
	waitForLive(t, module)

	got, _ := module.Store().Tracker(key)
	if got.MessageCount != 2 || got.HighWaterMark != 2 {
		t.Fatalf("tracker = %+v, want count 2 hwm 2", got)
	}

	shutdownModule(t, module)
}

func TestModulePeriodicDump(t *testing.T) {
	t.Parallel()

	manager := newMemoryManager(nil)
	cfg := testConfig()
	cfg.DumpInterval = 10 * time.Millisecond
	cfg.TrackedChannels = []TrackedChannel{{Scope: "tg-main", Channel: "7", StartAfter: 3}}
	module := startModule(t, cfg, manager, fakeDirectory{})

	deadline := time.Now().Add(2 * time.Second)
	for manager.dumpCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("periodic dump did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutdownModule(t, module)

	want := stats.Snapshot{
		stats.NewChannelKey("tg-main", "7"): {WordFrequency: map[string]uint64{}, HighWaterMark: 3},
	}
	if diff := cmp.Diff(want, manager.last()); diff != "" {
		t.Fatalf("dump mismatch (-want +got):\n%s", diff)
	}
}

func TestModuleOnRegisterFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		services map[string]any
		manager  *memoryManager
	}{
		{
			name:     "missing transports",
			services: map[string]any{},
			manager:  newMemoryManager(nil),
		},
		{
			name:     "wrong transports type",
			services: map[string]any{tally.ServiceTransports: "nope"},
			manager:  newMemoryManager(nil),
		},
		{
			name:     "corrupt snapshot",
			services: map[string]any{tally.ServiceTransports: fakeDirectory{}},
			manager:  &memoryManager{loadErr: errors.New("corrupt")},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			module := New(testConfig(), WithManager(testCase.manager))
			err := module.OnRegister(context.Background(), fakeRuntime{services: fakeRegistry(testCase.services)})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReplayRate = 0
	cfg.ReplayFetchTimeout = time.Second

	return cfg
}

func startModule(
	t *testing.T,
	cfg Config,
	manager *memoryManager,
	directory fakeDirectory,
	options ...Option,
) *Module {
	t.Helper()

	module := New(cfg, append([]Option{WithManager(manager)}, options...)...)
	runtime := fakeRuntime{services: fakeRegistry{tally.ServiceTransports: directory}}
	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("OnRegister failed: %v", err)
	}
	if err := module.OnStart(context.Background()); err != nil {
		t.Fatalf("OnStart failed: %v", err)
	}

	return module
}

func shutdownModule(t *testing.T, module *Module) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := module.OnShutdown(ctx); err != nil {
		t.Fatalf("OnShutdown failed: %v", err)
	}
}

func waitForLive(t *testing.T, module *Module) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		module.mu.Lock()
		live := module.live
		module.mu.Unlock()
		if live {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("module did not go live")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func heldScopes(module *Module) []string {
	module.mu.Lock()
	defer module.mu.Unlock()

	return slices.Sorted(maps.Keys(module.deferred))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func readyEvent(source string) *tally.Event {
	return &tally.Event{
		ID:         "ready-" + source,
		Kind:       tally.EventKindTransportReady,
		OccurredAt: time.Unix(1, 0).UTC(),
		Source:     tally.EventSource{Platform: tally.PlatformTelegram, ID: source},
	}
}

func messageEvent(source, conversation, id, text string) *tally.Event {
	return &tally.Event{
		ID:           fmt.Sprintf("msg-%s-%s", conversation, id),
		Kind:         tally.EventKindMessageCreated,
		OccurredAt:   time.Unix(2, 0).UTC(),
		Source:       tally.EventSource{Platform: tally.PlatformTelegram, ID: source},
		Conversation: tally.Conversation{ID: conversation, Type: tally.ConversationTypeGroup},
		Message:      &tally.Message{ID: id, Text: text},
	}
}

type fakeRegistry map[string]any

func (r fakeRegistry) Register(name string, service any) error {
	if _, exists := r[name]; exists {
		return tally.ErrServiceAlreadyRegistered
	}
	r[name] = service

	return nil
}

func (r fakeRegistry) Resolve(name string) (any, error) {
	service, exists := r[name]
	if !exists {
		return nil, tally.ErrServiceNotFound
	}

	return service, nil
}

type fakeRuntime struct {
	services fakeRegistry
}

func (r fakeRuntime) Services() tally.ServiceRegistry {
	return r.services
}

func (fakeRuntime) Subscribe(
	context.Context,
	tally.InterestSet,
	tally.SubscriptionSpec,
	tally.EventHandler,
) (tally.Subscription, error) {
	return nil, errors.New("not supported")
}

type fakeDirectory map[string]*fakeTransport

func (d fakeDirectory) Transport(sourceID string) (tally.Transport, error) {
	transport, ok := d[sourceID]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", sourceID, tally.ErrTransportNotFound)
	}

	return transport, nil
}

func (d fakeDirectory) Sources() []tally.EventSource {
	sources := make([]tally.EventSource, 0, len(d))
	for id := range d {
		sources = append(sources, tally.EventSource{Platform: tally.PlatformTelegram, ID: id})
	}

	return sources
}

type fakeTransport struct {
	backlog  map[string][]tally.Message
	titles   map[string]string
	failures map[string]error
	// block delays every fetch until closed.
	block chan struct{}

	mu       sync.Mutex
	requests []tally.BacklogRequest
}

func (f *fakeTransport) FetchBacklog(ctx context.Context, request tally.BacklogRequest) ([]tally.Message, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.failures[request.ConversationID]; err != nil {
		return nil, err
	}

	return f.backlog[request.ConversationID], nil
}

func (f *fakeTransport) ConversationTitle(_ context.Context, conversationID string) (string, error) {
	title, ok := f.titles[conversationID]
	if !ok {
		return "", errors.New("unknown conversation")
	}

	return title, nil
}

func (f *fakeTransport) requestsSnapshot() []tally.BacklogRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]tally.BacklogRequest(nil), f.requests...)
}

type memoryManager struct {
	mu       sync.Mutex
	snapshot stats.Snapshot
	loadErr  error
	dumps    int
}

func newMemoryManager(snapshot stats.Snapshot) *memoryManager {
	if snapshot == nil {
		snapshot = stats.Snapshot{}
	}

	return &memoryManager{snapshot: snapshot}
}

func (m *memoryManager) Load(context.Context) (stats.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadErr != nil {
		return nil, m.loadErr
	}
	loaded := make(stats.Snapshot, len(m.snapshot))
	for key, tracker := range m.snapshot {
		loaded[key] = tracker.Clone()
	}

	return loaded, nil
}

func (m *memoryManager) Dump(_ context.Context, snapshot stats.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot = snapshot
	m.dumps++

	return nil
}

func (m *memoryManager) Close() error {
	return nil
}

func (m *memoryManager) last() stats.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshot
}

func (m *memoryManager) dumpCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.dumps
}
