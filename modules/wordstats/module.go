package wordstats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wordtally/internal/lexicon"
	"wordtally/internal/persist"
	"wordtally/internal/replay"
	"wordtally/internal/scheduler"
	"wordtally/internal/stats"
	"wordtally/internal/telemetry"
	"wordtally/pkg/tally"
)

const (
	// ServiceLogger is the service registry key for the shared logger.
	ServiceLogger = tally.ServiceLogger

	dumpTaskName    = "wordstats-dump"
	lexiconTaskName = "wordstats-lexicon"
	replayTaskName  = "wordstats-replay"
	catchUpTaskName = "wordstats-catch-up"

	resultDropped = "dropped"

	topWordsLogged = 5
)

// Option mutates wordstats module configuration.
type Option func(*Module)

// WithLogger sets the module logger. A logger registered in the service
// registry takes precedence.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. A *telemetry.Metrics registered under
// telemetry.ServiceMetrics takes precedence.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(module *Module) {
		module.metrics = metrics
	}
}

// WithManager replaces the snapshot backend selected by Config. The module
// does not close an injected manager.
func WithManager(manager persist.Manager) Option {
	return func(module *Module) {
		module.manager = manager
	}
}

// pendingMessage is a live message held until the replay finished.
type pendingMessage struct {
	key     stats.ChannelKey
	message stats.Message
}

// Module applies chat messages to the statistics Store.
type Module struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	manager     persist.Manager
	ownsManager bool
	lexicon     *lexicon.Lexicon
	store       *stats.Store
	engine      *replay.Engine
	group       *scheduler.Group

	replayStarted atomic.Bool
	// allReady is closed once every transport reported ready.
	allReady chan struct{}
	// liveCh is closed when the startup replay finished.
	liveCh chan struct{}

	mu   sync.Mutex
	live bool
	// awaiting holds transport scopes that have not reported ready.
	awaiting map[string]struct{}
	// deferred holds scopes left out of the startup replay until they are
	// caught up. Their live messages stay held.
	deferred map[string]struct{}
	pending  []pendingMessage
	dropped  int
}

// New creates a wordstats module.
func New(cfg Config, options ...Option) *Module {
	module := &Module{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "wordstats"
}

// Spec declares the live message and transport readiness handlers.
func (m *Module) Spec() tally.ModuleSpec {
	return tally.ModuleSpec{
		Handlers: []tally.ModuleHandler{
			{
				Capability: tally.Capability{
					Name:        "wordstats-messages",
					Description: "counts messages and words of tracked channels",
					Interest: tally.InterestSet{
						Kinds: []tally.EventKind{tally.EventKindMessageCreated},
					},
				},
				Subscription: tally.SubscriptionSpec{
					Name:         "wordstats-messages",
					Workers:      1,
					Backpressure: tally.BackpressureBlock,
				},
				Handler: m.handleMessage,
			},
			{
				Capability: tally.Capability{
					Name:        "wordstats-replay-trigger",
					Description: "replays missed backlog as transports become ready",
					Interest: tally.InterestSet{
						Kinds: []tally.EventKind{tally.EventKindTransportReady},
					},
					RequiredServices: []string{tally.ServiceTransports},
				},
				Subscription: tally.SubscriptionSpec{
					Name:         "wordstats-ready",
					Buffer:       4,
					Workers:      1,
					Backpressure: tally.BackpressureBlock,
				},
				Handler: m.handleReady,
			},
		},
	}
}

// OnRegister restores the Store and prepares the replay engine.
func (m *Module) OnRegister(ctx context.Context, runtime tally.ModuleRuntime) error {
	if err := m.cfg.Validate(); err != nil {
		return fmt.Errorf("wordstats: %w", err)
	}

	logger, err := tally.ResolveAs[*slog.Logger](runtime.Services(), ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, tally.ErrServiceNotFound):
	default:
		return fmt.Errorf("wordstats resolve logger: %w", err)
	}

	metrics, err := tally.ResolveAs[*telemetry.Metrics](runtime.Services(), telemetry.ServiceMetrics)
	switch {
	case err == nil:
		m.metrics = metrics
	case errors.Is(err, tally.ErrServiceNotFound):
	default:
		return fmt.Errorf("wordstats resolve metrics: %w", err)
	}

	transports, err := tally.ResolveAs[tally.TransportDirectory](runtime.Services(), tally.ServiceTransports)
	if err != nil {
		return fmt.Errorf("wordstats resolve transports: %w", err)
	}
	m.awaiting = make(map[string]struct{})
	for _, source := range transports.Sources() {
		if source.ID != "" {
			m.awaiting[source.ID] = struct{}{}
		}
	}
	m.deferred = make(map[string]struct{})
	m.allReady = make(chan struct{})
	if len(m.awaiting) == 0 {
		close(m.allReady)
	}
	m.liveCh = make(chan struct{})

	m.lexicon, err = lexicon.New(ctx, m.cfg.LexiconPath, m.logger)
	if err != nil {
		return fmt.Errorf("wordstats: %w", err)
	}

	m.engine, err = replay.NewEngine(transportFetcher{transports: transports}, replay.Config{
		Limit:        replay.BacklogLimit,
		FetchTimeout: m.cfg.ReplayFetchTimeout,
		Rate:         m.cfg.ReplayRate,
		Logger:       m.logger,
	})
	if err != nil {
		return fmt.Errorf("wordstats: %w", err)
	}

	if m.manager == nil {
		m.manager, err = persist.Open(persist.Config{
			Backend: m.cfg.SnapshotBackend,
			Path:    m.cfg.SnapshotPath,
			Logger:  m.logger,
		})
		if err != nil {
			return fmt.Errorf("wordstats: %w", err)
		}
		m.ownsManager = true
	}

	m.store, err = persist.LoadStore(ctx, m.manager, m.lexicon)
	if err != nil {
		m.closeManager()
		return fmt.Errorf("wordstats: %w", err)
	}

	for _, channel := range m.cfg.TrackedChannels {
		key := stats.NewChannelKey(channel.Scope, channel.Channel)
		if m.store.Track(key, stats.MessageID(channel.StartAfter)) {
			m.logger.InfoContext(ctx, "channel tracked",
				"channel", key.String(),
				"start_after", channel.StartAfter,
			)
		}
	}

	m.metrics.SetTrackedChannels(m.store.Len())
	m.metrics.SetLifecycle(int(m.store.Lifecycle()))
	m.logger.InfoContext(ctx, "wordstats store restored",
		"backend", m.cfg.SnapshotBackend,
		"path", m.cfg.SnapshotPath,
		"channels", m.store.Len(),
	)

	return nil
}

// OnStart starts the persistence and lexicon loops.
//
// ctx only bounds the hook itself, so the loops get their own lifetime that
// ends in OnShutdown.
func (m *Module) OnStart(ctx context.Context) error {
	if m.store == nil {
		return fmt.Errorf("wordstats start: module not registered")
	}

	group := scheduler.NewGroup(context.Background(), m.logger)
	if err := group.Every(dumpTaskName, m.cfg.DumpInterval, m.dump); err != nil {
		return fmt.Errorf("wordstats start: %w", err)
	}
	if m.cfg.LexiconPath != "" {
		if err := group.Every(lexiconTaskName, m.cfg.LexiconRefreshInterval, m.refreshLexicon); err != nil {
			_ = group.Stop(ctx)
			return fmt.Errorf("wordstats start: %w", err)
		}
	}

	m.mu.Lock()
	m.group = group
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "wordstats module started",
		"module", m.Name(),
		"dump_interval", m.cfg.DumpInterval,
		"lexicon_path", m.cfg.LexiconPath,
	)

	return nil
}

// OnShutdown stops the background loops and writes a final snapshot.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.mu.Lock()
	group := m.group
	m.group = nil
	m.mu.Unlock()

	var errs []error
	if group != nil {
		if err := group.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wordstats stop tasks: %w", err))
		}
	}
	if m.store != nil {
		if err := m.dump(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wordstats final dump: %w", err))
		}
	}
	if err := m.closeManager(); err != nil {
		errs = append(errs, err)
	}

	m.logger.InfoContext(ctx, "wordstats module shutdown",
		"module", m.Name(),
		"lifecycle", m.lifecycleName(),
	)

	return errors.Join(errs...)
}

// Store returns the module Store. It is nil before OnRegister.
func (m *Module) Store() *stats.Store {
	return m.store
}

func (m *Module) handleReady(ctx context.Context, event *tally.Event) error {
	if event == nil || event.Kind != tally.EventKindTransportReady {
		return nil
	}
	scope := event.Source.ID

	m.mu.Lock()
	group := m.group
	if group == nil {
		m.mu.Unlock()
		return fmt.Errorf("wordstats replay: module not started")
	}
	_, awaited := m.awaiting[scope]
	if awaited {
		delete(m.awaiting, scope)
		if len(m.awaiting) == 0 {
			close(m.allReady)
		}
	}
	_, deferred := m.deferred[scope]
	remaining := len(m.awaiting)
	m.mu.Unlock()

	switch {
	case awaited && deferred:
		m.logger.InfoContext(ctx, "transport ready after startup replay, catching up",
			"source", scope,
		)
		err := group.Go(catchUpTaskName+"-"+scope, func(ctx context.Context) error {
			return m.catchUp(ctx, scope)
		})
		if err != nil {
			return fmt.Errorf("wordstats catch up %s: %w", scope, err)
		}
	case m.replayStarted.CompareAndSwap(false, true):
		m.logger.InfoContext(ctx, "transport ready, starting replay",
			"source", scope,
			"platform", string(event.Source.Platform),
			"awaiting_transports", remaining,
		)
		if err := group.Go(replayTaskName, m.replay); err != nil {
			return fmt.Errorf("wordstats replay: %w", err)
		}
	case awaited:
		m.logger.InfoContext(ctx, "transport ready", "source", scope, "awaiting_transports", remaining)
	default:
		m.logger.DebugContext(ctx, "transport ready ignored, scope already replayed", "source", scope)
	}

	return nil
}

// replay waits until every transport is ready or the ready timeout passed,
// reconciles the backlog of ready scopes and releases their held messages.
// Scopes still waiting are deferred to catchUp.
func (m *Module) replay(ctx context.Context) error {
	timer := time.NewTimer(m.cfg.ReplayReadyTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-m.allReady:
	case <-timer.C:
	}

	m.mu.Lock()
	for scope := range m.awaiting {
		m.deferred[scope] = struct{}{}
	}
	deferred := maps.Clone(m.deferred)
	m.mu.Unlock()
	if len(deferred) > 0 {
		m.logger.WarnContext(ctx, "transports not ready, their channels catch up once connected",
			"scopes", slices.Sorted(maps.Keys(deferred)),
			"ready_timeout", m.cfg.ReplayReadyTimeout,
		)
	}

	report, err := m.engine.RunWhere(ctx, m.store, func(key stats.ChannelKey) bool {
		_, skip := deferred[key.Scope]
		return !skip
	})
	m.observeReport(report)
	m.metrics.SetLifecycle(int(m.store.Lifecycle()))
	if err != nil {
		return err
	}
	m.logTopWords(ctx, report)

	m.goLive(ctx)

	return nil
}

// catchUp replays a scope that connected after the startup replay and then
// releases its held messages.
func (m *Module) catchUp(ctx context.Context, scope string) error {
	select {
	case <-ctx.Done():
		return nil
	case <-m.liveCh:
	}

	include := func(key stats.ChannelKey) bool {
		return key.Scope == scope
	}
	report, err := m.engine.CatchUp(ctx, m.store, include)
	m.observeReport(report)
	if err != nil {
		return err
	}
	m.logTopWords(ctx, report)

	m.mu.Lock()
	delete(m.deferred, scope)
	released := m.release(include)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "scope caught up", "source", scope, "held_messages", released)

	return nil
}

func (m *Module) observeReport(report replay.Report) {
	for _, channel := range report.Channels {
		m.metrics.ObserveReplayChannel(channel.Err)
		m.metrics.ObserveMessages(telemetry.PathReplay, stats.ApplyApplied.String(), channel.Applied)
		m.metrics.ObserveMessages(telemetry.PathReplay, stats.ApplyDuplicate.String(), channel.Duplicates)
	}
}

func (m *Module) logTopWords(ctx context.Context, report replay.Report) {
	for _, channel := range report.Channels {
		if channel.Err != nil {
			continue
		}
		words := m.store.TopWords(channel.Key, topWordsLogged)
		if len(words) == 0 {
			continue
		}
		ranking := make([]string, 0, len(words))
		for _, word := range words {
			ranking = append(ranking, word.Word+"="+strconv.FormatUint(word.Count, 10))
		}
		m.logger.InfoContext(ctx, "channel top words",
			"channel", channel.Key.String(),
			"title", channel.Title,
			"words", strings.Join(ranking, " "),
		)
	}
}

// goLive applies held messages of replayed scopes in arrival order and
// switches to direct processing. It holds mu for the whole drain so a
// message handled concurrently cannot overtake the held ones.
func (m *Module) goLive(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := m.release(func(key stats.ChannelKey) bool {
		_, held := m.deferred[key.Scope]
		return !held
	})
	m.live = true
	close(m.liveCh)

	m.logger.InfoContext(ctx, "wordstats live",
		"held_messages", released,
		"still_held", len(m.pending),
		"dropped_messages", m.dropped,
	)
}

// release applies the held messages accept selects in arrival order and
// keeps the rest. Requires mu.
func (m *Module) release(accept func(stats.ChannelKey) bool) int {
	kept := m.pending[:0]
	released := 0
	for _, pending := range m.pending {
		if !accept(pending.key) {
			kept = append(kept, pending)
			continue
		}
		m.apply(pending.key, pending.message)
		released++
	}
	clear(m.pending[len(kept):])
	m.pending = kept

	return released
}

func (m *Module) handleMessage(ctx context.Context, event *tally.Event) error {
	if event == nil || event.Kind != tally.EventKindMessageCreated || event.Message == nil {
		return nil
	}

	key := stats.NewChannelKey(event.Source.ID, event.Conversation.ID)
	if key.IsZero() {
		return nil
	}
	id, err := parseMessageID(event.Message.ID)
	if err != nil {
		return fmt.Errorf("wordstats handle message %s: %w", key, err)
	}
	message := stats.Message{ID: id, Body: event.Message.Text}

	m.mu.Lock()
	if _, deferred := m.deferred[key.Scope]; !m.live || deferred {
		m.hold(ctx, key, message)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.apply(key, message)

	return nil
}

// hold queues a message until its scope was replayed. Requires mu.
func (m *Module) hold(ctx context.Context, key stats.ChannelKey, message stats.Message) {
	if len(m.pending) >= m.cfg.PendingLimit {
		m.dropped++
		m.metrics.ObserveMessages(telemetry.PathLive, resultDropped, 1)
		if m.dropped == 1 {
			m.logger.WarnContext(ctx, "pending message limit reached, dropping held live messages",
				"limit", m.cfg.PendingLimit,
				"channel", key.String(),
			)
		}
		return
	}
	m.pending = append(m.pending, pendingMessage{key: key, message: message})
}

func (m *Module) apply(key stats.ChannelKey, message stats.Message) {
	result := m.store.Process(key, message)
	m.metrics.ObserveMessages(telemetry.PathLive, result.String(), 1)
}

func (m *Module) dump(ctx context.Context) error {
	started := time.Now()
	err := m.manager.Dump(ctx, m.store.Snapshot())
	m.metrics.ObserveDump(time.Since(started), err)
	if err != nil {
		return fmt.Errorf("dump snapshot: %w", err)
	}
	m.metrics.SetTrackedChannels(m.store.Len())

	return nil
}

func (m *Module) refreshLexicon(ctx context.Context) error {
	if _, err := m.lexicon.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh lexicon: %w", err)
	}

	return nil
}

func (m *Module) closeManager() error {
	if !m.ownsManager || m.manager == nil {
		return nil
	}
	m.ownsManager = false
	if err := m.manager.Close(); err != nil {
		return fmt.Errorf("wordstats close snapshot backend: %w", err)
	}

	return nil
}

func (m *Module) lifecycleName() string {
	if m.store == nil {
		return "unregistered"
	}

	return m.store.Lifecycle().String()
}
