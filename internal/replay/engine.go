// Package replay reconciles messages missed while the process was down.
//
// The Engine runs once at startup, after the transports report readiness and
// before any live message reaches the Store. Channels of a transport that
// connects later are caught up separately. It copies the tracked watermarks,
// fetches a bounded backlog per channel without holding the Store lock, applies
// each channel's backlog in one write-lock acquisition and finally moves the
// Store to stats.LifecycleReady.
package replay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"wordtally/internal/stats"

	"golang.org/x/time/rate"
)

// BacklogLimit is the maximum number of messages replayed per channel.
// Older missed messages beyond the limit are not recovered.
const BacklogLimit = 50

const defaultFetchTimeout = 15 * time.Second

// ErrNoFetcher reports an Engine built without a backlog source.
var ErrNoFetcher = errors.New("replay: fetcher is required")

// Fetcher is the transport view the Engine needs.
type Fetcher interface {
	// FetchAfter returns up to limit of the most recent messages in key's
	// channel with an id greater than after.
	FetchAfter(ctx context.Context, key stats.ChannelKey, after stats.MessageID, limit int) ([]stats.Message, error)
	// ChannelTitle returns a display name for key.
	ChannelTitle(ctx context.Context, key stats.ChannelKey) (string, error)
}

// Config tunes an Engine.
type Config struct {
	// Limit caps replayed messages per channel. Zero selects BacklogLimit.
	Limit int
	// FetchTimeout bounds one channel's fetch. Zero selects 15s.
	FetchTimeout time.Duration
	// Rate limits fetches per second across channels. Zero disables pacing.
	Rate float64
	// Logger receives replay progress.
	Logger *slog.Logger
}

// ChannelResult describes the replay of one channel.
type ChannelResult struct {
	Key        stats.ChannelKey
	Title      string
	After      stats.MessageID
	Fetched    int
	Applied    int
	Duplicates int
	Err        error
}

// Report summarizes one replay run.
type Report struct {
	Channels []ChannelResult
}

// Applied returns the total number of applied messages.
func (r Report) Applied() int {
	total := 0
	for _, channel := range r.Channels {
		total += channel.Applied
	}

	return total
}

// Failed returns the channels whose fetch failed.
func (r Report) Failed() []ChannelResult {
	failed := make([]ChannelResult, 0)
	for _, channel := range r.Channels {
		if channel.Err != nil {
			failed = append(failed, channel)
		}
	}

	return failed
}

// Engine replays missed messages into a Store.
type Engine struct {
	fetcher      Fetcher
	limit        int
	fetchTimeout time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// NewEngine creates an Engine reading backlog from fetcher.
func NewEngine(fetcher Fetcher, cfg Config) (*Engine, error) {
	if fetcher == nil {
		return nil, ErrNoFetcher
	}
	if cfg.Limit < 0 {
		return nil, fmt.Errorf("new replay engine: negative limit %d", cfg.Limit)
	}
	if cfg.FetchTimeout < 0 {
		return nil, fmt.Errorf("new replay engine: negative fetch timeout %s", cfg.FetchTimeout)
	}
	if cfg.Rate < 0 {
		return nil, fmt.Errorf("new replay engine: negative rate %v", cfg.Rate)
	}

	limit := cfg.Limit
	if limit == 0 {
		limit = BacklogLimit
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = defaultFetchTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		fetcher:      fetcher,
		limit:        limit,
		fetchTimeout: fetchTimeout,
		limiter:      limiter,
		logger:       logger,
	}, nil
}

// Run replays every tracked channel of store and finishes the replay.
//
// The store must be in stats.LifecycleLoading. A failed fetch is recorded in
// the report and does not stop the remaining channels. Context cancellation
// aborts the run and leaves the store in stats.LifecycleReplaying.
func (e *Engine) Run(ctx context.Context, store *stats.Store) (Report, error) {
	return e.RunWhere(ctx, store, nil)
}

// RunWhere is Run limited to the channels include accepts. A nil include
// accepts every channel. Skipped channels keep their watermark and can be
// replayed later with CatchUp.
func (e *Engine) RunWhere(ctx context.Context, store *stats.Store, include func(stats.ChannelKey) bool) (Report, error) {
	if store == nil {
		return Report{}, fmt.Errorf("replay: nil store")
	}
	if err := store.BeginReplay(); err != nil {
		return Report{}, fmt.Errorf("replay: %w", err)
	}

	report, err := e.replay(ctx, store, include)
	if err != nil {
		return report, err
	}

	if err := store.FinishReplay(); err != nil {
		return report, fmt.Errorf("replay: %w", err)
	}
	e.logger.InfoContext(ctx, "replay finished",
		"channels", len(report.Channels),
		"applied", report.Applied(),
		"failed", len(report.Failed()),
	)

	return report, nil
}

// CatchUp replays the channels include accepts into a store that already
// finished its startup replay. The caller must keep live messages of those
// channels away from the store until CatchUp returns.
func (e *Engine) CatchUp(ctx context.Context, store *stats.Store, include func(stats.ChannelKey) bool) (Report, error) {
	if store == nil {
		return Report{}, fmt.Errorf("replay: nil store")
	}
	if lifecycle := store.Lifecycle(); lifecycle != stats.LifecycleReady {
		return Report{}, fmt.Errorf("replay catch up in %s: %w", lifecycle, stats.ErrLifecycle)
	}

	report, err := e.replay(ctx, store, include)
	if err != nil {
		return report, err
	}
	e.logger.InfoContext(ctx, "catch up finished",
		"channels", len(report.Channels),
		"applied", report.Applied(),
		"failed", len(report.Failed()),
	)

	return report, nil
}

func (e *Engine) replay(ctx context.Context, store *stats.Store, include func(stats.ChannelKey) bool) (Report, error) {
	watermarks := store.TrackedKeysWithWatermarks()
	if include != nil {
		watermarks = slices.DeleteFunc(watermarks, func(watermark stats.Watermark) bool {
			return !include(watermark.Key)
		})
	}
	e.logger.InfoContext(ctx, "replay started", "channels", len(watermarks), "limit", e.limit)

	report := Report{Channels: make([]ChannelResult, 0, len(watermarks))}
	for _, watermark := range watermarks {
		if err := e.limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("replay %s: %w", watermark.Key, err)
		}
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("replay %s: %w", watermark.Key, err)
		}

		result := e.replayChannel(ctx, store, watermark)
		if result.Err != nil && ctx.Err() != nil {
			return report, fmt.Errorf("replay %s: %w", watermark.Key, ctx.Err())
		}
		report.Channels = append(report.Channels, result)
	}

	return report, nil
}

func (e *Engine) replayChannel(ctx context.Context, store *stats.Store, watermark stats.Watermark) ChannelResult {
	result := ChannelResult{
		Key:   watermark.Key,
		Title: e.channelTitle(ctx, watermark.Key),
		After: watermark.HighWaterMark,
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	messages, err := e.fetcher.FetchAfter(fetchCtx, watermark.Key, watermark.HighWaterMark, e.limit)
	cancel()
	if err != nil {
		result.Err = fmt.Errorf("fetch backlog: %w", err)
		e.logger.WarnContext(ctx, "replay fetch failed, channel skipped",
			"channel", watermark.Key.String(),
			"title", result.Title,
			"after", uint64(watermark.HighWaterMark),
			"error", err,
		)
		return result
	}

	backlog := normalizeBacklog(messages, watermark.HighWaterMark, e.limit)
	result.Fetched = len(messages)

	applied := store.ApplyBacklog(watermark.Key, backlog)
	result.Applied = applied.Applied
	result.Duplicates = applied.Duplicates + (len(messages) - len(backlog))

	e.logger.InfoContext(ctx, "channel replayed",
		"channel", watermark.Key.String(),
		"title", result.Title,
		"after", uint64(watermark.HighWaterMark),
		"fetched", result.Fetched,
		"applied", result.Applied,
	)

	return result
}

func (e *Engine) channelTitle(ctx context.Context, key stats.ChannelKey) string {
	titleCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	title, err := e.fetcher.ChannelTitle(titleCtx, key)
	if err != nil {
		e.logger.DebugContext(ctx, "channel title lookup failed", "channel", key.String(), "error", err)
		return key.String()
	}
	if title == "" {
		return key.String()
	}

	return title
}

// normalizeBacklog orders messages oldest first, drops ids at or below after
// and keeps the newest limit of the rest.
func normalizeBacklog(messages []stats.Message, after stats.MessageID, limit int) []stats.Message {
	backlog := make([]stats.Message, 0, len(messages))
	for _, message := range messages {
		if message.ID > after {
			backlog = append(backlog, message)
		}
	}
	slices.SortStableFunc(backlog, func(a, b stats.Message) int {
		return cmp.Compare(a.ID, b.ID)
	})
	if len(backlog) > limit {
		backlog = backlog[len(backlog)-limit:]
	}

	return backlog
}
