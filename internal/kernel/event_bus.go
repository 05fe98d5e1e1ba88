package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"wordtally/pkg/tally"
)

// errBusClosed is returned by Publish and Subscribe once Close has run.
var errBusClosed = errors.New("event bus closed")

// subscriptionDefaults fill fields a SubscriptionSpec leaves empty.
type subscriptionDefaults struct {
	buffer         int
	workers        int
	handlerTimeout time.Duration
}

// EventBus fans events out to bounded per-subscriber queues.
//
// Each subscriber owns its queue and worker goroutines, so a slow handler only
// delays its own subscription. With one worker a subscriber sees events in
// publish order.
type EventBus struct {
	defaults subscriptionDefaults
	report   func(context.Context, string, error)

	lastID atomic.Uint64

	mu          sync.RWMutex
	closed      bool
	subscribers map[uint64]*subscriber
}

// NewEventBus creates a bus whose subscriptions default to buffer queue slots,
// workers goroutines and handlerTimeout per event. Handler failures and
// dropped events are passed to report.
func NewEventBus(
	buffer int,
	workers int,
	handlerTimeout time.Duration,
	report func(context.Context, string, error),
) *EventBus {
	return &EventBus{
		defaults: subscriptionDefaults{
			buffer:         buffer,
			workers:        workers,
			handlerTimeout: handlerTimeout,
		},
		report:      report,
		subscribers: make(map[uint64]*subscriber),
	}
}

// Publish validates event and queues it for every interested subscriber.
//
// Drops caused by a full queue are reported asynchronously and do not fail
// the publish. A blocking subscriber whose wait is canceled does.
func (b *EventBus) Publish(ctx context.Context, event *tally.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	targets, err := b.interested(event)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}

	var failures []error
	for _, target := range targets {
		err := target.offer(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, tally.ErrEventDropped), errors.Is(err, tally.ErrSubscriptionClosed):
			b.notify(ctx, target.spec.Name, err)
		default:
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("publish %s: %w", event.Kind, errors.Join(failures...))
	}

	return nil
}

// Subscribe starts a subscriber for events matching interest.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest tally.InterestSet,
	spec tally.SubscriptionSpec,
	handler tally.EventHandler,
) (tally.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}

	id := b.lastID.Add(1)
	spec, err := b.withDefaults(spec, id)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, errBusClosed)
	}
	sub := startSubscriber(id, interest, spec, handler, b)
	b.subscribers[id] = sub

	return sub, nil
}

// Close stops every subscriber and waits for their workers up to ctx.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	clear(b.subscribers)
	b.mu.Unlock()

	var failures []error
	for _, sub := range subs {
		if err := sub.stop(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("close event bus: %w", errors.Join(failures...))
	}

	return nil
}

// interested returns the subscribers whose interest matches event.
func (b *EventBus) interested(event *tally.Event) ([]*subscriber, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, errBusClosed
	}

	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.interest.Matches(event) {
			targets = append(targets, sub)
		}
	}

	return targets, nil
}

func (b *EventBus) withDefaults(spec tally.SubscriptionSpec, id uint64) (tally.SubscriptionSpec, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaults.buffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaults.workers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaults.handlerTimeout
	}
	switch spec.Backpressure {
	case "":
		spec.Backpressure = tally.BackpressureDropNewest
	case tally.BackpressureDropNewest, tally.BackpressureDropOldest, tally.BackpressureBlock:
	default:
		return spec, fmt.Errorf("%w: backpressure %q", tally.ErrInvalidSubscription, spec.Backpressure)
	}
	if spec.Buffer <= 0 || spec.Workers <= 0 {
		return spec, fmt.Errorf("%w: buffer and workers must be positive", tally.ErrInvalidSubscription)
	}

	return spec, nil
}

func (b *EventBus) remove(ctx context.Context, id uint64) error {
	b.mu.Lock()
	sub, found := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()

	if !found {
		return nil
	}

	return sub.stop(ctx)
}

func (b *EventBus) notify(ctx context.Context, scope string, err error) {
	if b.report != nil {
		b.report(ctx, scope, err)
	}
}

// subscriber owns one queue and its worker pool.
type subscriber struct {
	id       uint64
	interest tally.InterestSet
	spec     tally.SubscriptionSpec
	handler  tally.EventHandler
	bus      *EventBus

	queue    chan *tally.Event
	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	workers  sync.WaitGroup
	idle     chan struct{}
}

func startSubscriber(
	id uint64,
	interest tally.InterestSet,
	spec tally.SubscriptionSpec,
	handler tally.EventHandler,
	bus *EventBus,
) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		id: id,
		interest: tally.InterestSet{
			Kinds:   slices.Clone(interest.Kinds),
			Sources: slices.Clone(interest.Sources),
		},
		spec:    spec,
		handler: handler,
		bus:     bus,
		queue:   make(chan *tally.Event, spec.Buffer),
		ctx:     ctx,
		cancel:  cancel,
		idle:    make(chan struct{}),
	}

	for worker := range spec.Workers {
		sub.workers.Go(func() {
			sub.work(worker)
		})
	}
	go func() {
		sub.workers.Wait()
		close(sub.idle)
	}()

	return sub
}

// Name returns the subscription name.
func (s *subscriber) Name() string {
	return s.spec.Name
}

// Close removes the subscription from its bus and waits for its workers.
func (s *subscriber) Close(ctx context.Context) error {
	return s.bus.remove(ctx, s.id)
}

// offer queues event according to the subscription's backpressure policy.
func (s *subscriber) offer(ctx context.Context, event *tally.Event) error {
	if s.stopping.Load() {
		return fmt.Errorf("subscription %s: %w", s.spec.Name, tally.ErrSubscriptionClosed)
	}

	if s.tryPush(event) {
		return nil
	}

	switch s.spec.Backpressure {
	case tally.BackpressureDropOldest:
		select {
		case <-s.queue:
		default:
		}
		if s.tryPush(event) {
			return nil
		}
	case tally.BackpressureBlock:
		select {
		case s.queue <- event:
			return nil
		case <-s.ctx.Done():
			return fmt.Errorf("subscription %s: %w", s.spec.Name, tally.ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("subscription %s: %w", s.spec.Name, ctx.Err())
		}
	}

	return fmt.Errorf("subscription %s: %w", s.spec.Name, tally.ErrEventDropped)
}

func (s *subscriber) tryPush(event *tally.Event) bool {
	select {
	case s.queue <- event:
		return true
	default:
		return false
	}
}

func (s *subscriber) work(worker int) {
	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, worker)
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.deliver(scope, event); err != nil {
				s.bus.notify(s.ctx, s.spec.Name, err)
			}
		}
	}
}

// deliver runs the handler with panic recovery, bounded by the subscription
// timeout when one is set.
func (s *subscriber) deliver(scope string, event *tally.Event) error {
	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.spec.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
	}
	defer cancel()

	if err := runSafely(scope, func() error {
		return s.handler(ctx, event)
	}); err != nil {
		return fmt.Errorf("handle %s %s: %w", event.Kind, event.ID, err)
	}

	return nil
}

// stop cancels the workers and waits for them until ctx ends.
func (s *subscriber) stop(ctx context.Context) error {
	s.stopping.Store(true)
	s.cancel()

	select {
	case <-s.idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
