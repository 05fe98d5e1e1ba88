package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wordtally/pkg/tally"
)

// moduleRecord is the kernel's bookkeeping for one registered module.
type moduleRecord struct {
	name         string
	module       tally.Module
	capabilities []tally.Capability

	mu            sync.Mutex
	subscriptions []tally.Subscription
}

func (m *moduleRecord) track(subscription tally.Subscription) {
	m.mu.Lock()
	m.subscriptions = append(m.subscriptions, subscription)
	m.mu.Unlock()
}

// closeSubscriptions closes every subscription the module owns. Calling it
// again is a no-op.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.mu.Lock()
	owned := m.subscriptions
	m.subscriptions = nil
	m.mu.Unlock()

	var closeErr error
	for _, subscription := range owned {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime implements tally.ModuleRuntime for one module.
type moduleRuntime struct {
	record   *moduleRecord
	services tally.ServiceRegistry
	bus      tally.EventBus
	route    ModuleRoute
}

// Services returns the kernel service registry.
func (r *moduleRuntime) Services() tally.ServiceRegistry {
	return r.services
}

// Subscribe subscribes the module after checking interest against its
// declared capabilities. The module route narrows the sources.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest tally.InterestSet,
	spec tally.SubscriptionSpec,
	handler tally.EventHandler,
) (tally.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.record.name + "-subscription"
	}
	if !capabilitiesAllow(r.record.capabilities, interest) {
		return nil, fmt.Errorf(
			"module %s subscribe %s: %w: interest not covered by a declared capability",
			r.record.name, spec.Name, tally.ErrInvalidSubscription,
		)
	}
	if len(r.route.Sources) > 0 {
		interest.Sources = r.route.Sources
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.record.name, spec.Name, err)
	}
	r.record.track(subscription)

	return subscription, nil
}

func capabilitiesAllow(capabilities []tally.Capability, interest tally.InterestSet) bool {
	for _, capability := range capabilities {
		if capability.Interest.Allows(interest) {
			return true
		}
	}

	return false
}
