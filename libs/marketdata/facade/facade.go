// Package facade implements the Multi-Provider Facade that binds the
// streaming client (C4), provider registry (C5), backfill scheduler
// (C6), and failover controller (C7) together: it exposes a single
// subscribe/unsubscribe surface and surfaces registry/health/scheduler
// metrics to the rest of the process.
//
// Grounded on the teacher's internal/app wiring style (a composition
// root that owns every collaborator's lifecycle and exposes a narrow
// surface to callers), adapted here into a library type rather than a
// process entrypoint since the core is explicitly a library (§6).
package facade

import (
	"context"
	"fmt"
	"sync"

	"providerplane/libs/marketdata"
	"providerplane/libs/marketdata/backfill"
	"providerplane/libs/marketdata/failover"
	"providerplane/libs/marketdata/ratelimit"
	"providerplane/libs/marketdata/registry"
	"providerplane/libs/marketdata/stream"
)

// StreamingClient is the subset of stream.Client the facade drives
// directly: connect/disconnect plus the subscribe surface. Kept as an
// interface so tests can substitute a fake without a real transport.
type StreamingClient interface {
	failover.StreamingClient
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Dispose(ctx context.Context) error
	State() stream.State
}

// Status is a point-in-time snapshot across every bound subsystem,
// surfaced to external monitoring consumers.
type Status struct {
	Registry  registry.Summary
	Scheduler backfill.Statistics
}

// Facade is the Wire: Multi-Provider Facade described in §2. It owns no
// business logic of its own beyond routing: Subscribe/Unsubscribe
// dispatch to the client bound for a given provider id, and Status
// projects a read-only view across the bound subsystems. A caller
// wanting failover-aware routing resolves the rule's
// CurrentActiveProviderID via Failover().Rule(ruleID) first and passes
// that id through.
type Facade struct {
	registry  *registry.Registry
	governor  *ratelimit.Governor
	scheduler *backfill.Scheduler
	failover  *failover.Controller

	mu      sync.RWMutex
	clients map[marketdata.ProviderId]StreamingClient
}

// New binds the four core subsystems into one facade. Each constructor
// argument is expected to already be configured by the caller (the
// core performs no config-file parsing of its own, per §1's scope).
func New(reg *registry.Registry, governor *ratelimit.Governor, scheduler *backfill.Scheduler, fc *failover.Controller) *Facade {
	return &Facade{
		registry:  reg,
		governor:  governor,
		scheduler: scheduler,
		failover:  fc,
		clients:   make(map[marketdata.ProviderId]StreamingClient),
	}
}

// BindClient registers a streaming client for id, making it addressable
// by Subscribe/Unsubscribe. It does not add the client to the failover
// controller, whose client map is fixed when the controller is built.
func (f *Facade) BindClient(id marketdata.ProviderId, client StreamingClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[id] = client
}

// Start connects every bound client and starts the failover controller's
// health-check loop.
func (f *Facade) Start(ctx context.Context) error {
	f.mu.RLock()
	clients := make(map[marketdata.ProviderId]StreamingClient, len(f.clients))
	for id, c := range f.clients {
		clients[id] = c
	}
	f.mu.RUnlock()

	var errs []error
	for id, c := range clients {
		if err := c.Connect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("connect %s: %w", id, err))
		}
	}
	if f.failover != nil {
		f.failover.Start(ctx)
	}
	if len(errs) > 0 {
		return fmt.Errorf("facade start: %d client(s) failed to connect: %v", len(errs), errs)
	}
	return nil
}

// Stop disposes every bound client and stops the failover controller.
func (f *Facade) Stop(ctx context.Context) {
	if f.failover != nil {
		f.failover.Stop()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.clients {
		_ = c.Dispose(ctx)
	}
}

// Subscribe requests kind updates for symbol on provider, returning the
// subscription id.
func (f *Facade) Subscribe(ctx context.Context, provider marketdata.ProviderId, symbol string, kind marketdata.SubscriptionKind) (int64, error) {
	client, err := f.client(provider)
	if err != nil {
		return 0, err
	}
	switch kind {
	case marketdata.SubscriptionTrade:
		return client.SubscribeTrades(ctx, symbol)
	case marketdata.SubscriptionQuote:
		return client.SubscribeQuotes(ctx, symbol)
	case marketdata.SubscriptionDepth:
		return client.SubscribeDepth(ctx, symbol)
	default:
		return 0, fmt.Errorf("facade: unknown subscription kind %v", kind)
	}
}

// Unsubscribe removes symbol's kind subscription on provider.
func (f *Facade) Unsubscribe(ctx context.Context, provider marketdata.ProviderId, symbol string, kind marketdata.SubscriptionKind) error {
	client, err := f.client(provider)
	if err != nil {
		return err
	}
	switch kind {
	case marketdata.SubscriptionTrade:
		return client.UnsubscribeTrades(ctx, symbol)
	case marketdata.SubscriptionQuote:
		return client.UnsubscribeQuotes(ctx, symbol)
	case marketdata.SubscriptionDepth:
		return client.UnsubscribeDepth(ctx, symbol)
	default:
		return fmt.Errorf("facade: unknown subscription kind %v", kind)
	}
}

func (f *Facade) client(id marketdata.ProviderId) (StreamingClient, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.clients[id]
	if !ok {
		return nil, fmt.Errorf("facade: no streaming client bound for provider %q", id)
	}
	return c, nil
}

// Registry exposes the bound provider registry for read access (getById,
// getByCapability, getSummary).
func (f *Facade) Registry() *registry.Registry { return f.registry }

// Scheduler exposes the bound backfill scheduler.
func (f *Facade) Scheduler() *backfill.Scheduler { return f.scheduler }

// Failover exposes the bound failover controller.
func (f *Facade) Failover() *failover.Controller { return f.failover }

// Status returns a point-in-time snapshot across the registry and
// scheduler for monitoring consumers.
func (f *Facade) Status() Status {
	var s Status
	if f.registry != nil {
		s.Registry = f.registry.GetSummary()
	}
	if f.scheduler != nil {
		s.Scheduler = f.scheduler.GetStatistics()
	}
	return s
}
