// Package registry implements the provider registry (C5): a thread-safe,
// capability-indexed directory of every registered provider.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"providerplane/libs/marketdata"
	"providerplane/libs/observability"
)

// Disposable is implemented by a provider instance that owns resources
// needing an orderly shutdown.
type Disposable interface {
	Close() error
}

// Availabler is implemented by a provider instance capable of reporting
// its own health; getBest* treats an error return as "not available".
type Availabler interface {
	HealthCheck(ctx context.Context) error
}

// Summary is the registry's read-only snapshot for observability/UI
// consumers.
type Summary struct {
	TotalProviders    int
	EnabledProviders  int
	DisabledProviders int
	ByKind            map[marketdata.ProviderKind]int
}

// Registry is the process-wide, capability-indexed directory of
// registered providers. It is safe for concurrent reads and writes;
// writers serialize via a single mutex (RCU-style: readers never block
// on other readers).
type Registry struct {
	mu        sync.RWMutex
	providers map[marketdata.ProviderId]*marketdata.RegisteredProvider
	alerts    marketdata.AlertSink
	now       func() time.Time
}

// New builds an empty Registry. alerts may be nil to drop disable
// notifications silently.
func New(alerts marketdata.AlertSink) *Registry {
	return &Registry{
		providers: make(map[marketdata.ProviderId]*marketdata.RegisteredProvider),
		alerts:    alerts,
		now:       time.Now,
	}
}

// Register adds provider to the directory. Returns marketdata.ErrAlreadyRegistered
// if its id is already present.
func (r *Registry) Register(provider marketdata.RegisteredProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[provider.ProviderID]; exists {
		return marketdata.ErrAlreadyRegistered
	}
	p := provider
	r.providers[provider.ProviderID] = &p
	return nil
}

// Unregister removes id from the directory, disposing its instance if it
// implements Disposable. Disposal errors are swallowed so other
// providers can still be unregistered.
func (r *Registry) Unregister(id marketdata.ProviderId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return marketdata.ErrUnknownProvider
	}
	if closer, ok := p.Instance.(Disposable); ok {
		_ = closer.Close()
	}
	delete(r.providers, id)
	return nil
}

// Enable flips id's enabled flag on.
func (r *Registry) Enable(id marketdata.ProviderId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return marketdata.ErrUnknownProvider
	}
	p.Enabled = true
	return nil
}

// Disable flips id's enabled flag off and emits a monitoring alert when
// the provider is capability-streaming, since a disabled streaming
// provider is operationally significant.
func (r *Registry) Disable(ctx context.Context, id marketdata.ProviderId, reason string) error {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return marketdata.ErrUnknownProvider
	}
	p.Enabled = false
	isStreaming := p.Capabilities.Kind == marketdata.KindStreaming || p.Capabilities.Kind == marketdata.KindHybrid
	r.mu.Unlock()

	if isStreaming && r.alerts != nil {
		r.alerts.OnAlert(marketdata.Alert{
			ProviderID: id,
			Kind:       "provider_disabled",
			Message:    reason,
			At:         r.now(),
		})
	}
	return nil
}

// GetByID returns the registered entry for id, if present.
func (r *Registry) GetByID(id marketdata.ProviderId) (marketdata.RegisteredProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return marketdata.RegisteredProvider{}, false
	}
	return *p, true
}

// GetAll returns every registered provider, enabled or not.
func (r *Registry) GetAll() []marketdata.RegisteredProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]marketdata.RegisteredProvider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, *p)
	}
	return out
}

// GetByCapability returns every enabled registered provider for which
// predicate returns true; disabled providers are left out (GetAll still
// lists them).
func (r *Registry) GetByCapability(predicate func(marketdata.Capabilities) bool) []marketdata.RegisteredProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []marketdata.RegisteredProvider
	for _, p := range r.providers {
		if p.Enabled && predicate(p.Capabilities) {
			out = append(out, *p)
		}
	}
	return out
}

func (r *Registry) enabledByPriority(predicate func(marketdata.Capabilities) bool) []*marketdata.RegisteredProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*marketdata.RegisteredProvider
	for _, p := range r.providers {
		if !p.Enabled || !predicate(p.Capabilities) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// GetBestBackfillProvider returns the first enabled backfill-capable
// provider in priority order whose availability check succeeds.
func (r *Registry) GetBestBackfillProvider(ctx context.Context) (marketdata.RegisteredProvider, error) {
	return r.getBest(ctx, func(c marketdata.Capabilities) bool {
		return c.Kind == marketdata.KindBackfill || c.Kind == marketdata.KindHybrid
	})
}

// GetBestSymbolSearchProvider returns the first enabled symbol-search
// capable provider in priority order whose availability check succeeds.
func (r *Registry) GetBestSymbolSearchProvider(ctx context.Context) (marketdata.RegisteredProvider, error) {
	return r.getBest(ctx, func(c marketdata.Capabilities) bool {
		return c.SupportsSymbolSearch
	})
}

func (r *Registry) getBest(ctx context.Context, predicate func(marketdata.Capabilities) bool) (marketdata.RegisteredProvider, error) {
	for _, p := range r.enabledByPriority(predicate) {
		if avail, ok := p.Instance.(Availabler); ok {
			if err := avail.HealthCheck(ctx); err != nil {
				observability.LogEvent(ctx, "debug", "provider_not_available", map[string]any{
					"provider_id": p.ProviderID,
					"error":       err.Error(),
				})
				continue
			}
		}
		return *p, nil
	}
	return marketdata.RegisteredProvider{}, marketdata.ErrNoProviderAvailable
}

// GetSummary returns a point-in-time count snapshot.
func (r *Registry) GetSummary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{ByKind: make(map[marketdata.ProviderKind]int)}
	for _, p := range r.providers {
		s.TotalProviders++
		if p.Enabled {
			s.EnabledProviders++
		} else {
			s.DisabledProviders++
		}
		s.ByKind[p.Capabilities.Kind]++
	}
	return s
}

// Dispose tears down every registered provider (swallowing individual
// disposal errors so the rest still get a chance) and clears the
// directory.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		if closer, ok := p.Instance.(Disposable); ok {
			_ = closer.Close()
		}
	}
	r.providers = make(map[marketdata.ProviderId]*marketdata.RegisteredProvider)
}
