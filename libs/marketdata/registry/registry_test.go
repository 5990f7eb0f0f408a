package registry

import (
	"context"
	"errors"
	"testing"

	"providerplane/libs/marketdata"
)

type fakeAvailabler struct{ err error }

func (f fakeAvailabler) HealthCheck(ctx context.Context) error { return f.err }

type fakeAlertSink struct {
	alerts []marketdata.Alert
}

func (s *fakeAlertSink) OnAlert(a marketdata.Alert) { s.alerts = append(s.alerts, a) }

func backfillProvider(id marketdata.ProviderId, priority int, instance any) marketdata.RegisteredProvider {
	return marketdata.RegisteredProvider{
		ProviderID:   id,
		Capabilities: marketdata.Capabilities{Kind: marketdata.KindBackfill},
		Priority:     priority,
		Enabled:      true,
		Instance:     instance,
	}
}

func TestRegistry_RegisterAndGetByID(t *testing.T) {
	r := New(nil)
	if err := r.Register(backfillProvider("alpaca", 1, nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	p, ok := r.GetByID("alpaca")
	if !ok || p.ProviderID != "alpaca" {
		t.Fatalf("expected to find alpaca, got %+v, %v", p, ok)
	}
}

func TestRegistry_RegisterDuplicateErrors(t *testing.T) {
	r := New(nil)
	_ = r.Register(backfillProvider("alpaca", 1, nil))
	if err := r.Register(backfillProvider("alpaca", 2, nil)); !errors.Is(err, marketdata.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegistry_DisabledSkippedByGetBestButListedByGetAll(t *testing.T) {
	r := New(nil)
	_ = r.Register(backfillProvider("alpaca", 1, fakeAvailabler{}))
	_ = r.Register(backfillProvider("polygon", 2, fakeAvailabler{}))
	_ = r.Disable(context.Background(), "alpaca", "maintenance")

	best, err := r.GetBestBackfillProvider(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if best.ProviderID != "polygon" {
		t.Fatalf("expected polygon as next-best, got %s", best.ProviderID)
	}

	if len(r.GetAll()) != 2 {
		t.Fatal("expected disabled provider to remain in GetAll")
	}
}

func TestRegistry_GetBestSkipsUnavailableInPriorityOrder(t *testing.T) {
	r := New(nil)
	_ = r.Register(backfillProvider("alpaca", 1, fakeAvailabler{err: errors.New("down")}))
	_ = r.Register(backfillProvider("polygon", 2, fakeAvailabler{}))

	best, err := r.GetBestBackfillProvider(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if best.ProviderID != "polygon" {
		t.Fatalf("expected polygon (alpaca unavailable), got %s", best.ProviderID)
	}
}

func TestRegistry_GetBestReturnsErrorWhenNoneAvailable(t *testing.T) {
	r := New(nil)
	_ = r.Register(backfillProvider("alpaca", 1, fakeAvailabler{err: errors.New("down")}))

	_, err := r.GetBestBackfillProvider(context.Background())
	if !errors.Is(err, marketdata.ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
}

func TestRegistry_DisableStreamingProviderEmitsAlert(t *testing.T) {
	sink := &fakeAlertSink{}
	r := New(sink)
	p := backfillProvider("alpaca", 1, nil)
	p.Capabilities.Kind = marketdata.KindStreaming
	_ = r.Register(p)

	_ = r.Disable(context.Background(), "alpaca", "manual disable")

	if len(sink.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(sink.alerts))
	}
	if sink.alerts[0].ProviderID != "alpaca" {
		t.Fatalf("unexpected alert: %+v", sink.alerts[0])
	}
}

func TestRegistry_UnregisterDisposesInstance(t *testing.T) {
	r := New(nil)
	d := &disposeSpy{}
	_ = r.Register(backfillProvider("alpaca", 1, d))

	if err := r.Unregister("alpaca"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if !d.closed {
		t.Fatal("expected instance to be disposed on unregister")
	}
	if _, ok := r.GetByID("alpaca"); ok {
		t.Fatal("expected alpaca to be gone after unregister")
	}
}

type disposeSpy struct{ closed bool }

func (d *disposeSpy) Close() error { d.closed = true; return nil }

func TestRegistry_Dispose_DisposesAllAndClears(t *testing.T) {
	r := New(nil)
	d1 := &disposeSpy{}
	d2 := &disposeSpy{}
	_ = r.Register(backfillProvider("alpaca", 1, d1))
	_ = r.Register(backfillProvider("polygon", 2, d2))

	r.Dispose()

	if !d1.closed || !d2.closed {
		t.Fatal("expected all instances disposed")
	}
	if len(r.GetAll()) != 0 {
		t.Fatal("expected registry cleared after Dispose")
	}
}

func TestRegistry_GetSummary(t *testing.T) {
	r := New(nil)
	_ = r.Register(backfillProvider("alpaca", 1, nil))
	_ = r.Register(backfillProvider("polygon", 2, nil))
	_ = r.Disable(context.Background(), "polygon", "test")

	summary := r.GetSummary()
	if summary.TotalProviders != 2 || summary.EnabledProviders != 1 || summary.DisabledProviders != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
