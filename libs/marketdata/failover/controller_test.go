package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"providerplane/libs/marketdata"
)

// fakeClient is a minimal StreamingClient test double.
type fakeClient struct {
	mu        sync.Mutex
	connected bool
	subs      []marketdata.Subscription
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) ActiveSubscriptions() []marketdata.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]marketdata.Subscription(nil), f.subs...)
}

func (f *fakeClient) SubscribeTrades(ctx context.Context, symbol string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, marketdata.Subscription{Symbol: symbol, Kind: marketdata.SubscriptionTrade})
	return 1, nil
}

func (f *fakeClient) SubscribeQuotes(ctx context.Context, symbol string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, marketdata.Subscription{Symbol: symbol, Kind: marketdata.SubscriptionQuote})
	return 1, nil
}

func (f *fakeClient) SubscribeDepth(ctx context.Context, symbol string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, marketdata.Subscription{Symbol: symbol, Kind: marketdata.SubscriptionDepth})
	return 1, nil
}

func (f *fakeClient) UnsubscribeTrades(ctx context.Context, symbol string) error {
	return f.remove(symbol, marketdata.SubscriptionTrade)
}

func (f *fakeClient) UnsubscribeQuotes(ctx context.Context, symbol string) error {
	return f.remove(symbol, marketdata.SubscriptionQuote)
}

func (f *fakeClient) UnsubscribeDepth(ctx context.Context, symbol string) error {
	return f.remove(symbol, marketdata.SubscriptionDepth)
}

func (f *fakeClient) remove(symbol string, kind marketdata.SubscriptionKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.subs[:0]
	for _, s := range f.subs {
		if s.Symbol == symbol && s.Kind == kind {
			continue
		}
		out = append(out, s)
	}
	f.subs = out
	return nil
}

type recordingSink struct {
	mu         sync.Mutex
	failovers  []FailoverEvent
	recoveries []RecoveryEvent
}

func (r *recordingSink) OnFailoverOccurred(e FailoverEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failovers = append(r.failovers, e)
}

func (r *recordingSink) OnProviderRecovered(e RecoveryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveries = append(r.recoveries, e)
}

func (r *recordingSink) count() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failovers), len(r.recoveries)
}

func TestController_TriggersFailoverAfterThresholdConsecutiveFailures(t *testing.T) {
	primary := &fakeClient{connected: true, subs: []marketdata.Subscription{{Symbol: "AAPL", Kind: marketdata.SubscriptionTrade}}}
	backup := &fakeClient{connected: true}
	sink := &recordingSink{}

	c := New(map[marketdata.ProviderId]StreamingClient{"A": primary, "B": backup}, sink, time.Hour, nil)
	if err := c.AddRule(marketdata.FailoverRule{RuleID: "r1", PrimaryProviderID: "A", BackupProviderIDs: []marketdata.ProviderId{"B"}, FailoverThreshold: 3}); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	for i := 0; i < 3; i++ {
		c.ReportIssue("A", marketdata.IssueError, "vendor error")
	}

	ctx := context.Background()
	c.tick(ctx)

	failovers, _ := sink.count()
	if failovers != 1 {
		t.Fatalf("expected exactly one FailoverOccurred, got %d", failovers)
	}

	rule, ok := c.Rule("r1")
	if !ok || !rule.IsInFailoverState || rule.CurrentActiveProviderID != "B" {
		t.Fatalf("expected rule in failover state with active provider B, got %+v", rule)
	}

	if len(backup.ActiveSubscriptions()) != 1 {
		t.Fatalf("expected subscription transferred to backup, got %d", len(backup.ActiveSubscriptions()))
	}
	if len(primary.ActiveSubscriptions()) != 1 {
		t.Fatalf("expected source subscription NOT removed during failover (double-publish window), got %d", len(primary.ActiveSubscriptions()))
	}
}

func TestController_DoesNotRefireWhileAlreadyInFailover(t *testing.T) {
	primary := &fakeClient{connected: false}
	backup := &fakeClient{connected: true}
	sink := &recordingSink{}

	c := New(map[marketdata.ProviderId]StreamingClient{"A": primary, "B": backup}, sink, time.Hour, nil)
	c.AddRule(marketdata.FailoverRule{RuleID: "r1", PrimaryProviderID: "A", BackupProviderIDs: []marketdata.ProviderId{"B"}, FailoverThreshold: 3})

	ctx := context.Background()
	c.tick(ctx)
	c.tick(ctx)
	c.tick(ctx)

	failovers, _ := sink.count()
	if failovers != 1 {
		t.Fatalf("expected exactly one FailoverOccurred across repeated ticks, got %d", failovers)
	}
}

func TestController_RecoversAfterConsecutiveSuccesses(t *testing.T) {
	primary := &fakeClient{connected: true}
	backup := &fakeClient{connected: true, subs: []marketdata.Subscription{{Symbol: "AAPL", Kind: marketdata.SubscriptionTrade}}}
	sink := &recordingSink{}

	c := New(map[marketdata.ProviderId]StreamingClient{"A": primary, "B": backup}, sink, time.Hour, nil)
	c.AddRule(marketdata.FailoverRule{
		RuleID: "r1", PrimaryProviderID: "A", BackupProviderIDs: []marketdata.ProviderId{"B"},
		FailoverThreshold: 3, RecoveryThreshold: 5, AutoRecover: true,
		IsInFailoverState: true, CurrentActiveProviderID: "B",
	})

	for i := 0; i < 5; i++ {
		c.ReportSuccess("A")
	}

	ctx := context.Background()
	c.tick(ctx)

	_, recoveries := sink.count()
	if recoveries != 1 {
		t.Fatalf("expected exactly one ProviderRecovered, got %d", recoveries)
	}

	rule, _ := c.Rule("r1")
	if rule.IsInFailoverState {
		t.Fatalf("expected rule to exit failover state after recovery")
	}
	if len(backup.ActiveSubscriptions()) != 0 {
		t.Fatalf("expected backup unsubscribed after recovery transfer-back, got %d", len(backup.ActiveSubscriptions()))
	}
	if len(primary.ActiveSubscriptions()) != 1 {
		t.Fatalf("expected primary resubscribed after recovery, got %d", len(primary.ActiveSubscriptions()))
	}
}

func TestController_NoBackupAvailableLeavesRuleDormant(t *testing.T) {
	primary := &fakeClient{connected: false}
	backup := &fakeClient{connected: false}
	sink := &recordingSink{}

	c := New(map[marketdata.ProviderId]StreamingClient{"A": primary, "B": backup}, sink, time.Hour, nil)
	c.AddRule(marketdata.FailoverRule{RuleID: "r1", PrimaryProviderID: "A", BackupProviderIDs: []marketdata.ProviderId{"B"}, FailoverThreshold: 3})

	c.tick(context.Background())

	failovers, _ := sink.count()
	if failovers != 0 {
		t.Fatalf("expected no failover when no backup is connected, got %d", failovers)
	}
	rule, _ := c.Rule("r1")
	if rule.IsInFailoverState {
		t.Fatalf("expected rule to remain dormant with no available backup")
	}
}

func TestController_ForceFailoverBypassesEvaluation(t *testing.T) {
	primary := &fakeClient{connected: true}
	backup := &fakeClient{connected: true}
	sink := &recordingSink{}

	c := New(map[marketdata.ProviderId]StreamingClient{"A": primary, "B": backup}, sink, time.Hour, nil)
	c.AddRule(marketdata.FailoverRule{RuleID: "r1", PrimaryProviderID: "A", BackupProviderIDs: []marketdata.ProviderId{"B"}})

	if err := c.ForceFailover(context.Background(), "r1", "B"); err != nil {
		t.Fatalf("force failover: %v", err)
	}

	failovers, _ := sink.count()
	if failovers != 1 {
		t.Fatalf("expected forced failover to fire exactly once, got %d", failovers)
	}
}
