package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"providerplane/libs/marketdata"
	"providerplane/libs/observability"
)

const (
	defaultFailoverThreshold = 3
	defaultRecoveryThreshold = 5
	defaultHealthCheckEvery  = 10 * time.Second
)

// StreamingClient is the subset of stream.Client the failover controller
// needs: connection status and the subscribe/unsubscribe surface used to
// transfer subscriptions between providers during a swap.
type StreamingClient interface {
	Connected() bool
	ActiveSubscriptions() []marketdata.Subscription
	SubscribeTrades(ctx context.Context, symbol string) (int64, error)
	SubscribeQuotes(ctx context.Context, symbol string) (int64, error)
	SubscribeDepth(ctx context.Context, symbol string) (int64, error)
	UnsubscribeTrades(ctx context.Context, symbol string) error
	UnsubscribeQuotes(ctx context.Context, symbol string) error
	UnsubscribeDepth(ctx context.Context, symbol string) error
}

// FailoverEvent is fired when executeFailover swaps a rule's active
// provider.
type FailoverEvent struct {
	RuleID         string
	FromProviderID marketdata.ProviderId
	ToProviderID   marketdata.ProviderId
	Reason         string
	At             time.Time
	TransferErrors []error
}

// RecoveryEvent is fired when executeRecovery transfers subscriptions
// back to the primary.
type RecoveryEvent struct {
	RuleID         string
	ProviderID     marketdata.ProviderId
	At             time.Time
	TransferErrors []error
}

// EventSink receives failover/recovery notifications.
type EventSink interface {
	OnFailoverOccurred(FailoverEvent)
	OnProviderRecovered(RecoveryEvent)
}

// Controller runs the health-monitoring loop described in §4.7: a single
// periodic task evaluates every rule and swaps primary/backup providers
// on health signals, transferring subscriptions as it goes.
type Controller struct {
	health *HealthTracker
	sink   EventSink
	clock  func() time.Time

	clients map[marketdata.ProviderId]StreamingClient

	rulesMu sync.RWMutex
	rules   map[string]*marketdata.FailoverRule

	execMu sync.Mutex // serializes executeFailover/executeRecovery

	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a Controller watching clients (keyed by ProviderId).
// interval defaults to 10s (HealthCheckIntervalSeconds default); clock
// defaults to time.Now.
func New(clients map[marketdata.ProviderId]StreamingClient, sink EventSink, interval time.Duration, clock func() time.Time) *Controller {
	if interval <= 0 {
		interval = defaultHealthCheckEvery
	}
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		health:   NewHealthTracker(clock),
		sink:     sink,
		clock:    clock,
		clients:  clients,
		rules:    make(map[string]*marketdata.FailoverRule),
		interval: interval,
	}
}

// Health exposes the read-only health-state surface for observability
// consumers (the facade forwards this as a read-only view per §5).
func (c *Controller) Health() *HealthTracker { return c.health }

// AddRule registers rule, keyed by its RuleID.
func (c *Controller) AddRule(rule marketdata.FailoverRule) error {
	if rule.RuleID == "" {
		return fmt.Errorf("failover: rule must have a RuleID")
	}
	if rule.FailoverThreshold <= 0 {
		rule.FailoverThreshold = defaultFailoverThreshold
	}
	if rule.RecoveryThreshold <= 0 {
		rule.RecoveryThreshold = defaultRecoveryThreshold
	}
	if rule.CurrentActiveProviderID == "" {
		rule.CurrentActiveProviderID = rule.PrimaryProviderID
	}
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	c.rules[rule.RuleID] = &rule
	return nil
}

// RemoveRule drops ruleID.
func (c *Controller) RemoveRule(ruleID string) error {
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	if _, ok := c.rules[ruleID]; !ok {
		return fmt.Errorf("failover: unknown rule %q", ruleID)
	}
	delete(c.rules, ruleID)
	return nil
}

// Rule returns a snapshot copy of ruleID's current state.
func (c *Controller) Rule(ruleID string) (marketdata.FailoverRule, bool) {
	c.rulesMu.RLock()
	defer c.rulesMu.RUnlock()
	r, ok := c.rules[ruleID]
	if !ok {
		return marketdata.FailoverRule{}, false
	}
	return *r, true
}

// ReportIssue forwards an externally observed issue (e.g. a streaming
// client's health beat) to the health tracker.
func (c *Controller) ReportIssue(providerID marketdata.ProviderId, issueType marketdata.IssueType, msg string) {
	c.health.ReportIssue(providerID, issueType, msg)
}

// ReportSuccess forwards an externally observed success to the health
// tracker.
func (c *Controller) ReportSuccess(providerID marketdata.ProviderId) {
	c.health.ReportSuccess(providerID)
}

// Start launches the periodic health-check tick task. Start is a no-op
// if already running.
func (c *Controller) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(tickCtx)
}

// Stop cancels the tick task and waits for it to exit.
func (c *Controller) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.cancel = nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick evaluates every rule in turn against the health state reported
// since the previous tick, then pulls connection status for every watched
// provider (connected -> success, disconnected -> Disconnected issue); the
// polled status is seen by the next tick's evaluation.
func (c *Controller) tick(ctx context.Context) {
	c.rulesMu.RLock()
	rules := make([]*marketdata.FailoverRule, 0, len(c.rules))
	for _, r := range c.rules {
		rules = append(rules, r)
	}
	c.rulesMu.RUnlock()

	for _, rule := range rules {
		c.evaluateRule(ctx, rule)
	}

	for id, client := range c.clients {
		if client.Connected() {
			c.health.ReportSuccess(id)
		} else {
			c.health.ReportIssue(id, marketdata.IssueDisconnected, "connection status poll observed disconnected")
		}
	}
}

// evaluateRule applies the ordered conditions of §4.7: primary
// disconnected, consecutive-failure threshold, data-quality threshold
// (if enabled), max-latency threshold (if enabled). The first matching
// condition triggers failover consideration.
func (c *Controller) evaluateRule(ctx context.Context, rule *marketdata.FailoverRule) {
	primaryClient := c.clients[rule.PrimaryProviderID]
	primaryHealth := c.health.Get(rule.PrimaryProviderID)

	triggered, reason := evaluateTrigger(rule, primaryClient, primaryHealth)

	if triggered {
		if rule.IsInFailoverState {
			return
		}
		backup, ok := c.pickBackup(rule)
		if !ok {
			observability.LogEvent(ctx, "warn", "failover_no_backup_available", map[string]any{
				"rule_id": rule.RuleID,
				"primary": rule.PrimaryProviderID,
				"reason":  reason,
			})
			return
		}
		c.executeFailover(ctx, rule, backup, reason)
		return
	}

	if rule.IsInFailoverState && rule.AutoRecover {
		threshold := rule.RecoveryThreshold
		if threshold <= 0 {
			threshold = defaultRecoveryThreshold
		}
		if primaryHealth.ConsecutiveSuccesses >= threshold {
			c.executeRecovery(ctx, rule)
		}
	}
}

func evaluateTrigger(rule *marketdata.FailoverRule, primaryClient StreamingClient, primaryHealth marketdata.ProviderHealthState) (bool, string) {
	if primaryClient == nil || !primaryClient.Connected() {
		return true, "primary not connected"
	}
	threshold := rule.FailoverThreshold
	if threshold <= 0 {
		threshold = defaultFailoverThreshold
	}
	if primaryHealth.ConsecutiveFailures >= threshold {
		return true, "consecutive failure threshold reached"
	}
	if rule.DataQualityThreshold > 0 && primaryHealth.DataQualityScore < rule.DataQualityThreshold {
		return true, "data quality below threshold"
	}
	if rule.MaxLatencyMs > 0 && primaryHealth.AvgLatencyMs > rule.MaxLatencyMs {
		return true, "latency above threshold"
	}
	return false, ""
}

// pickBackup scans rule.BackupProviderIDs in order for the first one
// that is connected and has fewer consecutive failures than the
// failover threshold.
func (c *Controller) pickBackup(rule *marketdata.FailoverRule) (marketdata.ProviderId, bool) {
	threshold := rule.FailoverThreshold
	if threshold <= 0 {
		threshold = defaultFailoverThreshold
	}
	for _, id := range rule.BackupProviderIDs {
		client, ok := c.clients[id]
		if !ok || !client.Connected() {
			continue
		}
		if c.health.Get(id).ConsecutiveFailures < threshold {
			return id, true
		}
	}
	return "", false
}

// ForceFailover is the operator override: execute a failover to
// targetProviderID regardless of the rule's current trigger evaluation.
func (c *Controller) ForceFailover(ctx context.Context, ruleID string, targetProviderID marketdata.ProviderId) error {
	c.rulesMu.RLock()
	rule, ok := c.rules[ruleID]
	c.rulesMu.RUnlock()
	if !ok {
		return fmt.Errorf("failover: unknown rule %q", ruleID)
	}
	c.executeFailover(ctx, rule, targetProviderID, "forced by operator")
	return nil
}

// executeFailover is serialized by execMu: it marks the rule in-failover
// with the new active provider, transfers every subscription from the
// failing provider to the target WITHOUT unsubscribing on the source (a
// brief double-publish window is expected; downstream dedup by
// (provider, symbol, sequence) is the consumer's responsibility), and
// fires FailoverOccurred. Partial transfer failure is reported but does
// not abort the failover.
func (c *Controller) executeFailover(ctx context.Context, rule *marketdata.FailoverRule, target marketdata.ProviderId, reason string) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.rulesMu.Lock()
	from := rule.CurrentActiveProviderID
	if from == "" {
		from = rule.PrimaryProviderID
	}
	rule.IsInFailoverState = true
	rule.CurrentActiveProviderID = target
	c.rulesMu.Unlock()

	errs := c.transferSubscriptions(ctx, from, target, false)

	observability.LogFailover(ctx, rule.RuleID, "", string(from), string(target), reason)
	observability.RecordFailoverEvent(ctx, rule.RuleID, "failover")

	if c.sink != nil {
		c.sink.OnFailoverOccurred(FailoverEvent{
			RuleID:         rule.RuleID,
			FromProviderID: from,
			ToProviderID:   target,
			Reason:         reason,
			At:             c.clock(),
			TransferErrors: errs,
		})
	}
}

// executeRecovery transfers subscriptions back to the primary, this time
// unsubscribing from the backup (the symmetrical inverse of
// executeFailover), clears the in-failover flag, and fires
// ProviderRecovered.
func (c *Controller) executeRecovery(ctx context.Context, rule *marketdata.FailoverRule) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.rulesMu.RLock()
	backup := rule.CurrentActiveProviderID
	c.rulesMu.RUnlock()

	errs := c.transferSubscriptions(ctx, backup, rule.PrimaryProviderID, true)

	c.rulesMu.Lock()
	rule.IsInFailoverState = false
	rule.CurrentActiveProviderID = rule.PrimaryProviderID
	c.rulesMu.Unlock()

	observability.LogFailover(ctx, rule.RuleID, "", string(backup), string(rule.PrimaryProviderID), "recovery")
	observability.RecordFailoverEvent(ctx, rule.RuleID, "recovery")

	if c.sink != nil {
		c.sink.OnProviderRecovered(RecoveryEvent{
			RuleID:         rule.RuleID,
			ProviderID:     rule.PrimaryProviderID,
			At:             c.clock(),
			TransferErrors: errs,
		})
	}
}

// transferSubscriptions issues equivalent Subscribe{Trades,Quotes,Depth}
// calls on toID for every subscription currently active on fromID. When
// unsubscribeSource is true (executeRecovery), it additionally
// unsubscribes the source after a successful transfer of that
// subscription. Per-symbol failures are collected and returned rather
// than aborting the whole transfer.
func (c *Controller) transferSubscriptions(ctx context.Context, fromID, toID marketdata.ProviderId, unsubscribeSource bool) []error {
	fromClient, ok := c.clients[fromID]
	if !ok {
		return []error{fmt.Errorf("failover: unknown source provider %q", fromID)}
	}
	toClient, ok := c.clients[toID]
	if !ok {
		return []error{fmt.Errorf("failover: unknown target provider %q", toID)}
	}

	var errs []error
	for _, sub := range fromClient.ActiveSubscriptions() {
		if err := subscribeOnTarget(ctx, toClient, sub); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s %s on %s: %w", sub.Symbol, sub.Kind, toID, err))
			continue
		}
		if unsubscribeSource {
			if err := unsubscribeOnSource(ctx, fromClient, sub); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe %s %s on %s: %w", sub.Symbol, sub.Kind, fromID, err))
			}
		}
	}
	return errs
}

func subscribeOnTarget(ctx context.Context, client StreamingClient, sub marketdata.Subscription) error {
	switch sub.Kind {
	case marketdata.SubscriptionTrade:
		_, err := client.SubscribeTrades(ctx, sub.Symbol)
		return err
	case marketdata.SubscriptionQuote:
		_, err := client.SubscribeQuotes(ctx, sub.Symbol)
		return err
	case marketdata.SubscriptionDepth:
		_, err := client.SubscribeDepth(ctx, sub.Symbol)
		return err
	default:
		return fmt.Errorf("unknown subscription kind %v", sub.Kind)
	}
}

func unsubscribeOnSource(ctx context.Context, client StreamingClient, sub marketdata.Subscription) error {
	switch sub.Kind {
	case marketdata.SubscriptionTrade:
		return client.UnsubscribeTrades(ctx, sub.Symbol)
	case marketdata.SubscriptionQuote:
		return client.UnsubscribeQuotes(ctx, sub.Symbol)
	case marketdata.SubscriptionDepth:
		return client.UnsubscribeDepth(ctx, sub.Symbol)
	default:
		return fmt.Errorf("unknown subscription kind %v", sub.Kind)
	}
}
