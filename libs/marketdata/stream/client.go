// Package stream implements the per-vendor streaming client state machine
// (C4): connect/authenticate/subscribe, frame parsing, heartbeat
// monitoring, and guarded reconnection.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"providerplane/libs/marketdata"
	"providerplane/libs/marketdata/ratelimit"
	"providerplane/libs/observability"
	"providerplane/libs/resilience"
)

// Config holds one vendor client's connection parameters.
type Config struct {
	ProviderID       marketdata.ProviderId
	URL              string
	AuthTimeout      time.Duration // deadline for the first application message, default 10s
	ConnectTimeout   time.Duration // default 30s
	HeartbeatEvery   time.Duration // default 30s
	HeartbeatTimeout time.Duration // default 10s, no pong within this window declares connection lost
	SinkCapacity     int           // default 500
	Backoff          resilience.BackoffConfig
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.SinkCapacity <= 0 {
		c.SinkCapacity = defaultSinkCapacity
	}
	if c.Backoff == (resilience.BackoffConfig{}) {
		c.Backoff = resilience.DefaultBackoffConfig()
	}
	return c
}

// Client is one vendor's streaming connection state machine.
type Client struct {
	config     Config
	transport  Transport
	parser     FrameParser
	auth       map[string]string
	governor   *ratelimit.Governor

	subs *SubscriptionManager

	state        atomic.Int32
	reconnectGate resilience.Gate
	breaker      *resilience.CircuitBreaker

	tradeSink *BoundedSink
	quoteSink *BoundedSink
	depthSink *BoundedSink

	mu           sync.Mutex
	lastPong     time.Time
	writeMu      sync.Mutex
	cancelReceive context.CancelFunc
}

// NewClient builds a streaming client. Event sinks are attached separately
// with AttachSinks; events of a kind with no attached sink are dropped.
func NewClient(
	config Config,
	transport Transport,
	parser FrameParser,
	auth map[string]string,
	governor *ratelimit.Governor,
) *Client {
	c := &Client{
		config:    config.withDefaults(),
		transport: transport,
		parser:    parser,
		auth:      auth,
		governor:  governor,
		subs:      NewSubscriptionManager(config.ProviderID),
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultConfig(string(config.ProviderID) + "-stream")),
	}
	c.state.Store(int32(Disconnected))
	return c
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connected reports whether the client is Active, the only state in
// which subscriptions transmit to the wire.
func (c *Client) Connected() bool {
	return c.State() == Active
}

// ActiveSubscriptions returns every currently tracked subscription,
// consumed by the failover controller to transfer subscriptions onto a
// backup provider's client during executeFailover/executeRecovery.
func (c *Client) ActiveSubscriptions() []marketdata.Subscription {
	return c.subs.Active()
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// AttachSinks wires delivery functions for each event kind. Must be
// called before Connect.
func (c *Client) AttachSinks(ctx context.Context, deliverTrade, deliverQuote, deliverDepth func(context.Context, marketdata.NormalizedEvent) error, onErr func(error)) {
	if deliverTrade != nil {
		c.tradeSink = NewBoundedSink(ctx, c.config.SinkCapacity, deliverTrade, onErr)
	}
	if deliverQuote != nil {
		c.quoteSink = NewBoundedSink(ctx, c.config.SinkCapacity, deliverQuote, onErr)
	}
	if deliverDepth != nil {
		c.depthSink = NewBoundedSink(ctx, c.config.SinkCapacity, deliverDepth, onErr)
	}
}

// Connect opens the transport, authenticates within the auth deadline,
// and starts the receive and heartbeat loops. Retries per the resilience
// backoff policy on failure; a circuit breaker opens after repeated
// consecutive failures.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == Disposed {
		return marketdata.ErrCancelled
	}
	c.setState(Connecting)

	err := c.config.Backoff.Retry(ctx, func() error {
		_, err := c.breaker.ExecuteWithContext(ctx, func() (any, error) {
			return nil, c.connectOnce(ctx)
		})
		return err
	})
	if err != nil {
		c.setState(Disconnected)
		observability.LogDisconnect(ctx, string(c.config.ProviderID), err)
		return marketdata.NewProviderError(string(c.config.ProviderID), marketdata.KindTransient, err)
	}

	c.setState(Active)
	observability.LogConnect(ctx, string(c.config.ProviderID), len(c.subs.Active()))

	if len(c.subs.Active()) > 0 {
		if err := c.transmitSubscriptionSet(ctx); err != nil {
			observability.LogEvent(ctx, "warn", "resubscribe_failed", map[string]any{"provider_id": c.config.ProviderID, "error": err.Error()})
		}
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancelReceive = cancel
	go c.receiveLoop(receiveCtx)
	go c.heartbeatLoop(receiveCtx)

	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	if err := c.transport.Dial(dialCtx, c.config.URL); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.transport.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	c.setState(Authenticating)

	authDone := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		authDone <- c.transport.WriteJSON(c.auth)
	}()

	select {
	case err := <-authDone:
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	case <-time.After(c.config.AuthTimeout):
		return marketdata.NewProviderError(string(c.config.ProviderID), marketdata.KindCredential, fmt.Errorf("authentication timed out after %s", c.config.AuthTimeout))
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()

	return nil
}

// Disconnect tears down the connection and transitions to Disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.cancelReceive != nil {
		c.cancelReceive()
	}
	c.setState(Disconnected)
	observability.LogDisconnect(ctx, string(c.config.ProviderID), nil)
	return c.transport.Close()
}

// Dispose permanently tears down the client. No further Connect calls
// are valid afterward.
func (c *Client) Dispose(ctx context.Context) error {
	err := c.Disconnect(ctx)
	if c.tradeSink != nil {
		c.tradeSink.Close()
	}
	if c.quoteSink != nil {
		c.quoteSink.Close()
	}
	if c.depthSink != nil {
		c.depthSink.Close()
	}
	c.setState(Disposed)
	return err
}

// SubscribeTrades requests trade updates for symbol, returning its
// subscription id (existing id if already subscribed).
func (c *Client) SubscribeTrades(ctx context.Context, symbol string) (int64, error) {
	return c.subscribe(ctx, symbol, marketdata.SubscriptionTrade)
}

// SubscribeQuotes requests quote updates for symbol.
func (c *Client) SubscribeQuotes(ctx context.Context, symbol string) (int64, error) {
	return c.subscribe(ctx, symbol, marketdata.SubscriptionQuote)
}

// SubscribeDepth requests depth updates for symbol.
func (c *Client) SubscribeDepth(ctx context.Context, symbol string) (int64, error) {
	return c.subscribe(ctx, symbol, marketdata.SubscriptionDepth)
}

func (c *Client) subscribe(ctx context.Context, symbol string, kind marketdata.SubscriptionKind) (int64, error) {
	id := c.subs.Subscribe(symbol, kind)
	if err := c.transmitSubscriptionSet(ctx); err != nil {
		return id, err
	}
	added := []marketdata.Subscription{{SubscriptionID: id, ProviderID: c.config.ProviderID, Symbol: symbol, Kind: kind}}
	observability.LogSubscriptionChange(ctx, string(c.config.ProviderID), len(added), 0, len(c.subs.Active()))
	return id, nil
}

// UnsubscribeTrades removes symbol's trade subscription.
func (c *Client) UnsubscribeTrades(ctx context.Context, symbol string) error {
	return c.unsubscribe(ctx, symbol, marketdata.SubscriptionTrade)
}

// UnsubscribeDepth removes symbol's depth subscription.
func (c *Client) UnsubscribeDepth(ctx context.Context, symbol string) error {
	return c.unsubscribe(ctx, symbol, marketdata.SubscriptionDepth)
}

// UnsubscribeQuotes removes symbol's quote subscription, symmetric with
// SubscribeQuotes for failover's executeRecovery transfer-back path.
func (c *Client) UnsubscribeQuotes(ctx context.Context, symbol string) error {
	return c.unsubscribe(ctx, symbol, marketdata.SubscriptionQuote)
}

func (c *Client) unsubscribe(ctx context.Context, symbol string, kind marketdata.SubscriptionKind) error {
	id := c.subs.Unsubscribe(symbol, kind)
	if id == 0 {
		return nil
	}
	if err := c.transmitSubscriptionSet(ctx); err != nil {
		return err
	}
	observability.LogSubscriptionChange(ctx, string(c.config.ProviderID), 0, 1, len(c.subs.Active()))
	return nil
}

// transmitSubscriptionSet sends the full current subscription set. Only
// effective while Active; subscriptions made while disconnected are
// recorded and transmitted on the next successful (re)connect.
func (c *Client) transmitSubscriptionSet(ctx context.Context) error {
	if c.State() != Active {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(buildSubscriptionFrame(c.subs.Active()))
}

func buildSubscriptionFrame(subs []marketdata.Subscription) any {
	trades := make([]string, 0, len(subs))
	quotes := make([]string, 0, len(subs))
	depths := make([]string, 0, len(subs))
	for _, s := range subs {
		switch s.Kind {
		case marketdata.SubscriptionTrade:
			trades = append(trades, s.Symbol)
		case marketdata.SubscriptionQuote:
			quotes = append(quotes, s.Symbol)
		case marketdata.SubscriptionDepth:
			depths = append(depths, s.Symbol)
		}
	}
	return map[string]any{"action": "subscribe", "trades": trades, "quotes": quotes, "orderbooks": depths}
}

func (c *Client) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.transport.ReadMessage()
		if err != nil {
			c.onTransportError(ctx, err)
			return
		}

		c.processFrame(ctx, data)
	}
}

func (c *Client) processFrame(ctx context.Context, data []byte) {
	const maxLogged = 500
	defer func() {
		if r := recover(); r != nil {
			truncated := string(data)
			if len(truncated) > maxLogged {
				truncated = truncated[:maxLogged]
			}
			observability.LogEvent(ctx, "warn", "malformed_frame", map[string]any{"provider_id": c.config.ProviderID, "payload": truncated})
		}
	}()

	result := c.parser.Parse(data)

	if result.Fatal != nil {
		observability.LogEvent(ctx, "error", "stream_fatal", map[string]any{"provider_id": c.config.ProviderID, "error": result.Fatal.Error()})
		_ = c.Disconnect(ctx)
		return
	}

	if result.RateLimited && c.governor != nil {
		c.governor.RecordRateLimitHit(string(c.config.ProviderID), 0)
	}

	for _, f := range result.Failures {
		if id := c.subs.Subscribe(f.Symbol, f.Kind); id != 0 {
			c.subs.MarkFailed(id)
		}
	}

	for _, ev := range result.Events {
		switch ev.Type {
		case marketdata.EventTrade:
			if c.tradeSink != nil {
				c.tradeSink.Publish(ctx, ev)
			}
		case marketdata.EventQuote:
			if c.quoteSink != nil {
				c.quoteSink.Publish(ctx, ev)
			}
		case marketdata.EventDepth:
			if c.depthSink != nil {
				c.depthSink.Publish(ctx, ev)
			}
		case marketdata.EventHeartbeat:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}
	}
}

func (c *Client) onTransportError(ctx context.Context, err error) {
	if c.State() == Disposed || c.State() == Disconnected {
		return
	}
	observability.LogDisconnect(ctx, string(c.config.ProviderID), err)
	c.triggerReconnect(ctx)
}

// triggerReconnect runs the reconnect path exactly once concurrently,
// guarded by a single-permit gate. Callers that cannot acquire return
// immediately; the heartbeat monitor and the receive loop both call this
// on connection loss, and only one should actually drive the reconnect.
func (c *Client) triggerReconnect(ctx context.Context) {
	if !c.reconnectGate.TryAcquire() {
		return
	}
	defer c.reconnectGate.Release()

	c.setState(Reconnecting)
	observability.RecordReconnect(ctx, string(c.config.ProviderID), false)

	err := c.config.Backoff.Retry(ctx, func() error {
		return c.connectOnce(ctx)
	})
	if err != nil {
		c.setState(Disconnected)
		return
	}

	c.setState(Active)
	observability.RecordReconnect(ctx, string(c.config.ProviderID), true)

	if err := c.transmitSubscriptionSet(ctx); err != nil {
		observability.LogEvent(ctx, "warn", "resubscribe_failed", map[string]any{"provider_id": c.config.ProviderID, "error": err.Error()})
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancelReceive = cancel
	go c.receiveLoop(receiveCtx)
}

// heartbeatLoop actively pings every HeartbeatEvery and declares the
// connection lost if no pong arrives within HeartbeatTimeout, per §4.4.
// A pong advances lastPong via the handler registered in connectOnce;
// this loop only has to check whether that happened in time.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sentAt := time.Now()
			if err := c.writePing(sentAt.Add(c.config.HeartbeatTimeout)); err != nil {
				c.triggerReconnect(ctx)
				continue
			}

			select {
			case <-time.After(c.config.HeartbeatTimeout):
			case <-ctx.Done():
				return
			}

			c.mu.Lock()
			last := c.lastPong
			c.mu.Unlock()
			if last.Before(sentAt) {
				c.triggerReconnect(ctx)
			}
		}
	}
}

func (c *Client) writePing(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Ping(deadline)
}
