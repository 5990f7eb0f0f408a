package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"providerplane/libs/marketdata"
)

type fakeTransport struct {
	mu          sync.Mutex
	dialErr     error
	writes      []any
	incoming    chan []byte
	closed      bool
	dialCalls   int
	pingCalls   int
	pingErr     error
	pongHandler func(string) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 16)}
}

func (f *fakeTransport) Dial(ctx context.Context, url string) error {
	f.mu.Lock()
	f.dialCalls++
	err := f.dialErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	data, ok := <-f.incoming
	if !ok {
		return 0, nil, errors.New("transport closed")
	}
	return 1, data, nil
}

func (f *fakeTransport) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeTransport) Ping(deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls++
	return f.pingErr
}

func (f *fakeTransport) SetPongHandler(handler func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongHandler = handler
}

// simulatePong invokes the registered pong handler, as ReadMessage would
// on receiving a real pong control frame.
func (f *fakeTransport) simulatePong() {
	f.mu.Lock()
	h := f.pongHandler
	f.mu.Unlock()
	if h != nil {
		h("")
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.incoming)
	}
	return nil
}

type fakeParser struct {
	result ParseResult
}

func (p fakeParser) Parse(data []byte) ParseResult { return p.result }

func newTestClient(t *testing.T, transport *fakeTransport, parser FrameParser) *Client {
	t.Helper()
	cfg := Config{
		ProviderID:     "testvendor",
		URL:            "wss://example.test",
		AuthTimeout:    time.Second,
		ConnectTimeout: time.Second,
	}
	t.Cleanup(func() { transport.Close() })
	return NewClient(cfg, transport, parser, map[string]string{"key": "k", "secret": "s"}, nil)
}

func TestClient_ConnectTransitionsToActive(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, fakeParser{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != Active {
		t.Fatalf("expected Active, got %v", c.State())
	}
}

func TestClient_SubscribeAssignsIDAndTransmits(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, fakeParser{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	transport.mu.Lock()
	writesAfterConnect := len(transport.writes)
	transport.mu.Unlock()

	id, err := c.SubscribeTrades(ctx, "AAPL")
	if err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}
	if id != firstSubscriptionID {
		t.Fatalf("expected first subscription id, got %d", id)
	}

	transport.mu.Lock()
	writeCount := len(transport.writes)
	transport.mu.Unlock()
	if writeCount <= writesAfterConnect {
		t.Fatal("expected a subscription frame to be transmitted")
	}
}

func TestClient_TradeFrameReachesSink(t *testing.T) {
	transport := newFakeTransport()
	ev := marketdata.NormalizedEvent{Type: marketdata.EventTrade, Symbol: "AAPL"}
	parser := fakeParser{result: ParseResult{Events: []marketdata.NormalizedEvent{ev}}}
	c := newTestClient(t, transport, parser)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan marketdata.NormalizedEvent, 1)
	c.AttachSinks(ctx, func(_ context.Context, e marketdata.NormalizedEvent) error {
		received <- e
		return nil
	}, nil, nil, nil)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	transport.incoming <- []byte(`[{"T":"t","S":"AAPL"}]`)

	select {
	case got := <-received:
		if got.Symbol != "AAPL" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for trade event to reach sink")
	}
}

func TestClient_MalformedFrameDoesNotTerminateLoop(t *testing.T) {
	transport := newFakeTransport()
	ev := marketdata.NormalizedEvent{Type: marketdata.EventTrade, Symbol: "AAPL"}
	callCount := 0
	parser := parserFunc(func(data []byte) ParseResult {
		callCount++
		if callCount == 1 {
			panic("malformed payload")
		}
		return ParseResult{Events: []marketdata.NormalizedEvent{ev}}
	})
	c := newTestClient(t, transport, parser)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan marketdata.NormalizedEvent, 1)
	c.AttachSinks(ctx, func(_ context.Context, e marketdata.NormalizedEvent) error {
		received <- e
		return nil
	}, nil, nil, nil)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	transport.incoming <- []byte(`not valid json{{{`)
	transport.incoming <- []byte(`[{"T":"t","S":"AAPL"}]`)

	select {
	case got := <-received:
		if got.Symbol != "AAPL" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the loop to survive a malformed frame and process the next one")
	}
}

type parserFunc func([]byte) ParseResult

func (f parserFunc) Parse(data []byte) ParseResult { return f(data) }

func newHeartbeatTestClient(t *testing.T, transport *fakeTransport, every, timeout time.Duration) *Client {
	t.Helper()
	cfg := Config{
		ProviderID:       "testvendor",
		URL:              "wss://example.test",
		AuthTimeout:      time.Second,
		ConnectTimeout:   time.Second,
		HeartbeatEvery:   every,
		HeartbeatTimeout: timeout,
	}
	t.Cleanup(func() { transport.Close() })
	return NewClient(cfg, transport, fakeParser{}, map[string]string{"key": "k", "secret": "s"}, nil)
}

func TestClient_HeartbeatSendsActivePing(t *testing.T) {
	transport := newFakeTransport()
	c := newHeartbeatTestClient(t, transport, 20*time.Millisecond, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		transport.mu.Lock()
		calls := transport.pingCalls
		transport.mu.Unlock()
		if calls > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the heartbeat monitor to send at least one active ping")
}

func TestClient_HeartbeatReconnectsWhenPongMissing(t *testing.T) {
	transport := newFakeTransport()
	c := newHeartbeatTestClient(t, transport, 10*time.Millisecond, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Never simulate a pong: the heartbeat monitor must eventually declare
	// the connection lost and drive the client into the reconnect path
	// (the fake transport always dials successfully, so it cycles back
	// to Active, but Reconnecting must be observed at least once).
	deadline := time.Now().Add(2 * time.Second)
	sawReconnecting := false
	for time.Now().Before(deadline) {
		if c.State() == Reconnecting {
			sawReconnecting = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sawReconnecting {
		t.Fatal("expected a missing pong to trigger the reconnect path")
	}
}

func TestClient_HeartbeatPongKeepsConnectionAlive(t *testing.T) {
	transport := newFakeTransport()
	c := newHeartbeatTestClient(t, transport, 10*time.Millisecond, 30*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				transport.simulatePong()
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	if c.State() != Active {
		t.Fatalf("expected client to remain Active while pongs keep arriving, got %v", c.State())
	}
}
