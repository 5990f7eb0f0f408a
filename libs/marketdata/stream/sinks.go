package stream

import (
	"context"

	"providerplane/libs/marketdata"
)

const defaultSinkCapacity = 500

// BoundedSink wraps an injected delivery function (one of those passed to
// Client.AttachSinks) with a bounded channel and a "wait" backpressure policy: a full sink
// blocks the publishing goroutine (so the client absorbs backpressure)
// rather than dropping events, and never drops connection liveness
// because the receive loop only blocks on this channel, not on the sink
// call itself.
type BoundedSink struct {
	events chan marketdata.NormalizedEvent
	done   chan struct{}
}

// NewBoundedSink starts a goroutine draining events to deliver(ctx, event).
// capacity defaults to 500 when <= 0.
func NewBoundedSink(ctx context.Context, capacity int, deliver func(context.Context, marketdata.NormalizedEvent) error, onErr func(error)) *BoundedSink {
	if capacity <= 0 {
		capacity = defaultSinkCapacity
	}
	s := &BoundedSink{
		events: make(chan marketdata.NormalizedEvent, capacity),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for {
			select {
			case ev, ok := <-s.events:
				if !ok {
					return
				}
				if err := deliver(ctx, ev); err != nil && onErr != nil {
					onErr(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

// Publish enqueues ev, blocking if the channel is full (the "wait"
// policy) until space frees up or ctx is cancelled.
func (s *BoundedSink) Publish(ctx context.Context, ev marketdata.NormalizedEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// Close stops accepting new events. Safe to call once.
func (s *BoundedSink) Close() {
	close(s.events)
}
