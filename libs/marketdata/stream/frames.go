package stream

import "providerplane/libs/marketdata"

// SubscriptionFailure is produced by a FrameParser when the vendor
// rejects a specific symbol's subscription: other subscriptions stay
// unaffected.
type SubscriptionFailure struct {
	Symbol  string
	Kind    marketdata.SubscriptionKind
	Message string
}

// ParseResult is one frame's worth of dispatched output. RateLimited is
// set when the frame itself signals a 429-equivalent condition.
type ParseResult struct {
	Events      []marketdata.NormalizedEvent
	Failures    []SubscriptionFailure
	RateLimited bool
	Fatal       error // authentication errors: stop, do not auto-retry
}

// FrameParser dispatches one vendor wire message (JSON or binary) into
// normalized events. Malformed messages must not return an error that
// terminates the read loop; Parse returns an empty ParseResult for them.
// The client does not log an empty result: it logs a warning with the
// payload truncated to 500 bytes only when Parse panics.
type FrameParser interface {
	Parse(data []byte) ParseResult
}

// AuthMessage is sent as the first application message on a new
// connection, within the vendor's auth deadline.
type AuthMessage interface {
	BuildAuth(fields map[string]string) any
}
