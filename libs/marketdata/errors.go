package marketdata

import (
	"errors"
	"fmt"
)

// Kind classifies a provider-plane error so callers can decide whether to
// retry, disable a provider, or bubble up as fatal, per the taxonomy each
// component is built against.
type Kind int

const (
	// KindTransient covers network glitches, 5xx responses, and 429s that
	// should be retried per the caller's backoff policy.
	KindTransient Kind = iota
	// KindCredential means authentication failed; the provider should be
	// disabled and a monitoring alert raised. No retry.
	KindCredential
	// KindNotFound terminates the one request as failed without retrying
	// and without affecting the provider's health state.
	KindNotFound
	// KindMalformed means the payload failed to parse; log, drop the one
	// message, and keep going.
	KindMalformed
	// KindCapacity means a rate limit or queue is full; cooldown then
	// retry.
	KindCapacity
	// KindFatal covers invariant violations; bubble up, never auto-recover.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCredential:
		return "credential"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	case KindCapacity:
		return "capacity"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProviderError wraps an underlying error with a Kind and the provider it
// originated from, so callers can classify without string-matching.
type ProviderError struct {
	ProviderID string
	Kind       Kind
	Err        error
}

func (e *ProviderError) Error() string {
	if e.ProviderID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.ProviderID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with a classification and provider tag.
func NewProviderError(providerID string, kind Kind, err error) *ProviderError {
	return &ProviderError{ProviderID: providerID, Kind: kind, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a *ProviderError,
// and false otherwise.
func KindOf(err error) (Kind, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

var (
	// ErrNoProviderAvailable is returned when no registered provider can
	// satisfy a request (all disabled, or all unavailable).
	ErrNoProviderAvailable = errors.New("no market data provider available")

	// ErrInvalidSymbol is returned when a symbol is invalid or empty.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrRateLimited is returned when a provider rate limit is hit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrProviderError is returned when a provider returns an error.
	ErrProviderError = errors.New("provider error")

	// ErrCacheError is returned when cache operations fail.
	ErrCacheError = errors.New("cache error")

	// ErrInvalidTimeframe is returned when an unsupported timeframe is
	// requested.
	ErrInvalidTimeframe = errors.New("invalid timeframe")

	// ErrNoData is returned when no data is available for the request.
	ErrNoData = errors.New("no data available")

	// ErrAlreadyRegistered is returned by the registry when registering a
	// ProviderId that is already present; treated as a no-op by callers.
	ErrAlreadyRegistered = errors.New("provider already registered")

	// ErrUnknownProvider is returned when an operation names a ProviderId
	// the registry has never seen.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrCancelled is returned when a suspension point (rate-limit wait,
	// queue dequeue wait) observes context cancellation without
	// consuming the resource it was waiting on.
	ErrCancelled = errors.New("operation cancelled")
)
