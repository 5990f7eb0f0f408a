package marketdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderId is a short stable identifier, e.g. "alpaca", "polygon".
// Unique across the registry.
type ProviderId string

// ProviderKind is the primary capability kind a provider advertises.
type ProviderKind int

const (
	KindStreaming ProviderKind = iota
	KindBackfill
	KindSymbolSearch
	KindHybrid
)

func (k ProviderKind) String() string {
	switch k {
	case KindStreaming:
		return "streaming"
	case KindBackfill:
		return "backfill"
	case KindSymbolSearch:
		return "symbol_search"
	case KindHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// RateLimitProfile describes a provider's admission envelope, consumed by
// the rate-limit governor.
type RateLimitProfile struct {
	MaxRequests    int
	Window         time.Duration
	MinInterDelay  time.Duration
}

// Capabilities describes what a provider can do.
type Capabilities struct {
	Kind ProviderKind

	SupportsTrades           bool
	SupportsQuotes           bool
	SupportsDepth             bool
	MaxDepthLevels            int
	SupportsAdjusted          bool
	SupportsDividends         bool
	SupportsSplits            bool
	SupportsIntraday          bool
	SupportsHistoricalTrades  bool
	SupportsHistoricalQuotes  bool
	SupportsAuctions          bool
	SupportsSymbolSearch      bool

	MarketCodes []string

	RateLimit RateLimitProfile
}

// HasMarketCode reports whether c covers the given market code.
func (c Capabilities) HasMarketCode(code string) bool {
	for _, m := range c.MarketCodes {
		if m == code {
			return true
		}
	}
	return false
}

// StreamingProvider is the subset of Provider a streaming client
// implements; capability-polymorphic rather than a type-tested interface.
type StreamingProvider interface {
	ProviderId() ProviderId
	Capabilities() Capabilities
	IsAvailable(ctx CancelContext) bool
	Dispose(ctx CancelContext) error
}

// CancelContext is the minimal surface the provider plane needs from a
// cancellation-carrying context, kept narrow so this package never forces
// a specific context implementation on callers beyond context.Context
// (defined in the subpackages that use it directly).
type CancelContext interface {
	Done() <-chan struct{}
	Err() error
}

// RegisteredProvider is the registry's record for one provider instance.
// Owned exclusively by the registry; the instance handle's lifecycle is
// bound to the registry's lifecycle.
type RegisteredProvider struct {
	ProviderID   ProviderId
	Capabilities Capabilities
	Priority     int
	Enabled      bool
	Instance     any
}

// SubscriptionKind is the wire-level feed type a subscription covers.
type SubscriptionKind int

const (
	SubscriptionTrade SubscriptionKind = iota
	SubscriptionQuote
	SubscriptionDepth
)

func (k SubscriptionKind) String() string {
	switch k {
	case SubscriptionTrade:
		return "trade"
	case SubscriptionQuote:
		return "quote"
	case SubscriptionDepth:
		return "depth"
	default:
		return "unknown"
	}
}

// Subscription is a live (symbol, kind) pairing on one provider's
// streaming client. At most one logical subscription exists per
// (ProviderId, Symbol, Kind); re-subscribing returns the existing id.
type Subscription struct {
	SubscriptionID int64
	ProviderID     ProviderId
	Symbol         string
	Kind           SubscriptionKind
}

// Aggressor identifies which side initiated a trade.
type Aggressor int

const (
	AggressorUnknown Aggressor = iota
	AggressorBuy
	AggressorSell
)

// EventType tags the member of the NormalizedEvent union actually
// populated.
type EventType int

const (
	EventTrade EventType = iota
	EventQuote
	EventDepth
	EventHeartbeat
)

// DepthLevel is one row of an order-book snapshot.
type DepthLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  string // "bid" or "ask"
}

// NormalizedEvent is a tagged union of TradeUpdate, QuoteUpdate,
// DepthUpdate, and Heartbeat. Every event carries a timestamp, canonical
// symbol, optional sequence number, stream id, and source-venue tag.
type NormalizedEvent struct {
	Type           EventType
	Timestamp      time.Time
	Symbol         string
	SequenceNumber *int64
	StreamID       string
	SourceVenue    string

	// Trade fields.
	TradePrice     decimal.Decimal
	TradeSize      decimal.Decimal
	TradeAggressor Aggressor

	// Quote fields.
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskSize  decimal.Decimal

	// Depth fields.
	DepthLevels []DepthLevel
}

// HistoricalBar is one OHLCV record for a symbol and session date.
// Invariants: Low <= Open,Close <= High; Low <= High; Volume >= 0.
type HistoricalBar struct {
	Symbol         string
	SessionDate    time.Time
	Open           decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
	Close          decimal.Decimal
	Volume         int64
	Source         string
	SequenceNumber int64
}

// AdjustedBar extends HistoricalBar with corporate-action adjustments.
type AdjustedBar struct {
	HistoricalBar
	AdjustedOpen   *decimal.Decimal
	AdjustedHigh   *decimal.Decimal
	AdjustedLow    *decimal.Decimal
	AdjustedClose  *decimal.Decimal
	AdjustedVolume *int64
	SplitFactor    *decimal.Decimal
	DividendAmount *decimal.Decimal
}

// Granularity is the bar interval a backfill job targets.
type Granularity string

const (
	GranularityDaily Granularity = "daily"
)

// BackfillOptions tunes a BackfillJob's request generation.
type BackfillOptions struct {
	BatchSizeDays int
	MaxRetries    int
	Priority      int
}

// SymbolProgress tracks one symbol's completion state within a
// BackfillJob.
type SymbolProgress struct {
	TotalRequests int
	Completed     int
	Failed        int
	DatesToFill   []time.Time
}

// BackfillJob groups a set of symbols and a date range into backfill
// requests. Jobs persist until all their requests terminate.
type BackfillJob struct {
	JobID              string
	Granularity        Granularity
	Symbols            []string
	From                time.Time
	To                  time.Time
	PreferredProviders []ProviderId
	Options            BackfillOptions
	Progress           map[string]*SymbolProgress
	Cancelled          bool
}

// RequestStatus is the lifecycle state of a BackfillRequest.
type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestInProgress
	RequestCompleted
	RequestFailed
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestInProgress:
		return "in_progress"
	case RequestCompleted:
		return "completed"
	case RequestFailed:
		return "failed"
	case RequestCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// BackfillRequest is one unit of backfill work: a symbol and contiguous
// date range, short-lived relative to its owning job.
type BackfillRequest struct {
	RequestID          string
	JobID              string
	Symbol             string
	From               time.Time
	To                 time.Time
	Granularity        Granularity
	PreferredProviders []ProviderId
	AssignedProvider   ProviderId
	Priority           int
	MaxRetries         int
	RetryCount         int
	Status             RequestStatus
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	Error              error
	BarsRetrieved      int
}

// FailoverRule binds a primary provider to an ordered list of backups
// with thresholds controlling when to swap.
type FailoverRule struct {
	RuleID                 string
	PrimaryProviderID      ProviderId
	BackupProviderIDs      []ProviderId
	FailoverThreshold      int
	RecoveryThreshold      int
	DataQualityThreshold   float64
	MaxLatencyMs           int64
	AutoRecover            bool
	IsInFailoverState      bool
	CurrentActiveProviderID ProviderId
}

// IssueType classifies one reported health issue.
type IssueType string

const (
	IssueDisconnected    IssueType = "disconnected"
	IssueDataQuality     IssueType = "data_quality"
	IssueLatency         IssueType = "latency"
	IssueError           IssueType = "error"
)

// Issue is one entry in a ProviderHealthState's ring buffer.
type Issue struct {
	Type IssueType
	At   time.Time
	Msg  string
}

// ProviderHealthState is mutated only by the failover controller and
// read by anyone.
type ProviderHealthState struct {
	ProviderID           ProviderId
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastIssueTime        time.Time
	LastSuccessTime      time.Time
	RecentIssues         []Issue // bounded ring, capacity 20
	DataQualityScore     float64
	AvgLatencyMs         int64
}

const healthRingCapacity = 20

// PushIssue appends issue to the bounded ring, evicting the oldest entry
// once at capacity.
func (h *ProviderHealthState) PushIssue(issue Issue) {
	h.RecentIssues = append(h.RecentIssues, issue)
	if len(h.RecentIssues) > healthRingCapacity {
		h.RecentIssues = h.RecentIssues[len(h.RecentIssues)-healthRingCapacity:]
	}
}

// Alert is a monitoring notification delivered to an injected AlertSink
// rather than inventing a notification system. The registry emits one when
// a streaming provider is disabled; no other component emits alerts, so
// credential and fatal errors are not surfaced through this type.
type Alert struct {
	ProviderID ProviderId
	Kind       string
	Message    string
	At         time.Time
}

// AlertSink receives monitoring alerts. Implementations must be
// thread-safe.
type AlertSink interface {
	OnAlert(Alert)
}

// TradeUpdate, QuoteUpdate, and DepthUpdate are the sink-facing
// projections of NormalizedEvent for each event kind; sinks must be
// thread-safe.
type TradeUpdate = NormalizedEvent
type QuoteUpdate = NormalizedEvent
type DepthUpdate = NormalizedEvent

// TradeSink, QuoteSink, and DepthSink are the external consumers of
// normalized events. The core does not define persistence.
type TradeSink interface {
	OnTrade(TradeUpdate)
}

type QuoteSink interface {
	OnQuote(QuoteUpdate)
}

type DepthSink interface {
	OnDepth(DepthUpdate)
}
