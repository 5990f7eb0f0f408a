package marketdata

import (
	"context"
	"strings"
	"time"

	"providerplane/libs/resilience"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// AlpacaBackfillProvider implements BackfillProvider against Alpaca's
// historical bars REST endpoint, circuit-breaker-protected the same way
// the streaming client protects its connect/reconnect path.
type AlpacaBackfillProvider struct {
	client         *marketdata.Client
	config         ProviderConfig
	circuitBreaker *resilience.CircuitBreaker
}

// AlpacaCredentialFields is the vendor credential descriptor consumed by
// the two-tier env resolver.
func AlpacaCredentialFields() []CredentialField {
	return ProviderCredentialFields("ALPACA", "key", "secret")
}

// NewAlpacaBackfillProvider creates a new Alpaca backfill provider.
func NewAlpacaBackfillProvider(config ProviderConfig) (*AlpacaBackfillProvider, error) {
	creds, err := ResolveCredentials(config, AlpacaCredentialFields())
	if err != nil {
		return nil, NewProviderError(string(config.ProviderID), KindCredential, err)
	}

	baseURL := "https://data.alpaca.markets"
	if config.UseSandbox {
		baseURL = "https://data.sandbox.alpaca.markets"
	}

	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    creds["key"],
		APISecret: creds["secret"],
		BaseURL:   baseURL,
	})

	cb := resilience.NewCircuitBreaker(resilience.DefaultConfig("alpaca-backfill"))

	return &AlpacaBackfillProvider{
		client:         client,
		config:         config,
		circuitBreaker: cb,
	}, nil
}

func (p *AlpacaBackfillProvider) ProviderId() ProviderId { return "alpaca" }

// GetBars fetches daily historical OHLCV bars for symbol between from and
// to (unix seconds). Only GranularityDaily is supported; any other
// granularity returns a KindNotFound ProviderError wrapping
// ErrInvalidTimeframe.
func (p *AlpacaBackfillProvider) GetBars(ctx context.Context, symbol string, granularity Granularity, from, to int64) ([]HistoricalBar, error) {
	tf := marketdata.NewTimeFrame(1, marketdata.Day)
	if granularity != GranularityDaily {
		return nil, NewProviderError(string(p.ProviderId()), KindNotFound, ErrInvalidTimeframe)
	}

	result, err := p.circuitBreaker.ExecuteWithContext(ctx, func() (any, error) {
		bars, err := p.client.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     time.Unix(from, 0).UTC(),
			End:       time.Unix(to, 0).UTC(),
		})
		if err != nil {
			return nil, NewProviderError(string(p.ProviderId()), classifyAlpacaError(err), err)
		}
		return bars, nil
	})
	if err != nil {
		return nil, err
	}

	bars := result.([]marketdata.Bar)
	if len(bars) == 0 {
		return nil, ErrNoData
	}

	out := make([]HistoricalBar, 0, len(bars))
	for i, bar := range bars {
		out = append(out, HistoricalBar{
			Symbol:         symbol,
			SessionDate:    bar.Timestamp,
			Open:           decimal.NewFromFloat(bar.Open),
			High:           decimal.NewFromFloat(bar.High),
			Low:            decimal.NewFromFloat(bar.Low),
			Close:          decimal.NewFromFloat(bar.Close),
			Volume:         int64(bar.Volume),
			Source:         "alpaca",
			SequenceNumber: int64(i),
		})
	}
	return out, nil
}

// HealthCheck verifies the provider is accessible by requesting a short
// recent window for a liquid reference symbol.
func (p *AlpacaBackfillProvider) HealthCheck(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := p.GetBars(ctx, "SPY", GranularityDaily, now.AddDate(0, 0, -5).Unix(), now.Unix())
	if err != nil && IsKind(err, KindNotFound) {
		return nil
	}
	return err
}

func classifyAlpacaError(err error) Kind {
	if err == nil {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "authentication"):
		return KindCredential
	case containsAny(msg, "404", "not found"):
		return KindNotFound
	case containsAny(msg, "429", "rate limit"):
		return KindCapacity
	default:
		return KindTransient
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
