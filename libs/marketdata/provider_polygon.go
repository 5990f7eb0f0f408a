package marketdata

import (
	"context"
	"strings"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"
)

// PolygonBackfillProvider implements BackfillProvider against Polygon's
// aggregates ("bars") REST endpoint.
type PolygonBackfillProvider struct {
	client *polygon.Client
	config ProviderConfig
}

// PolygonCredentialFields is the vendor credential descriptor consumed by
// the two-tier env resolver.
func PolygonCredentialFields() []CredentialField {
	return ProviderCredentialFields("POLYGON", "apikey")
}

// NewPolygonBackfillProvider creates a new Polygon.io backfill provider.
func NewPolygonBackfillProvider(config ProviderConfig) (*PolygonBackfillProvider, error) {
	creds, err := ResolveCredentials(config, PolygonCredentialFields())
	if err != nil {
		return nil, NewProviderError(string(config.ProviderID), KindCredential, err)
	}

	return &PolygonBackfillProvider{
		client: polygon.New(creds["apikey"]),
		config: config,
	}, nil
}

func (p *PolygonBackfillProvider) ProviderId() ProviderId { return "polygon" }

// GetBars fetches daily aggregate bars for symbol between from and to
// (unix seconds).
func (p *PolygonBackfillProvider) GetBars(ctx context.Context, symbol string, granularity Granularity, from, to int64) ([]HistoricalBar, error) {
	if granularity != GranularityDaily {
		return nil, NewProviderError(string(p.ProviderId()), KindNotFound, ErrInvalidTimeframe)
	}

	params := models.ListAggsParams{
		Ticker:     symbol,
		Multiplier: 1,
		Timespan:   models.Day,
		From:       models.Millis(time.Unix(from, 0).UTC()),
		To:         models.Millis(time.Unix(to, 0).UTC()),
	}.WithLimit(5000)

	iter := p.client.ListAggs(ctx, params)

	bars := make([]HistoricalBar, 0, 64)
	seq := int64(0)
	for iter.Next() {
		agg := iter.Item()
		bars = append(bars, HistoricalBar{
			Symbol:         symbol,
			SessionDate:    time.Time(agg.Timestamp),
			Open:           decimal.NewFromFloat(agg.Open),
			High:           decimal.NewFromFloat(agg.High),
			Low:            decimal.NewFromFloat(agg.Low),
			Close:          decimal.NewFromFloat(agg.Close),
			Volume:         int64(agg.Volume),
			Source:         "polygon",
			SequenceNumber: seq,
		})
		seq++
	}

	if iter.Err() != nil {
		return nil, NewProviderError(string(p.ProviderId()), classifyPolygonError(iter.Err()), iter.Err())
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// SearchSymbols implements SymbolSearchProvider using Polygon's ticker
// reference search, satisfying the Hybrid capability kind.
func (p *PolygonBackfillProvider) SearchSymbols(ctx context.Context, query string, limit int) ([]string, error) {
	params := &models.ListTickersParams{
		Search: &query,
	}
	iter := p.client.ListTickers(ctx, params)

	out := make([]string, 0, limit)
	for iter.Next() && len(out) < limit {
		out = append(out, iter.Item().Ticker)
	}
	if iter.Err() != nil {
		return nil, NewProviderError(string(p.ProviderId()), classifyPolygonError(iter.Err()), iter.Err())
	}
	return out, nil
}

// HealthCheck verifies the provider is accessible.
func (p *PolygonBackfillProvider) HealthCheck(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := p.GetBars(ctx, "SPY", GranularityDaily, now.AddDate(0, 0, -5).Unix(), now.Unix())
	if err != nil && IsKind(err, KindNotFound) {
		return nil
	}
	return err
}

// Close cleans up provider resources. Polygon's REST client needs none.
func (p *PolygonBackfillProvider) Close() error {
	return nil
}

func classifyPolygonError(err error) Kind {
	if err == nil {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized"):
		return KindCredential
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return KindNotFound
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return KindCapacity
	default:
		return KindTransient
	}
}
