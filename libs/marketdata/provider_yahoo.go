package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// YahooBackfillProvider implements BackfillProvider against Yahoo
// Finance's undocumented chart API, which needs no API key but does need
// a browser-like User-Agent header or it is rejected outright.
type YahooBackfillProvider struct {
	client  *http.Client
	baseURL string
}

// NewYahooBackfillProvider creates a new Yahoo Finance backfill provider.
// Yahoo publishes no key-based auth scheme, so unlike Alpaca/Polygon there
// is nothing for ResolveCredentials to resolve here.
func NewYahooBackfillProvider() *YahooBackfillProvider {
	return &YahooBackfillProvider{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://query1.finance.yahoo.com/v8/finance/chart",
	}
}

func (p *YahooBackfillProvider) ProviderId() ProviderId { return "yahoo" }

type yahooChartResponse struct {
	Chart struct {
		Result []yahooChartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type yahooChartResult struct {
	Meta struct {
		Symbol string `json:"symbol"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

// GetBars fetches daily bars for symbol between the unix-second timestamps
// from and to, per §6's bit-exact wire format:
// GET /v8/finance/chart/{symbol}?period1=..&period2=..&interval=1d&events=div,splits
func (p *YahooBackfillProvider) GetBars(ctx context.Context, symbol string, granularity Granularity, from, to int64) ([]HistoricalBar, error) {
	if granularity != GranularityDaily {
		return nil, NewProviderError(string(p.ProviderId()), KindNotFound, ErrInvalidTimeframe)
	}

	bars, err := p.fetchChart(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

func (p *YahooBackfillProvider) fetchChart(ctx context.Context, symbol string, from, to int64) ([]HistoricalBar, error) {
	reqURL := fmt.Sprintf("%s/%s", p.baseURL, url.PathEscape(symbol))
	q := url.Values{}
	q.Set("period1", strconv.FormatInt(from, 10))
	q.Set("period2", strconv.FormatInt(to, 10))
	q.Set("interval", "1d")
	q.Set("events", "div,splits")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, NewProviderError(string(p.ProviderId()), KindFatal, err)
	}
	// Yahoo rejects requests without a browser-looking User-Agent.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NewProviderError(string(p.ProviderId()), KindTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, NewProviderError(string(p.ProviderId()), KindTransient, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through
	case http.StatusNotFound:
		return nil, NewProviderError(string(p.ProviderId()), KindNotFound, fmt.Errorf("symbol not found (404): %s", symbol))
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, NewProviderError(string(p.ProviderId()), KindCredential, fmt.Errorf("yahoo chart api status %d", resp.StatusCode))
	case http.StatusTooManyRequests:
		return nil, NewProviderError(string(p.ProviderId()), KindCapacity, ErrRateLimited)
	default:
		return nil, NewProviderError(string(p.ProviderId()), KindTransient, fmt.Errorf("yahoo chart api status %d", resp.StatusCode))
	}

	var parsed yahooChartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Malformed JSON never crosses the boundary as an exception: per
		// §4.1's posture for the FIGI resolver, treat it as empty data.
		return nil, ErrNoData
	}
	if parsed.Chart.Error != nil {
		msg := strings.ToLower(parsed.Chart.Error.Description)
		if strings.Contains(msg, "not found") || strings.Contains(msg, "no data") {
			return nil, NewProviderError(string(p.ProviderId()), KindNotFound, fmt.Errorf("%s", parsed.Chart.Error.Description))
		}
		return nil, NewProviderError(string(p.ProviderId()), KindTransient, fmt.Errorf("%s", parsed.Chart.Error.Description))
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, ErrNoData
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, ErrNoData
	}
	quote := result.Indicators.Quote[0]

	var adjClose []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adjClose = result.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]HistoricalBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || i >= len(quote.High) || i >= len(quote.Low) || i >= len(quote.Close) {
			continue
		}
		// A nil OHLC element marks a non-trading day Yahoo still lists a
		// timestamp for; skip it rather than treating it as a parse error.
		if quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil || quote.Close[i] == nil {
			continue
		}
		volume := int64(0)
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			volume = *quote.Volume[i]
		}

		bar := HistoricalBar{
			Symbol:         symbol,
			SessionDate:    time.Unix(ts, 0).UTC(),
			Open:           decimal.NewFromFloat(*quote.Open[i]),
			High:           decimal.NewFromFloat(*quote.High[i]),
			Low:            decimal.NewFromFloat(*quote.Low[i]),
			Close:          decimal.NewFromFloat(*quote.Close[i]),
			Volume:         volume,
			Source:         "yahoo",
			SequenceNumber: int64(i),
		}
		bars = append(bars, bar)

		_ = adjClose // adjusted bars are exposed via GetAdjustedBars below
	}
	return bars, nil
}

// GetAdjustedBars fetches the same chart payload but also threads through
// Yahoo's adjclose series, per §3's AdjustedBar extension. A nil adjclose
// entry (a day with no adjustment data, e.g. a future or halted session)
// is treated as "no adjustment available" rather than a parse error, per
// SPEC_FULL's supplemented Yahoo edge case.
func (p *YahooBackfillProvider) GetAdjustedBars(ctx context.Context, symbol string, from, to int64) ([]AdjustedBar, error) {
	reqURL := fmt.Sprintf("%s/%s", p.baseURL, url.PathEscape(symbol))
	q := url.Values{}
	q.Set("period1", strconv.FormatInt(from, 10))
	q.Set("period2", strconv.FormatInt(to, 10))
	q.Set("interval", "1d")
	q.Set("events", "div,splits")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, NewProviderError(string(p.ProviderId()), KindFatal, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NewProviderError(string(p.ProviderId()), KindTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, NewProviderError(string(p.ProviderId()), KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewProviderError(string(p.ProviderId()), KindTransient, fmt.Errorf("yahoo chart api status %d", resp.StatusCode))
	}

	var parsed yahooChartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, ErrNoData
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, ErrNoData
	}
	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, ErrNoData
	}
	quote := result.Indicators.Quote[0]
	var adjClose []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adjClose = result.Indicators.AdjClose[0].AdjClose
	}

	out := make([]AdjustedBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil || quote.Close[i] == nil {
			continue
		}
		volume := int64(0)
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			volume = *quote.Volume[i]
		}
		bar := AdjustedBar{
			HistoricalBar: HistoricalBar{
				Symbol:         symbol,
				SessionDate:    time.Unix(ts, 0).UTC(),
				Open:           decimal.NewFromFloat(*quote.Open[i]),
				High:           decimal.NewFromFloat(*quote.High[i]),
				Low:            decimal.NewFromFloat(*quote.Low[i]),
				Close:          decimal.NewFromFloat(*quote.Close[i]),
				Volume:         volume,
				Source:         "yahoo",
				SequenceNumber: int64(i),
			},
		}
		if i < len(adjClose) && adjClose[i] != nil {
			adj := decimal.NewFromFloat(*adjClose[i])
			bar.AdjustedClose = &adj
		}
		out = append(out, bar)
	}
	return out, nil
}

// SearchSymbols is unsupported: Yahoo's chart API carries no ticker search
// surface, so YahooBackfillProvider satisfies only BackfillProvider, not
// SymbolSearchProvider.

// HealthCheck verifies the provider is accessible.
func (p *YahooBackfillProvider) HealthCheck(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := p.GetBars(ctx, "SPY", GranularityDaily, now.AddDate(0, 0, -5).Unix(), now.Unix())
	if err != nil && IsKind(err, KindNotFound) {
		return nil
	}
	return err
}

// Close cleans up provider resources. Yahoo's plain HTTP client needs none.
func (p *YahooBackfillProvider) Close() error {
	return nil
}
