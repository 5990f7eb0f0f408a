package marketdata

import "context"

// BackfillProvider is the REST-facing half of a vendor integration: able
// to fetch historical bars for a symbol and date range. The backfill
// scheduler (C6) dispatches BackfillRequests against whichever registered
// provider the registry (C5) judges best for the job.
type BackfillProvider interface {
	ProviderId() ProviderId
	GetBars(ctx context.Context, symbol string, granularity Granularity, from, to int64) ([]HistoricalBar, error)
	HealthCheck(ctx context.Context) error
}

// SymbolSearchProvider resolves a free-text or partial symbol query to
// candidate tickers; a provider can satisfy both BackfillProvider and
// SymbolSearchProvider (Hybrid capability kind).
type SymbolSearchProvider interface {
	ProviderId() ProviderId
	SearchSymbols(ctx context.Context, query string, limit int) ([]string, error)
}
