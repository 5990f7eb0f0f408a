package symbols

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"providerplane/libs/marketdata"
	"providerplane/libs/marketdata/ratelimit"
)

const (
	openFIGIMappingURL = "https://api.openfigi.com/v3/mapping"
	openFIGIVendor      = "openfigi"
	maxBatchSize        = 100

	negativeTTL = 10 * time.Minute
	positiveTTL = 24 * time.Hour
)

// FIGIRecord is one OpenFIGI mapping result.
type FIGIRecord struct {
	Figi          string `json:"figi"`
	CompositeFigi string `json:"compositeFIGI"`
	SecurityType  string `json:"securityType"`
	MarketSector  string `json:"marketSector"`
	Ticker        string `json:"ticker"`
	Name          string `json:"name"`
	ExchangeCode  string `json:"exchCode"`
}

// LookupQuery is one identifier to resolve: IDType names the identifier
// kind on the wire and Value carries the identifier itself.
type LookupQuery struct {
	IDType       string // "TICKER", "ID_ISIN", "ID_CUSIP", "ID_SEDOL"
	Value        string
	Exchange     string
	MarketSector string
}

type cacheEntry struct {
	records []FIGIRecord
	expires time.Time
}

// Resolver resolves ticker/ISIN/CUSIP/SEDOL identifiers to FIGI records,
// fronted by an in-process LRU and subject to a rate-limit governor.
type Resolver struct {
	httpClient *http.Client
	governor   *ratelimit.Governor
	cache      *lru.Cache[string, cacheEntry]
	secondTier *marketdata.Cache
	apiKey     string
	now        func() time.Time
}

// ResolverOption configures a Resolver at construction time.
type ResolverOption func(*Resolver)

// WithAPIKey attaches an OpenFIGI API key, raising the governed rate
// limit from the unauthenticated default.
func WithAPIKey(key string) ResolverOption {
	return func(r *Resolver) { r.apiKey = key }
}

// WithSecondTierCache attaches a Redis-backed cache behind the in-process
// LRU for cross-process sharing of FIGI results.
func WithSecondTierCache(c *marketdata.Cache) ResolverOption {
	return func(r *Resolver) { r.secondTier = c }
}

// WithHTTPClient overrides the default HTTP client (for tests).
func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = client }
}

// WithClock overrides the resolver's notion of "now" (for tests).
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a Resolver. governor must already be configured with
// an "openfigi" vendor Config (25 req/min unauthenticated per spec; a
// higher ceiling when an API key is supplied is the caller's
// responsibility to configure).
func NewResolver(governor *ratelimit.Governor, opts ...ResolverOption) (*Resolver, error) {
	cache, err := lru.New[string, cacheEntry](10_000)
	if err != nil {
		return nil, fmt.Errorf("failed to build figi lru: %w", err)
	}
	r := &Resolver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		governor:   governor,
		cache:      cache,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func cacheKey(q LookupQuery) string {
	return q.IDType + "|" + q.Value + "|" + q.Exchange + "|" + q.MarketSector
}

// LookupByTicker resolves a single ticker, optionally scoped to an
// exchange and market sector.
func (r *Resolver) LookupByTicker(ctx context.Context, ticker, exchange, marketSector string) ([]FIGIRecord, error) {
	return r.lookupOne(ctx, LookupQuery{IDType: "TICKER", Value: ticker, Exchange: exchange, MarketSector: marketSector})
}

// LookupByIsin resolves a single ISIN.
func (r *Resolver) LookupByIsin(ctx context.Context, isin string) ([]FIGIRecord, error) {
	return r.lookupOne(ctx, LookupQuery{IDType: "ID_ISIN", Value: isin})
}

// LookupByCusip resolves a single CUSIP.
func (r *Resolver) LookupByCusip(ctx context.Context, cusip string) ([]FIGIRecord, error) {
	return r.lookupOne(ctx, LookupQuery{IDType: "ID_CUSIP", Value: cusip})
}

// LookupBySedol resolves a single SEDOL.
func (r *Resolver) LookupBySedol(ctx context.Context, sedol string) ([]FIGIRecord, error) {
	return r.lookupOne(ctx, LookupQuery{IDType: "ID_SEDOL", Value: sedol})
}

func (r *Resolver) lookupOne(ctx context.Context, q LookupQuery) ([]FIGIRecord, error) {
	results, err := r.LookupBatch(ctx, []LookupQuery{q})
	if err != nil {
		return nil, err
	}
	return results[cacheKey(q)], nil
}

// LookupBatch resolves many identifiers at once, chunking into ≤100-sized
// requests per OpenFIGI's batch limit and merging results keyed by each
// query's cache key. Malformed responses never propagate as errors across
// this boundary: they surface as an empty result set for the affected
// queries. An HTTP 429 surfaces as marketdata.ErrRateLimited.
func (r *Resolver) LookupBatch(ctx context.Context, queries []LookupQuery) (map[string][]FIGIRecord, error) {
	results := make(map[string][]FIGIRecord, len(queries))
	var uncached []LookupQuery

	now := r.now()
	for _, q := range queries {
		key := cacheKey(q)
		if entry, ok := r.cache.Get(key); ok && entry.expires.After(now) {
			results[key] = entry.records
			continue
		}
		if r.secondTier != nil {
			var records []FIGIRecord
			if err := r.secondTier.Get(ctx, "figi:"+key, &records); err == nil {
				results[key] = records
				ttl := positiveTTL
				if len(records) == 0 {
					ttl = negativeTTL
				}
				r.cache.Add(key, cacheEntry{records: records, expires: now.Add(ttl)})
				continue
			}
		}
		uncached = append(uncached, q)
	}

	for start := 0; start < len(uncached); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(uncached) {
			end = len(uncached)
		}
		chunk := uncached[start:end]
		chunkResults, err := r.resolveChunk(ctx, chunk)
		if err != nil {
			return results, err
		}
		for k, v := range chunkResults {
			results[k] = v
		}
	}

	return results, nil
}

func (r *Resolver) resolveChunk(ctx context.Context, chunk []LookupQuery) (map[string][]FIGIRecord, error) {
	if r.governor != nil {
		if err := r.governor.WaitForSlot(ctx, openFIGIVendor); err != nil {
			return nil, err
		}
	}

	body := make([]map[string]string, 0, len(chunk))
	for _, q := range chunk {
		entry := map[string]string{"idType": q.IDType, "idValue": q.Value}
		if q.Exchange != "" {
			entry["exchCode"] = q.Exchange
		}
		if q.MarketSector != "" {
			entry["marketSecDes"] = q.MarketSector
		}
		body = append(body, entry)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openfigi request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openFIGIMappingURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-OPENFIGI-APIKEY", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, marketdata.NewProviderError(openFIGIVendor, marketdata.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if r.governor != nil {
			r.governor.RecordRateLimitHit(openFIGIVendor, 0)
		}
		return nil, marketdata.ErrRateLimited
	}

	var raw []struct {
		Data  []FIGIRecord `json:"data"`
		Error string       `json:"error"`
	}
	results := make(map[string][]FIGIRecord, len(chunk))
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		// Malformed JSON never raises across this boundary: every query
		// in the chunk resolves to an empty, negatively-cached result.
		now := r.now()
		for _, q := range chunk {
			key := cacheKey(q)
			results[key] = nil
			r.cache.Add(key, cacheEntry{records: nil, expires: now.Add(negativeTTL)})
		}
		return results, nil
	}

	now := r.now()
	for i, q := range chunk {
		key := cacheKey(q)
		var records []FIGIRecord
		if i < len(raw) {
			records = raw[i].Data
		}
		results[key] = records

		ttl := positiveTTL
		if len(records) == 0 {
			ttl = negativeTTL
		}
		r.cache.Add(key, cacheEntry{records: records, expires: now.Add(ttl)})
		if r.secondTier != nil {
			_ = r.secondTier.Set(ctx, "figi:"+key, records, ttl)
		}
	}

	return results, nil
}
