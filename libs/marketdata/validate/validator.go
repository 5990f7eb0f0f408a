// Package validate implements the bar validator (C3): a pure, synchronous
// batch check of historical OHLCV bars against a configurable set of
// sanity thresholds.
package validate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"providerplane/libs/marketdata"
)

// Config is a validation threshold preset.
type Config struct {
	MaxPrice              decimal.Decimal
	MinPrice              decimal.Decimal
	MaxVolume             int64
	MaxDailyChangePercent decimal.Decimal
	MaxGapPercent         decimal.Decimal
	AllowZeroVolume       bool
	AllowFutureDate       bool
	StaleDataThreshold    int
}

// DefaultConfig is a moderate preset suitable for most equities.
func DefaultConfig() Config {
	return Config{
		MaxPrice:              decimal.NewFromInt(100_000),
		MinPrice:              decimal.NewFromFloat(0.0001),
		MaxVolume:             10_000_000_000,
		MaxDailyChangePercent: decimal.NewFromInt(50),
		MaxGapPercent:         decimal.NewFromInt(50),
		AllowZeroVolume:       false,
		AllowFutureDate:       false,
		StaleDataThreshold:    5,
	}
}

// StrictConfig tightens thresholds for higher-confidence feeds.
func StrictConfig() Config {
	c := DefaultConfig()
	c.MaxDailyChangePercent = decimal.NewFromInt(20)
	c.MaxGapPercent = decimal.NewFromInt(20)
	c.StaleDataThreshold = 3
	return c
}

// LenientConfig relaxes thresholds for noisy or illiquid feeds.
func LenientConfig() Config {
	c := DefaultConfig()
	c.MaxDailyChangePercent = decimal.NewFromInt(100)
	c.MaxGapPercent = decimal.NewFromInt(100)
	c.AllowZeroVolume = true
	c.StaleDataThreshold = 10
	return c
}

// ErrorCode names a specific validation failure or warning.
type ErrorCode string

const (
	CodeEmptySymbol        ErrorCode = "EMPTY_SYMBOL"
	CodeEmptySource        ErrorCode = "EMPTY_SOURCE"
	CodeOHLCInconsistency  ErrorCode = "OHLC_INCONSISTENCY"
	CodeNegativePrice      ErrorCode = "NEGATIVE_PRICE"
	CodePriceExceedsMax    ErrorCode = "PRICE_EXCEEDS_MAX"
	CodePriceBelowMin      ErrorCode = "PRICE_BELOW_MIN"
	CodeNegativeVolume     ErrorCode = "NEGATIVE_VOLUME"
	CodeZeroVolume         ErrorCode = "ZERO_VOLUME"
	CodeVolumeExceedsMax   ErrorCode = "VOLUME_EXCEEDS_MAX"
	CodeFutureDate         ErrorCode = "FUTURE_DATE"
	CodePriceSpike         ErrorCode = "PRICE_SPIKE"
	CodePriceGap           ErrorCode = "PRICE_GAP"
	CodeDuplicateDate      ErrorCode = "DUPLICATE_DATE"
	CodeStaleData          ErrorCode = "STALE_DATA"
)

// Finding is one error or warning attached to a bar.
type Finding struct {
	Code    ErrorCode
	Message string
}

// Rejection pairs a bar with the errors that disqualified it from valid[].
type Rejection struct {
	Bar    marketdata.HistoricalBar
	Errors []Finding
}

// Warning pairs a bar with a non-rejecting finding.
type Warning struct {
	Bar     marketdata.HistoricalBar
	Finding Finding
}

// Result is the validator's full output for one batch.
type Result struct {
	Valid    []marketdata.HistoricalBar
	Rejected []Rejection
	Warnings []Warning
	Errors   []error
}

// Validate checks bars against config and returns the classified result.
// It is pure and synchronous: identical input (including now) yields
// identical output. now is the reference "today" for the future-date
// check; callers pass the injected clock's current time.
func Validate(bars []marketdata.HistoricalBar, config Config, now time.Time) Result {
	sorted := make([]marketdata.HistoricalBar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Symbol != sorted[j].Symbol {
			return sorted[i].Symbol < sorted[j].Symbol
		}
		return sorted[i].SessionDate.Before(sorted[j].SessionDate)
	})

	result := Result{}

	dateCounts := make(map[string]int, len(sorted))
	for _, bar := range sorted {
		dateCounts[dupKey(bar)]++
	}

	var prevBar *marketdata.HistoricalBar
	staleStreak := 0
	today := now.UTC().Truncate(24 * time.Hour)

	for _, bar := range sorted {
		var errs []Finding
		var warns []Finding

		if bar.Symbol == "" {
			errs = append(errs, Finding{CodeEmptySymbol, "symbol is empty"})
		}
		if bar.Source == "" {
			errs = append(errs, Finding{CodeEmptySource, "source is empty"})
		}

		if bar.Low.GreaterThan(bar.High) {
			errs = append(errs, Finding{CodeOHLCInconsistency, "low exceeds high"})
		} else {
			if bar.Open.LessThan(bar.Low) || bar.Open.GreaterThan(bar.High) {
				errs = append(errs, Finding{CodeOHLCInconsistency, "open outside [low,high]"})
			}
			if bar.Close.LessThan(bar.Low) || bar.Close.GreaterThan(bar.High) {
				errs = append(errs, Finding{CodeOHLCInconsistency, "close outside [low,high]"})
			}
		}

		for _, price := range []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close} {
			if price.IsNegative() {
				errs = append(errs, Finding{CodeNegativePrice, "negative price"})
				continue
			}
			if price.GreaterThan(config.MaxPrice) {
				errs = append(errs, Finding{CodePriceExceedsMax, "price exceeds configured maximum"})
			}
			if price.LessThan(config.MinPrice) {
				errs = append(errs, Finding{CodePriceBelowMin, "price below configured minimum"})
			}
		}

		switch {
		case bar.Volume < 0:
			errs = append(errs, Finding{CodeNegativeVolume, "negative volume"})
		case bar.Volume == 0 && !config.AllowZeroVolume:
			warns = append(warns, Finding{CodeZeroVolume, "zero volume"})
		case config.MaxVolume > 0 && bar.Volume > config.MaxVolume:
			errs = append(errs, Finding{CodeVolumeExceedsMax, "volume exceeds configured maximum"})
		}

		if !config.AllowFutureDate && bar.SessionDate.UTC().Truncate(24*time.Hour).After(today) {
			errs = append(errs, Finding{CodeFutureDate, "session date is in the future"})
		}

		if !bar.Open.IsZero() {
			changePct := bar.Close.Sub(bar.Open).Abs().Div(bar.Open).Mul(decimal.NewFromInt(100))
			if changePct.GreaterThan(config.MaxDailyChangePercent) {
				warns = append(warns, Finding{CodePriceSpike, "intra-bar change exceeds threshold"})
			}
		}

		if prevBar != nil && prevBar.Symbol == bar.Symbol && !prevBar.Close.IsZero() {
			gapPct := bar.Open.Sub(prevBar.Close).Abs().Div(prevBar.Close).Mul(decimal.NewFromInt(100))
			if gapPct.GreaterThan(config.MaxGapPercent) {
				warns = append(warns, Finding{CodePriceGap, "gap from previous close exceeds threshold"})
			}
		}

		if dateCounts[dupKey(bar)] > 1 {
			warns = append(warns, Finding{CodeDuplicateDate, "duplicate (symbol, date) in batch"})
		}

		if prevBar != nil && prevBar.Symbol == bar.Symbol && sameOHLC(*prevBar, bar) {
			staleStreak++
		} else {
			staleStreak = 1
		}
		if staleStreak == config.StaleDataThreshold {
			warns = append(warns, Finding{CodeStaleData, "identical OHLC across consecutive bars"})
		}

		for _, w := range warns {
			result.Warnings = append(result.Warnings, Warning{Bar: bar, Finding: w})
		}

		if len(errs) > 0 {
			result.Rejected = append(result.Rejected, Rejection{Bar: bar, Errors: errs})
		} else {
			result.Valid = append(result.Valid, bar)
		}

		barCopy := bar
		prevBar = &barCopy
	}

	return result
}

func dupKey(bar marketdata.HistoricalBar) string {
	return bar.Symbol + "|" + bar.SessionDate.UTC().Format("2006-01-02")
}

func sameOHLC(a, b marketdata.HistoricalBar) bool {
	return a.Open.Equal(b.Open) && a.High.Equal(b.High) && a.Low.Equal(b.Low) && a.Close.Equal(b.Close)
}
