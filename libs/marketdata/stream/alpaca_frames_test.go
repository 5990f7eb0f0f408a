package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"providerplane/libs/marketdata"
)

func TestAlpacaFrameParser_DispatchesTradeAndQuote(t *testing.T) {
	p := AlpacaFrameParser{}
	data := []byte(`[
		{"T":"t","S":"AAPL","p":"150.25","s":100,"t":"2026-07-30T14:00:00Z"},
		{"T":"q","S":"AAPL","bp":"150.20","bs":200,"ap":"150.30","as":150,"t":"2026-07-30T14:00:01Z"}
	]`)
	result := p.Parse(data)
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if result.Events[0].Type != marketdata.EventTrade {
		t.Fatalf("expected first event to be a trade, got %v", result.Events[0].Type)
	}
	if result.Events[1].Type != marketdata.EventQuote {
		t.Fatalf("expected second event to be a quote, got %v", result.Events[1].Type)
	}
}

// TestAlpacaFrameParser_TradePassThrough feeds the literal array from
// spec scenario 1 and checks every field it specifies, including the
// trade id and venue tag that the wire format carries as "i" and "x".
func TestAlpacaFrameParser_TradePassThrough(t *testing.T) {
	p := AlpacaFrameParser{}
	data := []byte(`[{"T":"t","S":"AAPL","p":189.42,"s":100,"t":"2024-03-15T14:30:00.123456Z","x":"V","i":42}]`)

	result := p.Parse(data)
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(result.Events))
	}

	ev := result.Events[0]
	if ev.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want AAPL", ev.Symbol)
	}
	if !ev.TradePrice.Equal(decimal.NewFromFloat(189.42)) {
		t.Errorf("TradePrice = %v, want 189.42", ev.TradePrice)
	}
	if !ev.TradeSize.Equal(decimal.NewFromInt(100)) {
		t.Errorf("TradeSize = %v, want 100", ev.TradeSize)
	}
	if ev.SequenceNumber == nil || *ev.SequenceNumber != 42 {
		t.Errorf("SequenceNumber = %v, want 42", ev.SequenceNumber)
	}
	if ev.SourceVenue != "V" {
		t.Errorf("SourceVenue = %q, want V", ev.SourceVenue)
	}
	wantTS, _ := time.Parse(time.RFC3339Nano, "2024-03-15T14:30:00.123456Z")
	if !ev.Timestamp.Equal(wantTS) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, wantTS)
	}
}

func TestAlpacaFrameParser_UnknownTagSilentlyDropped(t *testing.T) {
	p := AlpacaFrameParser{}
	data := []byte(`[{"T":"x","S":"AAPL"}]`)
	result := p.Parse(data)
	if len(result.Events) != 0 {
		t.Fatalf("expected unknown type tag to be dropped, got %+v", result.Events)
	}
}

func TestAlpacaFrameParser_RateLimitError(t *testing.T) {
	p := AlpacaFrameParser{}
	data := []byte(`[{"T":"error","code":429,"msg":"too many requests"}]`)
	result := p.Parse(data)
	if !result.RateLimited {
		t.Fatal("expected RateLimited to be true for code 429")
	}
}

func TestAlpacaFrameParser_AuthErrorIsFatal(t *testing.T) {
	p := AlpacaFrameParser{}
	data := []byte(`[{"T":"error","code":401,"msg":"not authorized"}]`)
	result := p.Parse(data)
	if result.Fatal == nil {
		t.Fatal("expected a fatal auth error for code 401")
	}
}

func TestAlpacaFrameParser_MalformedJSONReturnsEmptyResult(t *testing.T) {
	p := AlpacaFrameParser{}
	result := p.Parse([]byte(`not json{{{`))
	if len(result.Events) != 0 || result.Fatal != nil {
		t.Fatalf("expected empty result for malformed JSON, got %+v", result)
	}
}
