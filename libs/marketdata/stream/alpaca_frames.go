package stream

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"providerplane/libs/marketdata"
)

// AlpacaFrameParser dispatches Alpaca's websocket frames by their "T"
// type tag: "t" trade, "q" quote, "success"/"error" control messages.
// Arrays are iterated and each element dispatched independently; unknown
// type tags are silently dropped.
type AlpacaFrameParser struct{}

type alpacaFrame struct {
	T         string      `json:"T"`
	Symbol    string      `json:"S"`
	Price     json.Number `json:"p"`
	Size      int64       `json:"s"`
	Timestamp string      `json:"t"`
	Venue     string      `json:"x"`
	TradeID   int64       `json:"i"`
	BidPrice  json.Number `json:"bp"`
	BidSize   int64       `json:"bs"`
	AskPrice  json.Number `json:"ap"`
	AskSize   int64       `json:"as"`
	Msg       string      `json:"msg"`
	Code      int         `json:"code"`
}

func (p AlpacaFrameParser) Parse(data []byte) ParseResult {
	var frames []alpacaFrame
	if err := json.Unmarshal(data, &frames); err != nil {
		return ParseResult{}
	}

	var result ParseResult
	for _, f := range frames {
		switch f.T {
		case "t":
			result.Events = append(result.Events, decodeAlpacaTrade(f))
		case "q":
			result.Events = append(result.Events, decodeAlpacaQuote(f))
		case "error":
			if f.Code == 429 {
				result.RateLimited = true
			} else if f.Code == 402 || f.Code == 401 {
				result.Fatal = &authRejected{msg: f.Msg}
			}
		case "subscription":
			// acknowledgement frame carrying the vendor's confirmed
			// subscription set; no event to emit.
		default:
			// unknown type tags are silently dropped per the frame
			// processing contract.
		}
	}
	return result
}

type authRejected struct{ msg string }

func (e *authRejected) Error() string { return "alpaca authentication rejected: " + e.msg }

func decodeAlpacaTrade(f alpacaFrame) marketdata.NormalizedEvent {
	price, _ := decimal.NewFromString(f.Price.String())
	ts, _ := time.Parse(time.RFC3339Nano, f.Timestamp)
	seq := f.TradeID
	return marketdata.NormalizedEvent{
		Type:           marketdata.EventTrade,
		Symbol:         f.Symbol,
		Timestamp:      ts,
		SequenceNumber: &seq,
		SourceVenue:    f.Venue,
		TradePrice:     price,
		TradeSize:      decimal.NewFromInt(f.Size),
		TradeAggressor: marketdata.AggressorUnknown,
	}
}

func decodeAlpacaQuote(f alpacaFrame) marketdata.NormalizedEvent {
	bid, _ := decimal.NewFromString(f.BidPrice.String())
	ask, _ := decimal.NewFromString(f.AskPrice.String())
	ts, _ := time.Parse(time.RFC3339Nano, f.Timestamp)
	return marketdata.NormalizedEvent{
		Type:        marketdata.EventQuote,
		Symbol:      f.Symbol,
		Timestamp:   ts,
		SourceVenue: f.Venue,
		BidPrice:    bid,
		BidSize:     decimal.NewFromInt(f.BidSize),
		AskPrice:    ask,
		AskSize:     decimal.NewFromInt(f.AskSize),
	}
}
