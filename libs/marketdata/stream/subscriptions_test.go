package stream

import (
	"testing"

	"providerplane/libs/marketdata"
)

func TestSubscriptionManager_AssignsMonotonicIDsFrom100000(t *testing.T) {
	m := NewSubscriptionManager("alpaca")
	id1 := m.Subscribe("AAPL", marketdata.SubscriptionTrade)
	id2 := m.Subscribe("MSFT", marketdata.SubscriptionTrade)

	if id1 != firstSubscriptionID {
		t.Fatalf("expected first id %d, got %d", firstSubscriptionID, id1)
	}
	if id2 != firstSubscriptionID+1 {
		t.Fatalf("expected second id %d, got %d", firstSubscriptionID+1, id2)
	}
}

func TestSubscriptionManager_DuplicateReturnsExistingID(t *testing.T) {
	m := NewSubscriptionManager("alpaca")
	id1 := m.Subscribe("AAPL", marketdata.SubscriptionTrade)
	id2 := m.Subscribe("AAPL", marketdata.SubscriptionTrade)
	if id1 != id2 {
		t.Fatalf("expected duplicate subscribe to return same id, got %d and %d", id1, id2)
	}
}

func TestSubscriptionManager_DistinctKindsGetDistinctIDs(t *testing.T) {
	m := NewSubscriptionManager("alpaca")
	tradeID := m.Subscribe("AAPL", marketdata.SubscriptionTrade)
	quoteID := m.Subscribe("AAPL", marketdata.SubscriptionQuote)
	if tradeID == quoteID {
		t.Fatal("expected distinct (symbol, kind) pairs to get distinct ids")
	}
}

func TestSubscriptionManager_UnsubscribeRemovesMapping(t *testing.T) {
	m := NewSubscriptionManager("alpaca")
	id := m.Subscribe("AAPL", marketdata.SubscriptionTrade)
	removed := m.Unsubscribe("AAPL", marketdata.SubscriptionTrade)
	if removed != id {
		t.Fatalf("expected Unsubscribe to return %d, got %d", id, removed)
	}
	if len(m.Active()) != 0 {
		t.Fatal("expected no active subscriptions after unsubscribe")
	}

	reSub := m.Subscribe("AAPL", marketdata.SubscriptionTrade)
	if reSub == id {
		t.Fatal("expected a fresh id after unsubscribe and re-subscribe")
	}
}

func TestSubscriptionManager_MarkFailedDoesNotAffectOthers(t *testing.T) {
	m := NewSubscriptionManager("alpaca")
	id1 := m.Subscribe("AAPL", marketdata.SubscriptionTrade)
	id2 := m.Subscribe("MSFT", marketdata.SubscriptionTrade)

	m.MarkFailed(id1)
	if !m.IsFailed(id1) {
		t.Fatal("expected id1 to be marked failed")
	}
	if m.IsFailed(id2) {
		t.Fatal("expected id2 to remain unaffected")
	}
}
