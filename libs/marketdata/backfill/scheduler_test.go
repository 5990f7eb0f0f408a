package backfill

import (
	"container/heap"
	"context"
	"errors"
	"testing"
	"time"

	"providerplane/libs/marketdata"
	"providerplane/libs/marketdata/ratelimit"
)

func jobWithGaps(t *testing.T, symbol string, dates []time.Time, preferred ...marketdata.ProviderId) *marketdata.BackfillJob {
	t.Helper()
	return &marketdata.BackfillJob{
		Symbols:            []string{symbol},
		Granularity:        marketdata.GranularityDaily,
		PreferredProviders: preferred,
		Options:            marketdata.BackfillOptions{BatchSizeDays: 30, MaxRetries: 2},
	}
}

func TestScheduler_PriorityOrderDequeuesLowerFirst(t *testing.T) {
	s := New(Config{}, nil, nil)

	reqA := &marketdata.BackfillRequest{RequestID: "a", JobID: "j", Symbol: "AAPL", Priority: 5, PreferredProviders: []marketdata.ProviderId{"alpaca"}, Status: marketdata.RequestPending}
	reqB := &marketdata.BackfillRequest{RequestID: "b", JobID: "j", Symbol: "MSFT", Priority: 50, PreferredProviders: []marketdata.ProviderId{"alpaca"}, Status: marketdata.RequestPending}
	s.jobs["j"] = &marketdata.BackfillJob{JobID: "j", Progress: map[string]*marketdata.SymbolProgress{}}
	pushTestRequest(s, reqB)
	pushTestRequest(s, reqA)

	got, err := s.TryDequeueRunnable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.RequestID != "a" {
		t.Fatalf("expected request a (priority 5) to dequeue first, got %+v", got)
	}
}

func pushTestRequest(s *Scheduler, req *marketdata.BackfillRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	heap.Push(&s.heap, &item{request: req, seq: s.seq})
}

func TestScheduler_EnqueueJobConsolidatesContiguousGaps(t *testing.T) {
	s := New(Config{}, nil, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gaps := map[string][]time.Time{
		"AAPL": {base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2), base.AddDate(0, 0, 10)},
	}
	job := jobWithGaps(t, "AAPL", gaps["AAPL"], "alpaca")
	job.Options.BatchSizeDays = 30

	if err := s.EnqueueJob(context.Background(), job, gaps); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats := s.GetStatistics()
	if stats.Pending != 2 {
		t.Fatalf("expected 2 consolidated ranges (contiguous run + isolated date), got %d", stats.Pending)
	}
}

func TestScheduler_AdmissionRespectsPerProviderCap(t *testing.T) {
	s := New(Config{MaxConcurrentPerProvider: 1}, nil, nil)
	s.jobs["j"] = &marketdata.BackfillJob{JobID: "j", Progress: map[string]*marketdata.SymbolProgress{}}
	req1 := &marketdata.BackfillRequest{RequestID: "1", JobID: "j", Symbol: "AAPL", PreferredProviders: []marketdata.ProviderId{"alpaca"}}
	req2 := &marketdata.BackfillRequest{RequestID: "2", JobID: "j", Symbol: "MSFT", PreferredProviders: []marketdata.ProviderId{"alpaca"}}
	pushTestRequest(s, req1)
	pushTestRequest(s, req2)

	ctx := context.Background()
	first, err := s.TryDequeueRunnable(ctx)
	if err != nil || first == nil {
		t.Fatalf("expected first request admitted, got %v err=%v", first, err)
	}

	second, err := s.TryDequeueRunnable(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != nil {
		t.Fatalf("expected second request to be withheld by per-provider cap, got %+v", second)
	}

	if err := s.CompleteRequest(ctx, first.RequestID, true, nil, 10); err != nil {
		t.Fatalf("complete: %v", err)
	}
	third, err := s.TryDequeueRunnable(ctx)
	if err != nil || third == nil {
		t.Fatalf("expected second request admitted after first completed, got %v err=%v", third, err)
	}
}

func TestScheduler_NonRetryableErrorFailsWithoutRequeue(t *testing.T) {
	s := New(Config{}, nil, nil)
	s.jobs["j"] = &marketdata.BackfillJob{JobID: "j", Progress: map[string]*marketdata.SymbolProgress{"XYZ": {}}}
	req := &marketdata.BackfillRequest{RequestID: "1", JobID: "j", Symbol: "XYZ", PreferredProviders: []marketdata.ProviderId{"alpaca"}, MaxRetries: 3}
	pushTestRequest(s, req)

	ctx := context.Background()
	dequeued, err := s.TryDequeueRunnable(ctx)
	if err != nil || dequeued == nil {
		t.Fatalf("expected request admitted: %v %v", dequeued, err)
	}

	if err := s.CompleteRequest(ctx, dequeued.RequestID, false, errors.New("symbol not found (404)"), 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats := s.GetStatistics()
	if stats.Failed != 1 || stats.Pending != 0 {
		t.Fatalf("expected terminal failure without requeue, got %+v", stats)
	}
}

func TestScheduler_RetryableErrorRequeuesWithPenalty(t *testing.T) {
	s := New(Config{}, nil, nil)
	s.jobs["j"] = &marketdata.BackfillJob{JobID: "j", Progress: map[string]*marketdata.SymbolProgress{"XYZ": {}}}
	req := &marketdata.BackfillRequest{RequestID: "1", JobID: "j", Symbol: "XYZ", Priority: 1, PreferredProviders: []marketdata.ProviderId{"alpaca"}, MaxRetries: 3}
	pushTestRequest(s, req)

	ctx := context.Background()
	dequeued, _ := s.TryDequeueRunnable(ctx)
	if err := s.CompleteRequest(ctx, dequeued.RequestID, false, errors.New("temporary network error"), 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats := s.GetStatistics()
	if stats.Pending != 1 || stats.Failed != 0 {
		t.Fatalf("expected requeue after transient error, got %+v", stats)
	}

	requeued, _ := s.TryDequeueRunnable(ctx)
	if requeued == nil || requeued.Priority != 11 {
		t.Fatalf("expected priority bumped by 10 on requeue, got %+v", requeued)
	}
	if requeued.RetryCount != 1 {
		t.Fatalf("expected retry count incremented, got %d", requeued.RetryCount)
	}
}

func TestScheduler_CancelJobDropsOnlyPending(t *testing.T) {
	s := New(Config{}, nil, nil)
	s.jobs["j1"] = &marketdata.BackfillJob{JobID: "j1"}
	s.jobs["j2"] = &marketdata.BackfillJob{JobID: "j2"}
	pushTestRequest(s, &marketdata.BackfillRequest{RequestID: "1", JobID: "j1", Symbol: "AAPL", PreferredProviders: []marketdata.ProviderId{"x"}})
	pushTestRequest(s, &marketdata.BackfillRequest{RequestID: "2", JobID: "j2", Symbol: "MSFT", PreferredProviders: []marketdata.ProviderId{"x"}})

	if err := s.CancelJob("j1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stats := s.GetStatistics()
	if stats.Pending != 1 {
		t.Fatalf("expected only job j2's request left pending, got %d", stats.Pending)
	}
	if stats.Cancelled != 1 {
		t.Fatalf("expected cancelled counter incremented, got %d", stats.Cancelled)
	}
}

func TestScheduler_RateLimitedProviderWithheld(t *testing.T) {
	g := ratelimit.New(nil)
	g.Configure("alpaca", ratelimit.Config{MaxRequests: 1, Window: time.Hour})
	_ = g.WaitForSlot(context.Background(), "alpaca")

	s := New(Config{}, g, nil)
	s.jobs["j"] = &marketdata.BackfillJob{JobID: "j"}
	pushTestRequest(s, &marketdata.BackfillRequest{RequestID: "1", JobID: "j", Symbol: "AAPL", PreferredProviders: []marketdata.ProviderId{"alpaca"}})

	got, err := s.TryDequeueRunnable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected request withheld while provider rate-limited, got %+v", got)
	}
}
