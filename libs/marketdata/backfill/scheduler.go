// Package backfill implements the backfill scheduler (C6): gap analysis
// into prioritized requests, a priority-queue dispatch surface pumped by
// callers (the scheduler owns no dispatch goroutine of its own), and
// retry/non-retry classification on completion.
//
// Grounded on the teacher's registry.go mutex-serialized-writer shape,
// generalized from a flat map to a priority heap since the contract here
// additionally demands priority ordering and admission scanning.
package backfill

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"providerplane/libs/marketdata"
	"providerplane/libs/marketdata/ratelimit"
	"providerplane/libs/observability"
)

// nonRetryableSubstrings classify a completion error as terminal rather
// than retryable, matched case-insensitively against the error's message.
var nonRetryableSubstrings = []string{
	"not found", "404", "invalid symbol", "authentication failed",
	"403", "unauthorized", "401",
}

// Config tunes admission limits and retry/priority behavior.
type Config struct {
	MaxConcurrentRequests    int
	MaxConcurrentPerProvider int
	CompletionCapacity       int // default 500
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 20
	}
	if c.MaxConcurrentPerProvider <= 0 {
		c.MaxConcurrentPerProvider = 5
	}
	if c.CompletionCapacity <= 0 {
		c.CompletionCapacity = 500
	}
	return c
}

// Statistics is a point-in-time snapshot for observability consumers.
type Statistics struct {
	Pending    int
	InFlight   int
	Completed  int
	Failed     int
	Cancelled  int
	ByProvider map[marketdata.ProviderId]int
}

// Scheduler is the passive priority-queue dispatch surface described in
// §4.6: it does not own dispatch goroutines; callers pump it by polling
// TryDequeueRunnable.
type Scheduler struct {
	mu sync.Mutex

	config Config
	clock  func() time.Time

	governor *ratelimit.Governor

	heap    priorityHeap
	seq     int64
	inFlight map[string]*marketdata.BackfillRequest
	jobs    map[string]*marketdata.BackfillJob

	activeByProvider   map[marketdata.ProviderId]int
	cooldownByProvider map[marketdata.ProviderId]time.Time

	completed int
	failed    int
	cancelled int

	completions chan marketdata.BackfillRequest
}

// New builds a Scheduler. governor is consulted during admission
// (IsRateLimited / IsApproachingLimit); clock defaults to time.Now.
func New(config Config, governor *ratelimit.Governor, clock func() time.Time) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	config = config.withDefaults()
	return &Scheduler{
		config:             config,
		clock:              clock,
		governor:           governor,
		inFlight:           make(map[string]*marketdata.BackfillRequest),
		jobs:               make(map[string]*marketdata.BackfillJob),
		activeByProvider:   make(map[marketdata.ProviderId]int),
		cooldownByProvider: make(map[marketdata.ProviderId]time.Time),
		completions:        make(chan marketdata.BackfillRequest, config.CompletionCapacity),
	}
}

// CompletedRequests returns the completion stream; a completed request
// (success or terminal failure) is published here as it settles.
func (s *Scheduler) CompletedRequests() <-chan marketdata.BackfillRequest {
	return s.completions
}

// EnqueueJob consolidates gaps (per-symbol sets of missing SessionDates)
// into contiguous date ranges no wider than job.Options.BatchSizeDays,
// generates one BackfillRequest per range, and pushes them onto the
// priority heap.
func (s *Scheduler) EnqueueJob(ctx context.Context, job *marketdata.BackfillJob, gaps map[string][]time.Time) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Progress == nil {
		job.Progress = make(map[string]*marketdata.SymbolProgress)
	}
	batchDays := job.Options.BatchSizeDays
	if batchDays <= 0 {
		batchDays = 30
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.JobID] = job
	now := s.clock()

	total := 0
	for _, symbol := range job.Symbols {
		dates := append([]time.Time(nil), gaps[symbol]...)
		if len(dates) == 0 {
			continue
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

		progress := job.Progress[symbol]
		if progress == nil {
			progress = &marketdata.SymbolProgress{}
			job.Progress[symbol] = progress
		}
		progress.DatesToFill = dates

		for _, rng := range consolidateRanges(dates, batchDays) {
			req := &marketdata.BackfillRequest{
				RequestID:          uuid.New().String(),
				JobID:              job.JobID,
				Symbol:             symbol,
				From:               rng.from,
				To:                 rng.to,
				Granularity:        job.Granularity,
				PreferredProviders: job.PreferredProviders,
				Priority:           priorityFor(job.Options.Priority, rng.to, now, 0),
				MaxRetries:         job.Options.MaxRetries,
				Status:             marketdata.RequestPending,
				CreatedAt:          now,
			}
			s.seq++
			heap.Push(&s.heap, &item{request: req, seq: s.seq})
			progress.TotalRequests++
			total++
		}
	}

	observability.RecordBackfillQueueDepth(ctx, s.heap.Len())
	return nil
}

type dateRange struct{ from, to time.Time }

// consolidateRanges groups sorted, deduplicated dates into contiguous
// runs, each split further so no single range spans more than
// batchDays days.
func consolidateRanges(dates []time.Time, batchDays int) []dateRange {
	if len(dates) == 0 {
		return nil
	}
	const day = 24 * time.Hour
	var ranges []dateRange
	start := dates[0]
	prev := dates[0]
	spanDays := 1
	flush := func(end time.Time) {
		ranges = append(ranges, dateRange{from: start, to: end})
	}
	for _, d := range dates[1:] {
		contiguous := d.Sub(prev) <= day
		if contiguous && spanDays < batchDays {
			prev = d
			spanDays++
			continue
		}
		flush(prev)
		start = d
		prev = d
		spanDays = 1
	}
	flush(prev)
	return ranges
}

// priorityFor computes `basePriority + min(50, daysAgo/30) + 5*failedCount`
// per §4.6. Lower is better; more recent dates (smaller daysAgo) are
// preferred and prior failures deprioritize a symbol's request.
func priorityFor(basePriority int, sessionDate, now time.Time, failedCount int) int {
	daysAgo := int(now.Sub(sessionDate).Hours() / 24)
	if daysAgo < 0 {
		daysAgo = 0
	}
	recencyBonus := daysAgo / 30
	if recencyBonus > 50 {
		recencyBonus = 50
	}
	return basePriority + recencyBonus + 5*failedCount
}

// TryDequeueRunnable scans the heap for the highest-priority request that
// has at least one admissible preferred provider, returning it with
// AssignedProvider set and Status advanced to InProgress. Returns
// (nil, nil) if nothing is currently runnable.
func (s *Scheduler) TryDequeueRunnable(ctx context.Context) (*marketdata.BackfillRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inFlight) >= s.config.MaxConcurrentRequests {
		return nil, nil
	}

	var skipped []*item
	defer func() {
		for _, it := range skipped {
			heap.Push(&s.heap, it)
		}
	}()

	for s.heap.Len() > 0 {
		it := heap.Pop(&s.heap).(*item)
		provider, ok := s.pickProvider(it.request.PreferredProviders)
		if !ok {
			skipped = append(skipped, it)
			continue
		}

		now := s.clock()
		it.request.AssignedProvider = provider
		it.request.Status = marketdata.RequestInProgress
		it.request.StartedAt = &now

		s.activeByProvider[provider]++
		s.inFlight[it.request.RequestID] = it.request

		observability.RecordBackfillQueueDepth(ctx, s.heap.Len())
		return it.request, nil
	}

	return nil, nil
}

// pickProvider returns the first preferred provider satisfying the
// admission conditions of §4.6: under its per-provider concurrency cap,
// no active local cooldown, and not rate-limited (nor within 5% of its
// limit) per C2.
func (s *Scheduler) pickProvider(preferred []marketdata.ProviderId) (marketdata.ProviderId, bool) {
	now := s.clock()
	for _, p := range preferred {
		if s.activeByProvider[p] >= s.config.MaxConcurrentPerProvider {
			continue
		}
		if until, ok := s.cooldownByProvider[p]; ok && now.Before(until) {
			continue
		}
		if s.governor != nil {
			if s.governor.IsRateLimited(string(p)) {
				continue
			}
			if s.governor.IsApproachingLimit(string(p), 0.95) {
				continue
			}
		}
		return p, true
	}
	return "", false
}

// CompleteRequest records the outcome of an in-flight request. On
// success it is marked Completed and published to the completion
// stream. On failure, a non-retryable error terminates it; otherwise it
// is re-enqueued with a priority penalty up to MaxRetries, after which
// it is marked Failed terminally. The per-provider active counter is
// released regardless of outcome.
func (s *Scheduler) CompleteRequest(ctx context.Context, requestID string, success bool, err error, barsRetrieved int) error {
	s.mu.Lock()

	req, ok := s.inFlight[requestID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("backfill: unknown in-flight request %q", requestID)
	}
	delete(s.inFlight, requestID)
	if req.AssignedProvider != "" {
		s.activeByProvider[req.AssignedProvider]--
		if s.activeByProvider[req.AssignedProvider] <= 0 {
			delete(s.activeByProvider, req.AssignedProvider)
		}
	}

	now := s.clock()
	req.CompletedAt = &now
	req.BarsRetrieved = barsRetrieved

	var job *marketdata.BackfillJob
	if j, ok := s.jobs[req.JobID]; ok {
		job = j
	}

	requeued := false
	if success {
		req.Status = marketdata.RequestCompleted
		req.Error = nil
		s.completed++
		if job != nil {
			if p := job.Progress[req.Symbol]; p != nil {
				p.Completed++
			}
		}
	} else {
		req.Error = err
		if isNonRetryable(err) || req.RetryCount >= req.MaxRetries {
			req.Status = marketdata.RequestFailed
			s.failed++
			if job != nil {
				if p := job.Progress[req.Symbol]; p != nil {
					p.Failed++
				}
			}
		} else {
			req.RetryCount++
			req.Priority += 10
			req.AssignedProvider = ""
			req.Status = marketdata.RequestPending
			req.StartedAt = nil
			req.CompletedAt = nil
			s.seq++
			heap.Push(&s.heap, &item{request: req, seq: s.seq})
			requeued = true
		}
	}
	s.mu.Unlock()

	if !requeued {
		select {
		case s.completions <- *req:
		case <-ctx.Done():
		}
		if job != nil && success {
			observability.RecordBackfillJobDuration(ctx, string(req.AssignedProvider), now.Sub(req.CreatedAt))
		}
	}
	return nil
}

// isNonRetryable reports whether err's message matches one of the
// non-retryable substrings (§4.6): not found, invalid symbol, or an auth
// failure. Matching is case-insensitive.
func isNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RecordProviderRateLimitHit installs a scheduler-local cooldown for
// provider (default 60s) and cooperates with the governor by recording
// the same hit there, per §4.6: "both register the event."
func (s *Scheduler) RecordProviderRateLimitHit(provider marketdata.ProviderId, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	s.mu.Lock()
	until := s.clock().Add(cooldown)
	if existing, ok := s.cooldownByProvider[provider]; !ok || until.After(existing) {
		s.cooldownByProvider[provider] = until
	}
	s.mu.Unlock()

	if s.governor != nil {
		s.governor.RecordRateLimitHit(string(provider), cooldown)
	}
}

// CancelJob drops every pending request for jobID in O(pending) by
// rebuilding the heap without them, and marks the job cancelled.
// In-flight requests for the job are not interrupted; their completions
// are still recorded, but the job stays marked cancelled.
func (s *Scheduler) CancelJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("backfill: unknown job %q", jobID)
	}
	job.Cancelled = true

	kept := make(priorityHeap, 0, len(s.heap))
	for _, it := range s.heap {
		if it.request.JobID == jobID {
			it.request.Status = marketdata.RequestCancelled
			s.cancelled++
			continue
		}
		kept = append(kept, it)
	}
	s.heap = kept
	heap.Init(&s.heap)
	return nil
}

// GetStatistics returns a point-in-time snapshot of queue and completion
// counts.
func (s *Scheduler) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	byProvider := make(map[marketdata.ProviderId]int, len(s.activeByProvider))
	for p, n := range s.activeByProvider {
		byProvider[p] = n
	}
	return Statistics{
		Pending:    s.heap.Len(),
		InFlight:   len(s.inFlight),
		Completed:  s.completed,
		Failed:     s.failed,
		Cancelled:  s.cancelled,
		ByProvider: byProvider,
	}
}
