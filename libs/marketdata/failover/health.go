// Package failover implements the failover controller (C7): a
// health-monitoring loop that evaluates rule-driven primary/backup swaps
// and transfers subscriptions between streaming clients.
//
// Grounded on the teacher's registry.go for the RCU-style
// mutex-serialized-writer shape, and on stream/client.go's reconnect gate
// for the "exactly one concurrent operation" pattern reused here for
// executeFailover serialization.
package failover

import (
	"sync"
	"time"

	"providerplane/libs/marketdata"
)

// HealthTracker owns every ProviderHealthState, mutated only by the
// failover controller and read by anyone via Get.
type HealthTracker struct {
	mu    sync.RWMutex
	state map[marketdata.ProviderId]*marketdata.ProviderHealthState
	clock func() time.Time
}

// NewHealthTracker builds an empty tracker. clock defaults to time.Now.
func NewHealthTracker(clock func() time.Time) *HealthTracker {
	if clock == nil {
		clock = time.Now
	}
	return &HealthTracker{state: make(map[marketdata.ProviderId]*marketdata.ProviderHealthState), clock: clock}
}

func (h *HealthTracker) stateFor(id marketdata.ProviderId) *marketdata.ProviderHealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.state[id]
	if !ok {
		s = &marketdata.ProviderHealthState{ProviderID: id}
		h.state[id] = s
	}
	return s
}

// ReportIssue increments consecutive failures, resets consecutive
// successes, stamps LastIssueTime, and pushes into the bounded ring of
// recent issues. Field updates happen under the tracker's lock so
// concurrent reporters for different providers never contend on the
// same state.
func (h *HealthTracker) ReportIssue(id marketdata.ProviderId, issueType marketdata.IssueType, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.state[id]
	if !ok {
		s = &marketdata.ProviderHealthState{ProviderID: id}
		h.state[id] = s
	}
	now := h.clock()
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	s.LastIssueTime = now
	s.PushIssue(marketdata.Issue{Type: issueType, At: now, Msg: msg})
}

// ReportSuccess increments consecutive successes, resets consecutive
// failures, and stamps LastSuccessTime.
func (h *HealthTracker) ReportSuccess(id marketdata.ProviderId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.state[id]
	if !ok {
		s = &marketdata.ProviderHealthState{ProviderID: id}
		h.state[id] = s
	}
	s.ConsecutiveSuccesses++
	s.ConsecutiveFailures = 0
	s.LastSuccessTime = h.clock()
}

// SetDataQuality records the latest data-quality score for id, observed
// out-of-band from connect/disconnect and issue reporting.
func (h *HealthTracker) SetDataQuality(id marketdata.ProviderId, score float64) {
	s := h.stateFor(id)
	h.mu.Lock()
	s.DataQualityScore = score
	h.mu.Unlock()
}

// SetLatency records the latest average latency observation for id.
func (h *HealthTracker) SetLatency(id marketdata.ProviderId, ms int64) {
	s := h.stateFor(id)
	h.mu.Lock()
	s.AvgLatencyMs = ms
	h.mu.Unlock()
}

// Get returns a snapshot copy of id's health state.
func (h *HealthTracker) Get(id marketdata.ProviderId) marketdata.ProviderHealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.state[id]
	if !ok {
		return marketdata.ProviderHealthState{ProviderID: id}
	}
	return *s
}
