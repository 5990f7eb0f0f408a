package observability

import (
	"context"
	"time"
)

// RecordReconnect logs a reconnect outcome for a streaming client as a
// metric event, distinct from LogReconnectAttempt's operational log line.
func RecordReconnect(ctx context.Context, providerID string, success bool) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":        "reconnect",
		"provider_id": providerID,
		"success":     success,
	})
}

// RecordSubscriptionCount logs the current subscription count for a
// provider after an add/remove settles.
func RecordSubscriptionCount(ctx context.Context, providerID string, count int) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":        "subscription_count",
		"provider_id": providerID,
		"count":       count,
	})
}

// RecordRateLimitHit logs a rate-limit admission rejection or delay.
func RecordRateLimitHit(ctx context.Context, providerID string) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":        "rate_limit_hit",
		"provider_id": providerID,
	})
}

// RecordBackfillQueueDepth logs the current size of the backfill
// scheduler's priority queue.
func RecordBackfillQueueDepth(ctx context.Context, depth int) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":  "backfill_queue_depth",
		"depth": depth,
	})
}

// RecordBackfillJobDuration logs how long a completed backfill job took
// from admission to completion.
func RecordBackfillJobDuration(ctx context.Context, providerID string, duration time.Duration) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":        "backfill_job_duration",
		"provider_id": providerID,
		"latency_ms":  duration.Milliseconds(),
	})
}

// RecordFailoverEvent logs a failover or recovery transition as a metric.
func RecordFailoverEvent(ctx context.Context, ruleID string, kind string) {
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":    "failover_event",
		"rule_id": ruleID,
		"kind":    kind,
	})
}
