package observability

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"
)

var logger = log.New(os.Stdout, "", 0)

func LogEvent(ctx context.Context, level string, event string, fields map[string]any) {
	payload := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"level": level,
		"event": event,
	}

	info := RunInfoFromContext(ctx)
	if info.FlowID != "" {
		payload["flow_id"] = info.FlowID
	}
	if info.RunID != "" {
		payload["run_id"] = info.RunID
	}
	if info.ProviderID != "" {
		payload["provider_id"] = info.ProviderID
	}
	if info.Symbol != "" {
		payload["symbol"] = info.Symbol
	}

	for key, value := range normalizeFields(fields) {
		payload[key] = value
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("{\"level\":\"error\",\"event\":\"log_marshal_failed\",\"error\":%q}", err.Error())
		return
	}
	logger.Print(string(raw))
}

// LogConnect records a successful connect/authenticate transition for a
// streaming client.
func LogConnect(ctx context.Context, providerID string, subscriptionCount int) {
	LogEvent(ctx, "info", "provider_connected", map[string]any{
		"provider_id":        providerID,
		"subscription_count": subscriptionCount,
	})
}

// LogDisconnect records a streaming client leaving the Active state,
// whether by clean shutdown or by a lost connection.
func LogDisconnect(ctx context.Context, providerID string, err error) {
	fields := map[string]any{
		"provider_id": providerID,
		"clean":       err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "provider_disconnected", fields)
}

// LogReconnectAttempt records one reconnect attempt and its outcome.
func LogReconnectAttempt(ctx context.Context, providerID string, attempt int, delay time.Duration, err error) {
	fields := map[string]any{
		"provider_id": providerID,
		"attempt":     attempt,
		"delay_ms":    delay.Milliseconds(),
		"success":     err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "reconnect_attempt", fields)
}

// LogSubscriptionChange records a subscription-count change for a
// provider, never the individual symbols involved, per the periodic
// logging requirement.
func LogSubscriptionChange(ctx context.Context, providerID string, added, removed, total int) {
	LogEvent(ctx, "info", "subscription_change", map[string]any{
		"provider_id": providerID,
		"added":       added,
		"removed":     removed,
		"total":       total,
	})
}

// LogValidationSummary records one bar-validation batch outcome.
func LogValidationSummary(ctx context.Context, providerID string, total, valid, rejected, warnings int) {
	LogEvent(ctx, "info", "validation_summary", map[string]any{
		"provider_id": providerID,
		"total":       total,
		"valid":       valid,
		"rejected":    rejected,
		"warnings":    warnings,
	})
}

// LogRateLimitEvent records a governor admission decision that deferred
// or rejected a call.
func LogRateLimitEvent(ctx context.Context, providerID, decision string, waitFor time.Duration) {
	LogEvent(ctx, "info", "rate_limit_event", map[string]any{
		"provider_id": providerID,
		"decision":    decision,
		"wait_ms":     waitFor.Milliseconds(),
	})
}

// LogFailover records a failover or recovery transition for a symbol.
func LogFailover(ctx context.Context, ruleID, symbol, fromProvider, toProvider, reason string) {
	LogEvent(ctx, "warn", "failover", map[string]any{
		"rule_id":       ruleID,
		"symbol":        symbol,
		"from_provider": fromProvider,
		"to_provider":   toProvider,
		"reason":        reason,
	})
}

func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		switch key {
		case "input", "payload", "credentials":
			out[key] = RedactValue(value)
			continue
		}
		if err, ok := value.(error); ok {
			out[key] = err.Error()
			continue
		}
		out[key] = value
	}
	return out
}
