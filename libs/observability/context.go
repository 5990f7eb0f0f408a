package observability

import "context"

type contextKey string

const (
	runIDKey      contextKey = "run_id"
	providerIDKey contextKey = "provider_id"
	symbolKey     contextKey = "symbol"
	flowIDKey     contextKey = "flow_id"
)

// RunInfo carries trace identifiers through a request context.
// FlowID spans one logical operation across components (e.g. a single
// backfill request from enqueue to completion). RunID is per-process-run.
// ProviderID tags log lines with the vendor a component is acting on
// behalf of.
type RunInfo struct {
	RunID      string
	ProviderID string
	Symbol     string
	FlowID     string
}

func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	if info.RunID != "" {
		ctx = context.WithValue(ctx, runIDKey, info.RunID)
	}
	if info.ProviderID != "" {
		ctx = context.WithValue(ctx, providerIDKey, info.ProviderID)
	}
	if info.Symbol != "" {
		ctx = context.WithValue(ctx, symbolKey, info.Symbol)
	}
	if info.FlowID != "" {
		ctx = context.WithValue(ctx, flowIDKey, info.FlowID)
	}
	return ctx
}

func RunInfoFromContext(ctx context.Context) RunInfo {
	info := RunInfo{}
	if value := ctx.Value(runIDKey); value != nil {
		if runID, ok := value.(string); ok {
			info.RunID = runID
		}
	}
	if value := ctx.Value(providerIDKey); value != nil {
		if providerID, ok := value.(string); ok {
			info.ProviderID = providerID
		}
	}
	if value := ctx.Value(symbolKey); value != nil {
		if symbol, ok := value.(string); ok {
			info.Symbol = symbol
		}
	}
	if value := ctx.Value(flowIDKey); value != nil {
		if flowID, ok := value.(string); ok {
			info.FlowID = flowID
		}
	}
	return info
}

// WithFlowID attaches a flow_id to the context, tracing one logical
// operation (a backfill request, a failover evaluation) across log lines.
func WithFlowID(ctx context.Context, flowID string) context.Context {
	if flowID == "" {
		return ctx
	}
	return context.WithValue(ctx, flowIDKey, flowID)
}

// FlowIDFromContext retrieves the flow_id set by WithFlowID.
func FlowIDFromContext(ctx context.Context) string {
	if v := ctx.Value(flowIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
