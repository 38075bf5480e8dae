package rules

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rendis/conviction/pkg/schema"
)

// SignalScope converts signals into the list-of-maps shape expression
// engines traverse. Decimal and time values flatten to float64 and RFC 3339
// strings so rules stay free of Go types.
func SignalScope(signals []schema.Signal) []any {
	out := make([]any, 0, len(signals))
	for _, sig := range signals {
		entry := map[string]any{
			"source_node_id": sig.SourceNodeID,
			"direction":      string(sig.Direction),
			"confidence":     sig.Confidence,
			"rationale":      sig.Rationale,
			"produced_at":    sig.ProducedAt.Format(time.RFC3339Nano),
		}
		if len(sig.Metrics) > 0 {
			metrics := make(map[string]any, len(sig.Metrics))
			for k, v := range sig.Metrics {
				metrics[k] = v
			}
			entry["metrics"] = metrics
		}
		out = append(out, entry)
	}
	return out
}

// DecisionScope flattens a proposed decision for constraint rules.
func DecisionScope(d *schema.Decision) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	scope := map[string]any{
		"action":     string(d.Action),
		"confidence": d.Confidence,
	}
	if d.Size != nil {
		scope["size"] = d.Size.InexactFloat64()
	}
	return scope
}

// PortfolioScope flattens the portfolio context for constraint rules.
func PortfolioScope(p schema.Portfolio) map[string]any {
	positions := make(map[string]any, len(p.Positions))
	for id, pos := range p.Positions {
		positions[id] = map[string]any{
			"long":  pos.Long.InexactFloat64(),
			"short": pos.Short.InexactFloat64(),
		}
	}
	return map[string]any{
		"cash":      p.Cash.InexactFloat64(),
		"positions": positions,
	}
}

// DecimalMapScope flattens named decimal values (limits, exposures).
func DecimalMapScope(values map[string]decimal.Decimal) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v.InexactFloat64()
	}
	return out
}

// SeedScope exposes run identity to rules and interpolation.
func SeedScope(instrumentID string, asOf time.Time, extra map[string]any) map[string]any {
	scope := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		scope[k] = v
	}
	scope[schema.SeedKeyInstrumentID] = instrumentID
	scope[schema.SeedKeyAsOfTime] = asOf.Format(time.RFC3339)
	return scope
}
