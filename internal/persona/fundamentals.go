package persona

import (
	"context"
	"fmt"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// NewFundamentals builds the fundamentals persona: profitability, growth,
// financial health and price ratios scored against fixed thresholds.
func NewFundamentals(spec strategy.Spec) (engine.Node, error) {
	key := produceKey(spec)
	return strategy.NewFuncNode(spec, func(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error) {
		src := &source{snap: snap}

		profitability := &analysis{Name: "profitability", MaxScore: 3}
		if roe, err := src.float(ctx, "return_on_equity"); err == nil {
			if roe > 0.15 {
				profitability.add(1, fmt.Sprintf("strong ROE of %.1f%% (>15%%)", roe*100))
			} else {
				profitability.note(fmt.Sprintf("weak ROE of %.1f%%", roe*100))
			}
		} else {
			profitability.note("ROE data not available")
		}
		if nm, err := src.float(ctx, "net_margin"); err == nil {
			if nm > 0.20 {
				profitability.add(1, fmt.Sprintf("healthy net margin of %.1f%% (>20%%)", nm*100))
			} else {
				profitability.note(fmt.Sprintf("thin net margin of %.1f%%", nm*100))
			}
		} else {
			profitability.note("net margin data not available")
		}
		if om, err := src.float(ctx, "operating_margin"); err == nil {
			if om > 0.15 {
				profitability.add(1, fmt.Sprintf("strong operating margin of %.1f%% (>15%%)", om*100))
			} else {
				profitability.note(fmt.Sprintf("weak operating margin of %.1f%%", om*100))
			}
		} else {
			profitability.note("operating margin data not available")
		}

		growth := &analysis{Name: "growth", MaxScore: 3}
		for _, g := range []struct {
			key, label string
		}{
			{"revenue_growth", "revenue"},
			{"earnings_growth", "earnings"},
			{"book_value_growth", "book value"},
		} {
			v, err := src.float(ctx, g.key)
			if err != nil {
				growth.note(g.label + " growth data not available")
				continue
			}
			if v > 0.10 {
				growth.add(1, fmt.Sprintf("%s growth of %.1f%% (>10%%)", g.label, v*100))
			} else {
				growth.note(fmt.Sprintf("slow %s growth of %.1f%%", g.label, v*100))
			}
		}

		health := &analysis{Name: "financial_health", MaxScore: 3}
		if cr, err := src.float(ctx, "current_ratio"); err == nil {
			if cr > 1.5 {
				health.add(1, fmt.Sprintf("good liquidity (current ratio %.2f > 1.5)", cr))
			} else {
				health.note(fmt.Sprintf("weak liquidity (current ratio %.2f)", cr))
			}
		} else {
			health.note("current ratio data not available")
		}
		if de, err := src.float(ctx, "debt_to_equity"); err == nil {
			if de < 0.5 {
				health.add(1, fmt.Sprintf("conservative debt levels (D/E %.2f < 0.5)", de))
			} else {
				health.note(fmt.Sprintf("elevated debt levels (D/E %.2f)", de))
			}
		} else {
			health.note("debt to equity data not available")
		}
		fcfPS, fcfErr := src.float(ctx, "free_cash_flow_per_share")
		eps, epsErr := src.float(ctx, "earnings_per_share")
		if fcfErr == nil && epsErr == nil && eps != 0 {
			if fcfPS > eps*0.8 {
				health.add(1, fmt.Sprintf("strong FCF conversion (FCF/share %.2f vs EPS %.2f)", fcfPS, eps))
			} else {
				health.note(fmt.Sprintf("weak FCF conversion (FCF/share %.2f vs EPS %.2f)", fcfPS, eps))
			}
		} else {
			health.note("cash conversion data not available")
		}

		ratios := &analysis{Name: "price_ratios", MaxScore: 3}
		for _, r := range []struct {
			key, label string
			limit      float64
		}{
			{"price_to_earnings_ratio", "P/E", 25},
			{"price_to_book_ratio", "P/B", 3},
			{"price_to_sales_ratio", "P/S", 5},
		} {
			v, err := src.float(ctx, r.key)
			if err != nil {
				ratios.note(r.label + " data not available")
				continue
			}
			if v > 0 && v < r.limit {
				ratios.add(1, fmt.Sprintf("reasonable %s of %.1f (<%.0f)", r.label, v, r.limit))
			} else {
				ratios.note(fmt.Sprintf("stretched %s of %.1f", r.label, v))
			}
		}

		if err := src.noData(); err != nil {
			return nil, nil, err
		}

		dir, conf, rationale := verdict(profitability, growth, health, ratios)
		sig := &schema.Signal{
			SourceNodeID: spec.NodeID,
			Direction:    dir,
			Confidence:   conf,
			Rationale:    rationale,
			Metrics:      scoreMetrics(profitability, growth, health, ratios),
		}

		var patch state.Patch
		if key != "" {
			patch = state.NewPatch().Set(key, breakdown(profitability, growth, health, ratios))
		}
		return sig, patch, nil
	}), nil
}
