package persona

import (
	"context"
	"fmt"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// buffettOptions tunes the owner-earnings valuation. Defaults follow the
// classic conservative assumptions.
type buffettOptions struct {
	DiscountRate   float64 `json:"discount_rate"`
	GrowthRate     float64 `json:"growth_rate"`
	Years          int     `json:"years"`
	MarginOfSafety float64 `json:"margin_of_safety"`
}

// NewBuffett builds the quality-and-moat persona: fundamental strength,
// earnings consistency, moat durability and an owner-earnings intrinsic
// value compared against market cap with a margin of safety.
func NewBuffett(spec strategy.Spec) (engine.Node, error) {
	opts := buffettOptions{
		DiscountRate:   0.09,
		GrowthRate:     0.05,
		Years:          10,
		MarginOfSafety: 0.25,
	}
	if err := strategy.DecodeOptions(spec, &opts); err != nil {
		return nil, err
	}

	key := produceKey(spec)
	return strategy.NewFuncNode(spec, func(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error) {
		src := &source{snap: snap}

		strength := &analysis{Name: "fundamental_strength", MaxScore: 7}
		if roe, err := src.float(ctx, "return_on_equity"); err == nil {
			if roe > 0.15 {
				strength.add(2, fmt.Sprintf("strong ROE of %.1f%%", roe*100))
			} else {
				strength.note(fmt.Sprintf("weak ROE of %.1f%%", roe*100))
			}
		} else {
			strength.note("ROE data not available")
		}
		if de, err := src.float(ctx, "debt_to_equity"); err == nil {
			if de < 0.5 {
				strength.add(2, "conservative debt levels")
			} else {
				strength.note(fmt.Sprintf("high debt to equity ratio of %.2f", de))
			}
		} else {
			strength.note("debt to equity data not available")
		}
		if om, err := src.float(ctx, "operating_margin"); err == nil {
			if om > 0.15 {
				strength.add(2, "strong operating margins")
			} else {
				strength.note(fmt.Sprintf("weak operating margin of %.1f%%", om*100))
			}
		} else {
			strength.note("operating margin data not available")
		}
		if cr, err := src.float(ctx, "current_ratio"); err == nil {
			if cr > 1.5 {
				strength.add(1, "good liquidity position")
			} else {
				strength.note(fmt.Sprintf("weak liquidity (current ratio %.2f)", cr))
			}
		} else {
			strength.note("current ratio data not available")
		}

		consistency := &analysis{Name: "earnings_consistency", MaxScore: 3}
		if earnings, err := src.series(ctx, "earnings_history"); err == nil && len(earnings) >= 4 {
			// Series is most recent first: growing means each period beats
			// the next-older one.
			growing := true
			for i := 0; i < len(earnings)-1; i++ {
				if earnings[i] <= earnings[i+1] {
					growing = false
					break
				}
			}
			if growing {
				consistency.add(3, fmt.Sprintf("consistent earnings growth over %d periods", len(earnings)))
			} else {
				total := 0.0
				if earnings[len(earnings)-1] != 0 {
					total = (earnings[0] - earnings[len(earnings)-1]) / abs(earnings[len(earnings)-1])
				}
				consistency.note(fmt.Sprintf("inconsistent earnings growth pattern (%.1f%% total)", total*100))
			}
		} else {
			consistency.note("insufficient earnings history")
		}

		moat := &analysis{Name: "moat", MaxScore: 3}
		if roes, err := src.series(ctx, "return_on_equity_history"); err == nil && len(roes) >= 5 {
			high := 0
			for _, r := range roes {
				if r > 0.15 {
					high++
				}
			}
			if float64(high)/float64(len(roes)) >= 0.8 {
				moat.add(2, fmt.Sprintf("durable advantage: %d/%d periods with ROE >15%%", high, len(roes)))
			} else if float64(high)/float64(len(roes)) >= 0.6 {
				moat.add(1, fmt.Sprintf("decent ROE persistence: %d/%d periods >15%%", high, len(roes)))
			} else {
				moat.note(fmt.Sprintf("inconsistent returns on capital: %d/%d periods >15%%", high, len(roes)))
			}
		} else {
			moat.note("insufficient ROE history for moat analysis")
		}
		if margins, err := src.series(ctx, "operating_margin_history"); err == nil && len(margins) >= 5 {
			stable := true
			for _, m := range margins {
				if m < 0.15 {
					stable = false
					break
				}
			}
			if stable {
				moat.add(1, "stable operating margins indicate pricing power")
			} else {
				moat.note("margin pressure in some periods")
			}
		} else {
			moat.note("insufficient margin history")
		}

		// Owner earnings: net income + depreciation − maintenance capex,
		// projected and discounted, then compared to market cap.
		valuation := &analysis{Name: "intrinsic_value", MaxScore: 5}
		netIncome, niErr := src.float(ctx, "net_income")
		depreciation, depErr := src.float(ctx, "depreciation_and_amortization")
		capex, capErr := src.float(ctx, "capital_expenditure")
		marketCap, mcErr := src.float(ctx, "market_cap")
		if niErr == nil && depErr == nil && capErr == nil && mcErr == nil && marketCap > 0 {
			ownerEarnings := netIncome + depreciation - abs(capex)*0.85
			if ownerEarnings > 0 {
				intrinsic := discountedValue(ownerEarnings, opts.GrowthRate, opts.DiscountRate, opts.Years)
				conservative := intrinsic * (1 - opts.MarginOfSafety)
				mos := (conservative - marketCap) / marketCap
				switch {
				case mos > 0.3:
					valuation.add(5, fmt.Sprintf("deeply undervalued: %.0f%% margin of safety after haircut", mos*100))
				case mos > 0:
					valuation.add(3, fmt.Sprintf("undervalued: %.0f%% margin of safety after haircut", mos*100))
				case mos > -0.2:
					valuation.add(1, fmt.Sprintf("roughly fair value (%.0f%%)", mos*100))
				default:
					valuation.note(fmt.Sprintf("overvalued by %.0f%% against owner earnings", -mos*100))
				}
			} else {
				valuation.note("negative owner earnings")
			}
		} else {
			valuation.note("owner earnings inputs not available")
		}

		if err := src.noData(); err != nil {
			return nil, nil, err
		}

		dir, conf, rationale := verdict(strength, consistency, moat, valuation)
		sig := &schema.Signal{
			SourceNodeID: spec.NodeID,
			Direction:    dir,
			Confidence:   conf,
			Rationale:    rationale,
			Metrics:      scoreMetrics(strength, consistency, moat, valuation),
		}

		var patch state.Patch
		if key != "" {
			patch = state.NewPatch().Set(key, breakdown(strength, consistency, moat, valuation))
		}
		return sig, patch, nil
	}), nil
}

// discountedValue projects a growing cash flow for n years plus a terminal
// value, discounted back to the present.
func discountedValue(base, growth, discount float64, years int) float64 {
	var total float64
	flow := base
	factor := 1.0
	for y := 1; y <= years; y++ {
		flow *= 1 + growth
		factor *= 1 + discount
		total += flow / factor
	}
	// Terminal value as a conservative multiple of the final-year flow.
	total += flow * 10 / factor
	return total
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
