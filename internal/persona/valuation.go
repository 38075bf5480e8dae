package persona

import (
	"context"
	"fmt"
	"math"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// valuationOptions tunes the DCF and owner-earnings models. Zero values
// fall back to the conservative defaults below.
type valuationOptions struct {
	DiscountRate   float64 `json:"discount_rate"`
	RequiredReturn float64 `json:"required_return"`
	TerminalGrowth float64 `json:"terminal_growth"`
	GrowthCap      float64 `json:"growth_cap"`
	Years          int     `json:"years"`
	MarginOfSafety float64 `json:"margin_of_safety"`
}

// NewValuation builds the intrinsic-value persona: a free-cash-flow DCF and
// a Buffett-style owner-earnings model, each scored by margin of safety
// against market cap from a neutral midpoint.
func NewValuation(spec strategy.Spec) (engine.Node, error) {
	opts := valuationOptions{
		DiscountRate:   0.10,
		RequiredReturn: 0.15,
		TerminalGrowth: 0.02,
		GrowthCap:      0.10,
		Years:          5,
		MarginOfSafety: 0.25,
	}
	if err := strategy.DecodeOptions(spec, &opts); err != nil {
		return nil, err
	}

	key := produceKey(spec)
	return strategy.NewFuncNode(spec, func(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error) {
		src := &source{snap: snap}

		marketCap, mcErr := src.float(ctx, "market_cap")
		growth := 0.05
		if g, err := src.float(ctx, "earnings_growth"); err == nil {
			growth = g
		}
		if growth > opts.GrowthCap {
			growth = opts.GrowthCap
		}

		dcf := &analysis{Name: "dcf", MaxScore: 10}
		dcf.Score = 5
		fcf, fcfErr := src.float(ctx, "free_cash_flow")
		switch {
		case fcfErr != nil || fcf <= 0:
			dcf.note("insufficient free cash flow data for DCF analysis")
		case mcErr != nil || marketCap <= 0:
			dcf.note("missing market cap, cannot compute margin of safety")
		default:
			intrinsic := discountedCashFlow(fcf, growth, opts.DiscountRate, opts.TerminalGrowth, opts.Years)
			// 20% haircut before comparing against the market.
			conservative := intrinsic * 0.8
			scoreMarginOfSafety(dcf, (conservative-marketCap)/marketCap, "DCF")
		}

		owner := &analysis{Name: "owner_earnings", MaxScore: 10}
		owner.Score = 5
		netIncome, niErr := src.float(ctx, "net_income")
		depreciation, depErr := src.float(ctx, "depreciation_and_amortization")
		capex, capErr := src.float(ctx, "capital_expenditure")
		wcChange := 0.0
		if wc, err := src.series(ctx, "working_capital_history"); err == nil && len(wc) >= 2 {
			wcChange = wc[0] - wc[1]
		}
		switch {
		case niErr != nil || depErr != nil || capErr != nil:
			owner.note("insufficient financial data for owner earnings calculation")
		default:
			earnings := netIncome + depreciation - capex - wcChange
			if earnings <= 0 {
				owner.Score = 0
				owner.note("negative owner earnings, business consuming cash")
				break
			}
			if niErr == nil && netIncome > 0 {
				quality := earnings / netIncome
				if quality > 0.8 {
					owner.note(fmt.Sprintf("high quality owner earnings (%.0f%% of net income)", quality*100))
				} else if quality < 0.4 {
					owner.note(fmt.Sprintf("lower quality owner earnings (%.0f%% of net income)", quality*100))
				}
			}
			if mcErr != nil || marketCap <= 0 {
				owner.note("missing market cap, cannot compute margin of safety")
				break
			}
			terminal := math.Min(growth, 0.03)
			intrinsic := discountedCashFlow(earnings, growth, opts.RequiredReturn, terminal, opts.Years)
			conservative := intrinsic * (1 - opts.MarginOfSafety)
			scoreMarginOfSafety(owner, (conservative-marketCap)/marketCap, "owner earnings")
		}

		if err := src.noData(); err != nil {
			return nil, nil, err
		}

		dir, conf, rationale := verdict(dcf, owner)
		sig := &schema.Signal{
			SourceNodeID: spec.NodeID,
			Direction:    dir,
			Confidence:   conf,
			Rationale:    rationale,
			Metrics:      scoreMetrics(dcf, owner),
		}

		var patch state.Patch
		if key != "" {
			patch = state.NewPatch().Set(key, breakdown(dcf, owner))
		}
		return sig, patch, nil
	}), nil
}

// scoreMarginOfSafety adjusts a neutral-midpoint score by how far the
// conservative intrinsic value sits from market cap, clamped to [0, max].
func scoreMarginOfSafety(a *analysis, mos float64, method string) {
	switch {
	case mos > 0.5:
		a.Score += 3
		a.note(fmt.Sprintf("strong margin of safety (%.0f%%) on %s value", mos*100, method))
	case mos > 0.25:
		a.Score += 2
		a.note(fmt.Sprintf("good margin of safety (%.0f%%) on %s value", mos*100, method))
	case mos > 0.10:
		a.Score += 1
		a.note(fmt.Sprintf("modest margin of safety (%.0f%%) on %s value", mos*100, method))
	case mos > 0:
		a.note(fmt.Sprintf("fair valuation (%.0f%% margin of safety) on %s value", mos*100, method))
	case mos > -0.10:
		a.Score -= 1
		a.note(fmt.Sprintf("slight overvaluation (%.0f%%) on %s value", mos*100, method))
	case mos > -0.25:
		a.Score -= 2
		a.note(fmt.Sprintf("moderate overvaluation (%.0f%%) on %s value", mos*100, method))
	default:
		a.Score -= 3
		a.note(fmt.Sprintf("significant overvaluation (%.0f%%) on %s value", mos*100, method))
	}
	if a.Score < 0 {
		a.Score = 0
	}
	if a.Score > a.MaxScore {
		a.Score = a.MaxScore
	}
}

// discountedCashFlow projects a base cash flow at constant growth for n
// years plus a Gordon terminal value, discounted to the present.
func discountedCashFlow(base, growth, discount, terminal float64, years int) float64 {
	if base <= 0 || discount <= terminal {
		return 0
	}
	var pv float64
	for y := 1; y <= years; y++ {
		pv += base * math.Pow(1+growth, float64(y)) / math.Pow(1+discount, float64(y))
	}
	termVal := base * math.Pow(1+growth, float64(years)) * (1 + terminal) / (discount - terminal)
	return pv + termVal/math.Pow(1+discount, float64(years))
}
