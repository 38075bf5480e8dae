// Package aggregate holds the terminal nodes of an analysis graph: the risk
// manager computing position limits and the portfolio manager folding the
// run's signals into the final decision.
package aggregate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// Strategy kinds registered by this package.
const (
	KindRiskManager      = "risk_manager"
	KindPortfolioManager = "portfolio_manager"
)

// RiskLimitsStateKey is the conventional state key the risk manager patches
// its limits under; the portfolio manager reads it when present.
const RiskLimitsStateKey = "risk_limits"

// positionLimitFraction is the share of net liquidation value any single
// position may occupy.
var positionLimitFraction = decimal.NewFromFloat(0.20)

// shortMarginRequirement is the cash fraction backing a short position.
var shortMarginRequirement = decimal.NewFromFloat(0.5)

// riskOptions tunes the risk manager.
type riskOptions struct {
	PriceMetric string `json:"price_metric"`
}

// NewRisk builds the risk-manager node. It sizes the remaining position
// limit for the instrument against net liquidation value, cash (long side)
// and margin (short side), and patches the limits for downstream sizing.
func NewRisk(spec strategy.Spec) (engine.Node, error) {
	opts := riskOptions{PriceMetric: "price"}
	if err := strategy.DecodeOptions(spec, &opts); err != nil {
		return nil, err
	}

	key := produceKey(spec)
	return strategy.NewFuncNode(spec, func(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error) {
		price, err := snap.FetchFloat(ctx, opts.PriceMetric)
		if err != nil {
			return nil, nil, err
		}
		if price <= 0 {
			return nil, nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
				"non-positive price %v for %s", price, snap.InstrumentID())
		}
		livePrice := decimal.NewFromFloat(price)

		portfolio := portfolioFromSeed(snap)
		instrument := snap.InstrumentID()

		// Net liquidation value: cash plus every position marked to its
		// valuation price, the live price for the instrument under analysis.
		total := portfolio.Cash
		for id, pos := range portfolio.Positions {
			mark := pos.MarkPrice
			if id == instrument {
				mark = livePrice
			}
			if mark.IsZero() {
				continue
			}
			total = total.Add(pos.Long.Mul(mark)).Sub(pos.Short.Mul(mark))
		}

		positionLimit := total.Mul(positionLimitFraction)

		pos := portfolio.PositionFor(instrument)
		currentValue := pos.Long.Mul(livePrice).Sub(pos.Short.Mul(livePrice)).Abs()
		remaining := positionLimit.Sub(currentValue)

		maxLong := decimal.Min(remaining, portfolio.Cash)
		maxShort := decimal.Min(remaining, portfolio.Cash.Div(shortMarginRequirement))
		final := decimal.Max(maxLong, maxShort)
		if final.IsNegative() {
			final = decimal.Zero
		}

		score := riskScore(final, positionLimit)

		maxFraction := decimal.Zero
		if total.IsPositive() {
			maxFraction = final.Div(total)
		}

		sig := &schema.Signal{
			SourceNodeID: spec.NodeID,
			Direction:    schema.DirectionNeutral,
			Confidence:   float64(score) / 10,
			Rationale: fmt.Sprintf(
				"portfolio value %s; position limit %s; current position %s; remaining limit %s",
				total.StringFixed(2), positionLimit.StringFixed(2),
				currentValue.StringFixed(2), final.StringFixed(2)),
			Metrics: map[string]float64{
				"risk_score":               float64(score),
				"total_portfolio_value":    total.InexactFloat64(),
				"position_limit":           positionLimit.InexactFloat64(),
				"current_position_value":   currentValue.InexactFloat64(),
				"remaining_position_limit": final.InexactFloat64(),
				"max_size_fraction":        maxFraction.InexactFloat64(),
			},
		}

		var patch state.Patch
		if key != "" {
			patch = state.NewPatch().Set(key, map[string]any{
				"total_portfolio_value":    total.String(),
				"position_limit":           positionLimit.String(),
				"current_position_value":   currentValue.String(),
				"remaining_position_limit": final.String(),
				"max_size_fraction":        maxFraction.String(),
				"risk_score":               score,
			})
		}
		return sig, patch, nil
	}), nil
}

// riskScore tiers the remaining headroom against the full limit: the less
// room left, the riskier adding exposure is.
func riskScore(final, limit decimal.Decimal) int {
	if !limit.IsPositive() {
		return 2
	}
	ratio := final.Div(limit)
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.8)):
		return 10
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.6)):
		return 8
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.4)):
		return 6
	case ratio.GreaterThanOrEqual(decimal.NewFromFloat(0.2)):
		return 4
	default:
		return 2
	}
}

// portfolioFromSeed pulls the portfolio context from the run seed; an empty
// portfolio when the caller supplied none.
func portfolioFromSeed(snap *state.Snapshot) schema.Portfolio {
	v, ok := snap.Value(schema.SeedKeyPortfolio)
	if !ok {
		return schema.Portfolio{}
	}
	p, ok := v.(schema.Portfolio)
	if !ok {
		return schema.Portfolio{}
	}
	return p
}

// produceKey is the state key a node patches its output under, empty when
// the definition declares no produces.
func produceKey(spec strategy.Spec) string {
	if len(spec.Produces) == 0 {
		return ""
	}
	return spec.Produces[0]
}
