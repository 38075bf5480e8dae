package aggregate

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rendis/conviction/internal/constraints"
	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/rules"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// portfolioOptions configures the decision node from the graph definition.
type portfolioOptions struct {
	CombinePolicy string `json:"combine_policy"`
	CombineExpr   string `json:"combine_expr"`
	// DefaultMaxSize bounds sizing when no risk limits are in state.
	DefaultMaxSize float64 `json:"default_max_size"`
	// ExcludeSources drops these nodes' signals from the combine (the risk
	// manager's neutral signal, typically).
	ExcludeSources  []string           `json:"exclude_sources"`
	ConstraintRules []constraints.Rule `json:"constraint_rules"`
}

// RegisterAll registers the aggregator strategies with the registry.
func RegisterAll(r *strategy.Registry, provider constraints.Provider, cel *rules.CELEngine, expr *rules.ExprEngine) error {
	if err := r.Register(KindRiskManager, NewRisk); err != nil {
		return err
	}
	return r.Register(KindPortfolioManager, NewPortfolioBuilder(provider, cel, expr))
}

// NewPortfolioBuilder returns the builder for the portfolio-manager node,
// closing over the constraint provider and rule engines it needs at run
// time. provider may be nil when the caller supplies no limits.
func NewPortfolioBuilder(provider constraints.Provider, cel *rules.CELEngine, expr *rules.ExprEngine) strategy.Builder {
	return func(spec strategy.Spec) (engine.Node, error) {
		opts := portfolioOptions{
			CombinePolicy:  PolicyWeightedVote,
			DefaultMaxSize: 0.20,
		}
		if err := strategy.DecodeOptions(spec, &opts); err != nil {
			return nil, err
		}
		switch opts.CombinePolicy {
		case PolicyWeightedVote, PolicyMajority:
		case PolicyExpr:
			if expr == nil || opts.CombineExpr == "" {
				return nil, schema.NewError(schema.ErrCodeValidation,
					"combine_policy expr requires a combine_expr").WithNode(spec.NodeID)
			}
			if err := expr.Compile(opts.CombineExpr); err != nil {
				return nil, err
			}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown combine_policy %q", opts.CombinePolicy).WithNode(spec.NodeID)
		}
		if len(opts.ConstraintRules) > 0 && cel == nil {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"constraint_rules configured without a rule engine").WithNode(spec.NodeID)
		}

		excluded := make(map[string]struct{}, len(opts.ExcludeSources))
		for _, id := range opts.ExcludeSources {
			excluded[id] = struct{}{}
		}
		constraintEngine := constraints.NewEngine(cel, opts.ConstraintRules...)

		key := produceKey(spec)
		return strategy.NewFuncNode(spec, func(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error) {
			var contributing []schema.Signal
			for _, sig := range snap.Signals() {
				if _, skip := excluded[sig.SourceNodeID]; skip {
					continue
				}
				contributing = append(contributing, sig)
			}

			seed := rules.SeedScope(snap.InstrumentID(), snap.AsOf(), nil)
			var c combined
			var err error
			switch opts.CombinePolicy {
			case PolicyMajority:
				c = combineMajority(contributing)
			case PolicyExpr:
				c, err = combineExpr(ctx, expr, opts.CombineExpr, contributing, seed)
				if err != nil {
					return nil, nil, err
				}
			default:
				c = combineWeightedVote(contributing)
			}

			portfolio := portfolioFromSeed(snap)
			proposal := constraints.Proposal{
				Action:     c.Action,
				Confidence: c.Confidence,
			}
			if isTrade(c.Action) {
				proposal.Size = maxSizeFraction(snap, opts.DefaultMaxSize).
					Mul(decimal.NewFromFloat(c.Confidence))
			}

			limits := constraints.Limits{}
			if provider != nil {
				limits, err = provider.LimitsFor(ctx, snap.InstrumentID(), portfolio)
				if err != nil {
					return nil, nil, schema.NewError(schema.ErrCodeConstraint,
						"constraint provider failed").WithNode(spec.NodeID).WithCause(err)
				}
			}

			proposal, applied, err := constraintEngine.Apply(ctx, proposal, limits, portfolio, contributing, seed)
			if err != nil {
				return nil, nil, err
			}

			decision := &schema.Decision{
				Action:              proposal.Action,
				Confidence:          proposal.Confidence,
				ContributingSignals: contributing,
				ConstraintsApplied:  applied,
			}
			if isTrade(proposal.Action) && proposal.Size.IsPositive() {
				size := proposal.Size
				decision.Size = &size
			}

			rationale := c.Rationale
			if len(applied) > 0 {
				rationale = fmt.Sprintf("%s; constraints: %s", rationale, strings.Join(applied, "; "))
			}
			sig := &schema.Signal{
				SourceNodeID: spec.NodeID,
				Direction:    directionOf(decision.Action),
				Confidence:   decision.Confidence,
				Rationale:    rationale,
			}

			var patch state.Patch
			if key != "" {
				patch = state.NewPatch().Set(key, decision)
			}
			return sig, patch, nil
		}), nil
	}
}

// maxSizeFraction reads the risk manager's limit fraction from state,
// falling back to the configured default.
func maxSizeFraction(snap *state.Snapshot, def float64) decimal.Decimal {
	v, ok := snap.Value(RiskLimitsStateKey)
	if !ok {
		return decimal.NewFromFloat(def)
	}
	limitsMap, ok := v.(map[string]any)
	if !ok {
		return decimal.NewFromFloat(def)
	}
	raw, ok := limitsMap["max_size_fraction"].(string)
	if !ok {
		return decimal.NewFromFloat(def)
	}
	frac, err := decimal.NewFromString(raw)
	if err != nil || frac.IsNegative() {
		return decimal.NewFromFloat(def)
	}
	return frac
}

func isTrade(a schema.Action) bool {
	switch a {
	case schema.ActionBuy, schema.ActionSell, schema.ActionIncrease, schema.ActionReduce:
		return true
	}
	return false
}

func directionOf(a schema.Action) schema.Direction {
	switch a {
	case schema.ActionBuy, schema.ActionIncrease:
		return schema.DirectionBullish
	case schema.ActionSell, schema.ActionReduce:
		return schema.DirectionBearish
	}
	return schema.DirectionNeutral
}
