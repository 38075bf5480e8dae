package constraints

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rendis/conviction/internal/rules"
	"github.com/rendis/conviction/pkg/schema"
)

// Proposal is the pre-constraint decision sketch an aggregator builds from
// the combined signals.
type Proposal struct {
	Action     schema.Action
	Size       decimal.Decimal
	Confidence float64
}

// Rule is one named CEL constraint. The expression sees the variables
// proposed, limits, portfolio, signals and seed, and yields either a number
// (the adjusted size), a map with optional "size"/"action"/"reason" keys, or
// nil for no adjustment.
type Rule struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// Engine applies built-in limit clamps and configured CEL rules to a
// proposal. Adjustments are reported, not failed.
type Engine struct {
	cel   *rules.CELEngine
	rules []Rule
}

// NewEngine builds a constraint engine. cel may be nil when no custom rules
// are configured.
func NewEngine(cel *rules.CELEngine, ruleSet ...Rule) *Engine {
	return &Engine{cel: cel, rules: ruleSet}
}

// Apply clamps the proposal against the limits, then runs the configured
// rules in order. It returns the adjusted proposal and one line per
// constraint that changed it.
func (e *Engine) Apply(ctx context.Context, p Proposal, limits Limits, portfolio schema.Portfolio, signals []schema.Signal, seed map[string]any) (Proposal, []string, error) {
	var applied []string

	if tradeAction(p.Action) {
		if limits.MaxPositionSize.IsPositive() && p.Size.GreaterThan(limits.MaxPositionSize) {
			applied = append(applied, fmt.Sprintf(
				"max_position_size: size capped at %s (proposed %s)",
				limits.MaxPositionSize.String(), p.Size.String()))
			p.Size = limits.MaxPositionSize
		}
		if limits.MinConfidence > 0 && p.Confidence < limits.MinConfidence {
			applied = append(applied, fmt.Sprintf(
				"min_confidence: %s downgraded to hold (confidence %.2f below %.2f)",
				p.Action, p.Confidence, limits.MinConfidence))
			p.Action = schema.ActionHold
			p.Size = decimal.Zero
		}
	}

	if e.cel == nil || len(e.rules) == 0 {
		return p, applied, nil
	}

	scope := map[string]any{
		"limits":    limits.Scope(),
		"portfolio": rules.PortfolioScope(portfolio),
		"signals":   rules.SignalScope(signals),
		"seed":      seed,
	}

	for _, rule := range e.rules {
		scope["proposed"] = map[string]any{
			"action":     string(p.Action),
			"size":       p.Size.InexactFloat64(),
			"confidence": p.Confidence,
		}
		out, err := e.cel.Evaluate(ctx, rule.Expr, scope)
		if err != nil {
			return p, applied, schema.NewErrorf(schema.ErrCodeConstraint,
				"constraint rule %q failed", rule.Name).WithCause(err)
		}
		next, note, changed := applyRuleResult(p, out)
		if changed {
			line := rule.Name
			if note != "" {
				line += ": " + note
			}
			applied = append(applied, line)
			p = next
		}
	}

	return p, applied, nil
}

// applyRuleResult folds one rule output into the proposal.
func applyRuleResult(p Proposal, out any) (Proposal, string, bool) {
	switch v := out.(type) {
	case nil:
		return p, "", false
	case float64:
		return applySize(p, v)
	case int64:
		return applySize(p, float64(v))
	case map[string]any:
		changed := false
		var note string
		if s, ok := asRuleFloat(v["size"]); ok {
			var sizeNote string
			p, sizeNote, changed = applySize(p, s)
			note = sizeNote
		}
		if a, ok := v["action"].(string); ok && a != "" && schema.Action(a) != p.Action {
			p.Action = schema.Action(a)
			if p.Action == schema.ActionHold {
				p.Size = decimal.Zero
			}
			changed = true
		}
		if r, ok := v["reason"].(string); ok && r != "" {
			note = r
		}
		return p, note, changed
	}
	return p, "", false
}

func applySize(p Proposal, size float64) (Proposal, string, bool) {
	next := decimal.NewFromFloat(size)
	if next.Equal(p.Size) {
		return p, "", false
	}
	note := fmt.Sprintf("size adjusted to %s (proposed %s)", next.String(), p.Size.String())
	p.Size = next
	return p, note, true
}

func asRuleFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func tradeAction(a schema.Action) bool {
	switch a {
	case schema.ActionBuy, schema.ActionSell, schema.ActionIncrease, schema.ActionReduce:
		return true
	}
	return false
}
