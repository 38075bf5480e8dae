package aggregate

import (
	"context"
	"fmt"

	"github.com/rendis/conviction/internal/rules"
	"github.com/rendis/conviction/pkg/schema"
)

// Combine policy names accepted in graph definitions.
const (
	PolicyWeightedVote = "weighted_vote"
	PolicyMajority     = "majority"
	PolicyExpr         = "expr"
)

// combined is the outcome of folding directional signals into one stance.
type combined struct {
	Action     schema.Action
	Confidence float64
	Rationale  string
}

// combineWeightedVote weighs each direction by the confidence of its
// signals. The winning side's share of total weight is the decision
// confidence. The default policy.
func combineWeightedVote(signals []schema.Signal) combined {
	var bull, bear, total float64
	for _, sig := range signals {
		total += sig.Confidence
		switch sig.Direction {
		case schema.DirectionBullish:
			bull += sig.Confidence
		case schema.DirectionBearish:
			bear += sig.Confidence
		}
	}
	if total == 0 {
		return combined{Action: schema.ActionHold, Rationale: "no weighted conviction in either direction"}
	}

	switch {
	case bull > bear:
		return combined{
			Action:     schema.ActionBuy,
			Confidence: bull / total,
			Rationale:  fmt.Sprintf("bullish weight %.2f vs bearish %.2f of %.2f total", bull, bear, total),
		}
	case bear > bull:
		return combined{
			Action:     schema.ActionSell,
			Confidence: bear / total,
			Rationale:  fmt.Sprintf("bearish weight %.2f vs bullish %.2f of %.2f total", bear, bull, total),
		}
	default:
		return combined{
			Action:    schema.ActionHold,
			Rationale: fmt.Sprintf("bullish and bearish weight tied at %.2f", bull),
		}
	}
}

// combineMajority counts directions, ignoring confidence. Ties hold.
func combineMajority(signals []schema.Signal) combined {
	var bull, bear, neutral int
	for _, sig := range signals {
		switch sig.Direction {
		case schema.DirectionBullish:
			bull++
		case schema.DirectionBearish:
			bear++
		default:
			neutral++
		}
	}
	total := bull + bear + neutral
	if total == 0 {
		return combined{Action: schema.ActionHold, Rationale: "no signals to vote"}
	}

	switch {
	case bull > bear:
		return combined{
			Action:     schema.ActionBuy,
			Confidence: float64(bull) / float64(total),
			Rationale:  fmt.Sprintf("%d bullish vs %d bearish of %d signals", bull, bear, total),
		}
	case bear > bull:
		return combined{
			Action:     schema.ActionSell,
			Confidence: float64(bear) / float64(total),
			Rationale:  fmt.Sprintf("%d bearish vs %d bullish of %d signals", bear, bull, total),
		}
	default:
		return combined{
			Action:    schema.ActionHold,
			Rationale: fmt.Sprintf("vote tied at %d bullish, %d bearish", bull, bear),
		}
	}
}

// combineExpr delegates the fold to a caller-supplied expression. The
// expression sees signals (list of maps), bullish/bearish/neutral weights
// and counts, and must yield an action string or a map with "action" and
// optional "confidence"/"rationale".
func combineExpr(ctx context.Context, eng *rules.ExprEngine, expression string, signals []schema.Signal, seed map[string]any) (combined, error) {
	var bullW, bearW float64
	var bullN, bearN, neutralN int
	for _, sig := range signals {
		switch sig.Direction {
		case schema.DirectionBullish:
			bullW += sig.Confidence
			bullN++
		case schema.DirectionBearish:
			bearW += sig.Confidence
			bearN++
		default:
			neutralN++
		}
	}

	out, err := eng.Evaluate(ctx, expression, map[string]any{
		"signals":        rules.SignalScope(signals),
		"bullish_weight": bullW,
		"bearish_weight": bearW,
		"bullish_count":  bullN,
		"bearish_count":  bearN,
		"neutral_count":  neutralN,
		"seed":           seed,
	})
	if err != nil {
		return combined{}, err
	}

	switch v := out.(type) {
	case string:
		return combined{Action: schema.Action(v), Confidence: 0.5,
			Rationale: "custom combine policy"}, nil
	case map[string]any:
		c := combined{Action: schema.ActionHold, Rationale: "custom combine policy"}
		if a, ok := v["action"].(string); ok {
			c.Action = schema.Action(a)
		}
		if conf, ok := asCombineFloat(v["confidence"]); ok {
			c.Confidence = conf
		}
		if r, ok := v["rationale"].(string); ok && r != "" {
			c.Rationale = r
		}
		return c, nil
	}
	return combined{}, schema.NewErrorf(schema.ErrCodeExpression,
		"combine expression yielded %T, want action string or map", out)
}

func asCombineFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
