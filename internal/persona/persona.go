// Package persona holds the built-in analysis strategies. Each persona is an
// independent read-only pass over the instrument's data: it scores a handful
// of sub-analyses, folds them into a directional signal with a rationale, and
// patches its breakdown into the shared state for downstream aggregators.
//
// Metric keys follow the data-provider vocabulary: scalar ratios
// ("return_on_equity", "debt_to_equity"), per-share figures
// ("earnings_per_share", "free_cash_flow_per_share") and most-recent-first
// series ("return_on_equity_history", "price_history").
package persona

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// Strategy kinds registered by this package.
const (
	KindFundamentals = "fundamentals"
	KindBuffett      = "buffett"
	KindValuation    = "valuation"
	KindTechnicals   = "technicals"
	KindSentiment    = "sentiment"
)

// RegisterAll registers every built-in persona with the registry.
func RegisterAll(r *strategy.Registry) error {
	builders := map[string]strategy.Builder{
		KindFundamentals: NewFundamentals,
		KindBuffett:      NewBuffett,
		KindValuation:    NewValuation,
		KindTechnicals:   NewTechnicals,
		KindSentiment:    NewSentiment,
	}
	for kind, b := range builders {
		if err := r.Register(kind, b); err != nil {
			return err
		}
	}
	return nil
}

// source wraps a snapshot and counts successful metric fetches, letting a
// persona distinguish degraded data (score what resolved, note the rest)
// from no data at all (fail the node with DATA_UNAVAILABLE).
type source struct {
	snap *state.Snapshot
	hits int
}

func (s *source) float(ctx context.Context, key string) (float64, error) {
	v, err := s.snap.FetchFloat(ctx, key)
	if err == nil {
		s.hits++
	}
	return v, err
}

func (s *source) series(ctx context.Context, key string) ([]float64, error) {
	v, err := s.snap.FetchSeries(ctx, key)
	if err == nil {
		s.hits++
	}
	return v, err
}

// noData reports a DATA_UNAVAILABLE error when not a single metric resolved.
func (s *source) noData() error {
	if s.hits > 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeDataUnavailable,
		"no metrics available for instrument %q", s.snap.InstrumentID())
}

// analysis is one scored sub-analysis. Score accumulates against MaxScore;
// Details carries the human-readable reasoning lines.
type analysis struct {
	Name     string   `json:"name"`
	Score    float64  `json:"score"`
	MaxScore float64  `json:"max_score"`
	Details  []string `json:"details"`
}

func (a *analysis) add(points float64, detail string) {
	a.Score += points
	a.Details = append(a.Details, detail)
}

func (a *analysis) note(detail string) {
	a.Details = append(a.Details, detail)
}

// verdict folds sub-analyses into the signal fields. Direction cuts at a
// score ratio of 0.7 (bullish) and 0.3 (bearish); confidence scales with the
// distance from the neutral midpoint.
func verdict(analyses ...*analysis) (schema.Direction, float64, string) {
	var score, max float64
	var lines []string
	for _, a := range analyses {
		score += a.Score
		max += a.MaxScore
		for _, d := range a.Details {
			lines = append(lines, fmt.Sprintf("[%s] %s", a.Name, d))
		}
	}

	ratio := 0.5
	if max > 0 {
		ratio = score / max
	}

	dir := schema.DirectionNeutral
	switch {
	case ratio >= 0.7:
		dir = schema.DirectionBullish
	case ratio <= 0.3:
		dir = schema.DirectionBearish
	}

	confidence := (ratio - 0.5) * 2
	if confidence < 0 {
		confidence = -confidence
	}
	if confidence > 1 {
		confidence = 1
	}

	return dir, confidence, strings.Join(lines, "; ")
}

// breakdown shapes the sub-analyses for the state patch.
func breakdown(analyses ...*analysis) map[string]any {
	out := make(map[string]any, len(analyses))
	for _, a := range analyses {
		out[a.Name] = map[string]any{
			"score":     a.Score,
			"max_score": a.MaxScore,
			"details":   append([]string(nil), a.Details...),
		}
	}
	return out
}

// scoreMetrics summarizes sub-analysis scores for the signal's metrics map.
func scoreMetrics(analyses ...*analysis) map[string]float64 {
	out := make(map[string]float64, len(analyses)+2)
	var score, max float64
	for _, a := range analyses {
		out[a.Name+"_score"] = a.Score
		score += a.Score
		max += a.MaxScore
	}
	out["score"] = score
	out["max_score"] = max
	return out
}

// produceKey returns the state key a persona patches its breakdown under,
// empty when the definition declares no produces.
func produceKey(spec strategy.Spec) string {
	if len(spec.Produces) == 0 {
		return ""
	}
	return spec.Produces[0]
}
