package persona

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

var positiveKeywords = []string{
	"strong", "excellent", "outstanding", "beats", "surpasses", "exceeds",
	"record", "growth", "increase", "rise", "gain", "boost", "success",
	"positive", "bullish", "upbeat", "optimistic", "promising", "improves",
	"profit", "upgrade", "buy",
}

var negativeKeywords = []string{
	"weak", "poor", "disappointing", "misses", "decline", "drop", "fall",
	"loss", "hurt", "failure", "negative", "bearish", "pessimistic",
	"concern", "worry", "problem", "risk", "threat", "downgrade", "sell",
	"lawsuit", "scandal", "investigation", "layoff",
}

// NewSentiment builds the market-perception persona: keyword-bucketed news
// sentiment and insider buy/sell value ratio, equally weighted. Both feeds
// arrive as lists of documents through the generic fetch path.
func NewSentiment(spec strategy.Spec) (engine.Node, error) {
	key := produceKey(spec)
	return strategy.NewFuncNode(spec, func(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error) {
		news := &analysis{Name: "news", MaxScore: 10}
		news.Score = 5
		articles, newsErr := fetchDocs(ctx, snap, "news")
		if newsErr != nil || len(articles) == 0 {
			news.note("no news data available")
		} else {
			var pos, neg, neutral int
			for _, a := range articles {
				text := strings.ToLower(docString(a, "title") + " " + docString(a, "summary"))
				p := countMatches(text, positiveKeywords)
				n := countMatches(text, negativeKeywords)
				switch {
				case p > n:
					pos++
				case n > p:
					neg++
				default:
					neutral++
				}
			}
			total := len(articles)
			ratio := (float64(pos) - float64(neg)) / float64(total)
			news.Score = clamp(5+ratio*5, 0, 10)
			news.note(fmt.Sprintf("%d positive, %d negative, %d neutral of %d articles", pos, neg, neutral, total))
		}

		insider := &analysis{Name: "insider", MaxScore: 10}
		insider.Score = 5
		txs, txErr := fetchDocs(ctx, snap, "insider_transactions")
		if txErr != nil || len(txs) == 0 {
			insider.note("no insider transaction data available")
		} else {
			var buyValue, sellValue float64
			for _, tx := range txs {
				kind := strings.ToLower(docString(tx, "transaction_type"))
				value := docFloat(tx, "value")
				switch {
				case strings.Contains(kind, "buy") || strings.Contains(kind, "purchase"):
					buyValue += value
				case strings.Contains(kind, "sell") || strings.Contains(kind, "sale"):
					sellValue += value
				}
			}
			activity := buyValue + sellValue
			if activity > 0 {
				insider.Score = clamp(5+(buyValue-sellValue)/activity*5, 0, 10)
				insider.note(fmt.Sprintf("buys %.0f vs sells %.0f by value", buyValue, sellValue))
			} else {
				insider.note("no significant insider trading activity")
			}
		}

		if newsErr != nil && txErr != nil {
			return nil, nil, newsErr
		}

		dir, conf, rationale := verdict(news, insider)
		sig := &schema.Signal{
			SourceNodeID: spec.NodeID,
			Direction:    dir,
			Confidence:   conf,
			Rationale:    rationale,
			Metrics:      scoreMetrics(news, insider),
		}

		var patch state.Patch
		if key != "" {
			patch = state.NewPatch().Set(key, breakdown(news, insider))
		}
		return sig, patch, nil
	}), nil
}

// fetchDocs resolves a metric expected to be a list of JSON documents.
func fetchDocs(ctx context.Context, snap *state.Snapshot, metricKey string) ([]map[string]any, error) {
	v, err := snap.Fetch(ctx, metricKey)
	if err != nil {
		return nil, err
	}
	switch vv := v.(type) {
	case []map[string]any:
		return vv, nil
	case []any:
		out := make([]map[string]any, 0, len(vv))
		for _, e := range vv {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
		"metric %q is %T, not a document list", metricKey, v)
}

func docString(doc map[string]any, field string) string {
	s, _ := doc[field].(string)
	return s
}

func docFloat(doc map[string]any, field string) float64 {
	switch v := doc[field].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
