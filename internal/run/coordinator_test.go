package run

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conviction/internal/aggregate"
	"github.com/rendis/conviction/internal/audit"
	"github.com/rendis/conviction/internal/constraints"
	"github.com/rendis/conviction/internal/events"
	"github.com/rendis/conviction/internal/fetch"
	"github.com/rendis/conviction/internal/graphdef"
	"github.com/rendis/conviction/internal/persona"
	"github.com/rendis/conviction/internal/rules"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

const committeeJSON = `{
  "graph_id": "value-committee",
  "seed_schema": ["portfolio"],
  "nodes": [
    {"id": "fundamentals", "strategy": "fundamentals", "produces": ["fund_analysis"]},
    {"id": "sentiment", "strategy": "sentiment", "produces": ["sent_analysis"]},
    {"id": "mood_check", "strategy": "fundamentals", "reads": ["sent_analysis"], "produces": ["mood_analysis"]},
    {"id": "risk_manager", "strategy": "risk_manager", "reads": ["fund_analysis"], "produces": ["risk_limits"]},
    {"id": "decision", "strategy": "portfolio_manager", "reads": ["fundamentals", "risk_limits"], "options": {"exclude_sources": ["risk_manager"]}, "produces": ["decision"]}
  ],
  "aggregation": {
    "decision_node": "decision",
    "combine_policy": "weighted_vote"
  }
}`

// strongMetrics makes fundamentals score a perfect bullish checklist and
// gives the risk manager a live price.
func strongMetrics() map[string]any {
	return map[string]any{
		"return_on_equity":         0.25,
		"net_margin":               0.30,
		"operating_margin":         0.22,
		"revenue_growth":           0.20,
		"earnings_growth":          0.15,
		"book_value_growth":        0.12,
		"current_ratio":            2.0,
		"debt_to_equity":           0.3,
		"free_cash_flow_per_share": 4.5,
		"earnings_per_share":       5.0,
		"price_to_earnings_ratio":  15.0,
		"price_to_book_ratio":      2.0,
		"price_to_sales_ratio":     3.0,
		"price":                    50.0,
		"news_articles": []map[string]any{
			{"title": "record growth and strong profit beat", "summary": "upgraded outlook"},
		},
	}
}

func seedParams() map[string]any {
	return map[string]any{
		schema.SeedKeyPortfolio: schema.Portfolio{
			Cash: decimal.NewFromInt(100000),
		},
	}
}

func testRegistry(t *testing.T, maxSize float64) *strategy.Registry {
	t.Helper()
	r := strategy.NewRegistry()
	require.NoError(t, persona.RegisterAll(r))

	cel, err := rules.NewCELEngine()
	require.NoError(t, err)
	provider := constraints.NewStaticProvider(constraints.Limits{
		MaxPositionSize: decimal.NewFromFloat(maxSize),
	})
	require.NoError(t, aggregate.RegisterAll(r, provider, cel, rules.NewExprEngine()))
	return r
}

func testCoordinator(t *testing.T, maxSize float64, opts ...Option) *Coordinator {
	t.Helper()
	adapter := fetch.NewStaticAdapter().SetAll("ACME", strongMetrics())
	builder := graphdef.NewBuilder(testRegistry(t, maxSize), rules.NewInterpolator(nil))
	c := NewCoordinator(builder, adapter, opts...)
	t.Cleanup(c.Close)

	def, err := graphdef.Parse([]byte(committeeJSON))
	require.NoError(t, err)
	require.NoError(t, c.AddDefinition(def))
	return c
}

func newTestAuditStore(t *testing.T) *audit.LibSQLStore {
	t.Helper()
	s, err := audit.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRun_FailureIsolationAndDecision(t *testing.T) {
	c := testCoordinator(t, 0.2)

	result, err := c.Run(context.Background(), "value-committee", "ACME", time.Now().UTC(), seedParams())
	require.NoError(t, err)

	// Sentiment has news but no insider feed; it degrades, not fails. The
	// committee still reaches a decision, so force a harder case below.
	assert.Equal(t, "value-committee", result.GraphID)
	assert.Equal(t, "ACME", result.InstrumentID)
	require.NotNil(t, result.Decision)
	assert.Equal(t, schema.ActionBuy, result.Decision.Action)
	require.NotNil(t, result.Decision.Size)
	assert.True(t, result.Decision.Size.IsPositive())
}

func TestRun_FailedNodeSkipsDependents(t *testing.T) {
	// No news or insider data for GLOBEX: sentiment fails DATA_UNAVAILABLE
	// and mood_check, which reads its output, is skipped. The decision node
	// only depends on the surviving branch, so the run stays decisionable.
	adapter := fetch.NewStaticAdapter().SetAll("GLOBEX", map[string]any{
		"return_on_equity":         0.25,
		"net_margin":               0.30,
		"operating_margin":         0.22,
		"revenue_growth":           0.20,
		"earnings_growth":          0.15,
		"book_value_growth":        0.12,
		"current_ratio":            2.0,
		"debt_to_equity":           0.3,
		"free_cash_flow_per_share": 4.5,
		"earnings_per_share":       5.0,
		"price_to_earnings_ratio":  15.0,
		"price_to_book_ratio":      2.0,
		"price_to_sales_ratio":     3.0,
		"price":                    50.0,
	})
	builder := graphdef.NewBuilder(testRegistry(t, 0.2), rules.NewInterpolator(nil))
	c := NewCoordinator(builder, adapter)
	t.Cleanup(c.Close)

	def, err := graphdef.Parse([]byte(committeeJSON))
	require.NoError(t, err)
	require.NoError(t, c.AddDefinition(def))

	result, err := c.Run(context.Background(), "value-committee", "GLOBEX", time.Now().UTC(), seedParams())
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusPartial, result.Status)
	require.Contains(t, result.NodeFailures, "sentiment")
	assert.Equal(t, schema.ErrCodeDataUnavailable, result.NodeFailures["sentiment"].Code)
	require.Contains(t, result.NodeFailures, "mood_check")
	assert.Equal(t, schema.ErrCodeSkippedDependencyFailed, result.NodeFailures["mood_check"].Code)

	// The surviving branch still produced a decision.
	require.NotNil(t, result.Decision)
	assert.Equal(t, schema.ActionBuy, result.Decision.Action)
}

func TestRun_SizeCappedByProviderLimit(t *testing.T) {
	c := testCoordinator(t, 0.05)

	result, err := c.Run(context.Background(), "value-committee", "ACME", time.Now().UTC(), seedParams())
	require.NoError(t, err)

	require.NotNil(t, result.Decision)
	assert.Equal(t, schema.ActionBuy, result.Decision.Action)
	require.NotNil(t, result.Decision.Size)
	assert.True(t, result.Decision.Size.LessThanOrEqual(decimal.NewFromFloat(0.05)),
		"size %s exceeds provider cap", result.Decision.Size)
	assert.NotEmpty(t, result.Decision.ConstraintsApplied)
}

func TestRun_SignalOrderFollowsRegistration(t *testing.T) {
	c := testCoordinator(t, 0.2)

	result, err := c.Run(context.Background(), "value-committee", "ACME", time.Now().UTC(), seedParams())
	require.NoError(t, err)

	var got []string
	for _, sig := range result.AllSignals {
		got = append(got, sig.SourceNodeID)
	}
	assert.Equal(t, []string{"fundamentals", "sentiment", "mood_check", "risk_manager", "decision"}, got)
}

func TestRun_UnknownGraph(t *testing.T) {
	c := testCoordinator(t, 0.2)
	_, err := c.Run(context.Background(), "ghost", "ACME", time.Now().UTC(), nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRun_PersistsToAuditStore(t *testing.T) {
	store := newTestAuditStore(t)
	c := testCoordinator(t, 0.2, WithStore(store))

	result, err := c.Run(context.Background(), "value-committee", "ACME", time.Now().UTC(), seedParams())
	require.NoError(t, err)

	ctx := context.Background()
	run, err := store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, result.Status, run.Status)
	assert.Equal(t, result.Waves, run.Waves)
	require.NotNil(t, run.FinishedAt)
	assert.NotEmpty(t, run.Decision)

	signals, err := store.ListSignals(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, signals, len(result.AllSignals))
	assert.Equal(t, "fundamentals", signals[0].SourceNodeID)

	// Lifecycle events landed with a contiguous sequence.
	evts, err := store.GetEvents(ctx, result.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, schema.EventRunStarted, evts[0].Type)
	for i, e := range evts {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestRun_PublishesToHub(t *testing.T) {
	hub := events.NewMemoryHub(256)
	c := testCoordinator(t, 0.2, WithHub(hub))

	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, events.Filter{Types: []string{schema.EventDecisionEmitted}})
	require.NoError(t, err)
	defer cancel()

	_, err = c.Run(ctx, "value-committee", "ACME", time.Now().UTC(), seedParams())
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, schema.EventDecisionEmitted, e.Type)
		assert.Equal(t, "decision", e.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("no decision event published")
	}
}

func TestRunGraph_SatisfiesSchedulerRunner(t *testing.T) {
	c := testCoordinator(t, 0.2)
	err := c.RunGraph(context.Background(), "value-committee", "ACME", time.Now().UTC(), seedParams())
	require.NoError(t, err)
}
