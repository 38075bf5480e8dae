package graphdef

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conviction/internal/aggregate"
	"github.com/rendis/conviction/internal/constraints"
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
    {"id": "technicals", "strategy": "technicals", "produces": ["tech_analysis"], "timeout": "5s"},
    {"id": "risk_manager", "strategy": "risk_manager", "reads": ["fund_analysis", "tech_analysis"], "produces": ["risk_limits"]},
    {"id": "decision", "strategy": "portfolio_manager", "reads": ["risk_manager"], "produces": ["decision"]}
  ],
  "aggregation": {
    "decision_node": "decision",
    "combine_policy": "weighted_vote"
  }
}`

func fullRegistry(t *testing.T) *strategy.Registry {
	t.Helper()
	r := strategy.NewRegistry()
	require.NoError(t, persona.RegisterAll(r))

	cel, err := rules.NewCELEngine()
	require.NoError(t, err)
	provider := constraints.NewStaticProvider(constraints.Limits{
		MaxPositionSize: decimal.NewFromFloat(0.2),
	})
	require.NoError(t, aggregate.RegisterAll(r, provider, cel, rules.NewExprEngine()))
	return r
}

func TestParse_ValidDefinition(t *testing.T) {
	def, err := Parse([]byte(committeeJSON))
	require.NoError(t, err)
	assert.Equal(t, "value-committee", def.GraphID)
	assert.Len(t, def.Nodes, 4)
	require.NotNil(t, def.Aggregation)
	assert.Equal(t, "decision", def.Aggregation.DecisionNode)
}

func TestParse_RejectsMalformedShape(t *testing.T) {
	cases := map[string]string{
		"missing graph_id": `{"nodes": [{"id": "a", "strategy": "fundamentals"}]}`,
		"empty nodes":      `{"graph_id": "g", "nodes": []}`,
		"missing strategy": `{"graph_id": "g", "nodes": [{"id": "a"}]}`,
		"bad timeout":      `{"graph_id": "g", "nodes": [{"id": "a", "strategy": "s", "timeout": "fast"}]}`,
		"unknown field":    `{"graph_id": "g", "nodes": [{"id": "a", "strategy": "s"}], "extra": true}`,
		"bad policy":       `{"graph_id": "g", "nodes": [{"id": "a", "strategy": "s"}], "aggregation": {"decision_node": "a", "combine_policy": "coin_flip"}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestValidateSemantic(t *testing.T) {
	registry := fullRegistry(t)

	t.Run("duplicate node id", func(t *testing.T) {
		def := &Definition{GraphID: "g", Nodes: []NodeDef{
			{ID: "a", Strategy: "fundamentals"},
			{ID: "a", Strategy: "technicals"},
		}}
		result := validateSemantic(def, registry)
		assert.False(t, result.Valid())
	})

	t.Run("unknown strategy", func(t *testing.T) {
		def := &Definition{GraphID: "g", Nodes: []NodeDef{
			{ID: "a", Strategy: "astrology"},
		}}
		result := validateSemantic(def, registry)
		assert.False(t, result.Valid())
	})

	t.Run("unresolvable read", func(t *testing.T) {
		def := &Definition{GraphID: "g", Nodes: []NodeDef{
			{ID: "a", Strategy: "fundamentals", Reads: []string{"ghost_key"}},
		}}
		result := validateSemantic(def, registry)
		assert.False(t, result.Valid())
	})

	t.Run("produce conflict", func(t *testing.T) {
		def := &Definition{GraphID: "g", Nodes: []NodeDef{
			{ID: "a", Strategy: "fundamentals", Produces: []string{"k"}},
			{ID: "b", Strategy: "technicals", Produces: []string{"k"}},
		}}
		result := validateSemantic(def, registry)
		assert.False(t, result.Valid())
	})

	t.Run("aggregation references missing node", func(t *testing.T) {
		def := &Definition{GraphID: "g",
			Nodes:       []NodeDef{{ID: "a", Strategy: "fundamentals"}},
			Aggregation: &AggregationDef{DecisionNode: "ghost"},
		}
		result := validateSemantic(def, registry)
		assert.False(t, result.Valid())
	})

	t.Run("reads may reference node ids and seed keys", func(t *testing.T) {
		def := &Definition{GraphID: "g", SeedSchema: []string{"portfolio"},
			Nodes: []NodeDef{
				{ID: "a", Strategy: "fundamentals", Produces: []string{"k"}},
				{ID: "b", Strategy: "technicals", Reads: []string{"a", "k", "portfolio", "instrument_id"}},
			},
		}
		result := validateSemantic(def, registry)
		assert.True(t, result.Valid(), "issues: %+v", result.Errors)
	})
}

func TestBuild_FullCommittee(t *testing.T) {
	def, err := Parse([]byte(committeeJSON))
	require.NoError(t, err)

	builder := NewBuilder(fullRegistry(t), rules.NewInterpolator(nil))
	graph, err := builder.Build(context.Background(), def, map[string]any{"instrument_id": "ACME"})
	require.NoError(t, err)
	require.True(t, graph.Finalized())
	assert.Equal(t, 4, graph.Len())
}

func TestBuild_InterpolatesOptions(t *testing.T) {
	doc := `{
	  "graph_id": "g",
	  "params": {"price_key": "close_price"},
	  "nodes": [
	    {"id": "risk", "strategy": "risk_manager", "options": {"price_metric": "${params.price_key}"}}
	  ]
	}`
	def, err := Parse([]byte(doc))
	require.NoError(t, err)

	builder := NewBuilder(fullRegistry(t), rules.NewInterpolator(nil))
	graph, err := builder.Build(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, graph.Len())
}

func TestMergeAggregation_NodeOptionsWin(t *testing.T) {
	merged, err := mergeAggregation(
		[]byte(`{"combine_policy": "majority", "default_max_size": 0.1}`),
		&AggregationDef{DecisionNode: "d", CombinePolicy: "weighted_vote", CombineExpr: "x"},
	)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))
	assert.Equal(t, "majority", got["combine_policy"])
	assert.Equal(t, "x", got["combine_expr"])
	assert.InDelta(t, 0.1, got["default_max_size"], 1e-9)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "committee.json"), []byte(committeeJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not a graph"), 0o644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Contains(t, defs, "value-committee")

	// A second file with the same graph_id is rejected.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dup.json"), []byte(committeeJSON), 0o644))
	_, err = LoadDir(dir)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}
