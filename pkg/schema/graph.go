package schema

import "encoding/json"

// GraphDefinition is the JSON-serializable analysis graph format. Definitions
// are validated (schema + semantics) and built into an immutable engine graph
// before any run; they are never mutated per run.
type GraphDefinition struct {
	GraphID     string                 `json:"graph_id"`
	Description string                 `json:"description,omitempty"`
	SeedSchema  []string               `json:"seed_schema,omitempty"` // state keys the seed provides beyond instrument_id/as_of_time
	Params      map[string]any         `json:"params,omitempty"`      // values available to ${params.*} option interpolation
	Nodes       []NodeDefinition       `json:"nodes"`
	Aggregation *AggregationDefinition `json:"aggregation,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
}

// NodeDefinition describes a single analysis node in a graph.
type NodeDefinition struct {
	ID       string          `json:"id"`
	Strategy string          `json:"strategy"`           // registered strategy kind (e.g. "fundamentals", "risk_manager")
	Reads    []string        `json:"reads,omitempty"`    // state keys / upstream outputs this node depends on
	Produces []string        `json:"produces,omitempty"` // state keys this node may write
	Timeout  string          `json:"timeout,omitempty"`  // per-node evaluation bound (e.g. "30s", "2m")
	Options  json.RawMessage `json:"options,omitempty"`  // strategy-specific parameters, ${} interpolable
}

// AggregationDefinition names the terminal decision node and its combine
// policy. CombineExpr, when set, is an expr program evaluated over the
// collected signals; otherwise the named built-in policy applies.
type AggregationDefinition struct {
	DecisionNode  string `json:"decision_node"`
	CombinePolicy string `json:"combine_policy,omitempty"` // weighted_vote | majority | expr (default: weighted_vote)
	CombineExpr   string `json:"combine_expr,omitempty"`
}

// SeedKeys every graph provides implicitly; reads against these never require
// a producing node.
const (
	SeedKeyInstrumentID = "instrument_id"
	SeedKeyAsOfTime     = "as_of_time"
)

// DecisionStateKey is the reserved state key an aggregator writes its
// Decision under; the coordinator extracts it from the final merged state.
const DecisionStateKey = "decision"
