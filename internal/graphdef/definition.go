// Package graphdef loads, validates and builds analysis graphs from JSON
// definition documents.
package graphdef

import "encoding/json"

// Definition is one analysis graph as declared in a JSON document.
type Definition struct {
	GraphID     string          `json:"graph_id"`
	Description string          `json:"description,omitempty"`
	SeedSchema  []string        `json:"seed_schema,omitempty"`
	Params      map[string]any  `json:"params,omitempty"`
	Nodes       []NodeDef       `json:"nodes"`
	Aggregation *AggregationDef `json:"aggregation,omitempty"`
}

// NodeDef declares one node: which strategy builds it, its read/produce
// contract and strategy-specific options.
type NodeDef struct {
	ID       string          `json:"id"`
	Strategy string          `json:"strategy"`
	Reads    []string        `json:"reads,omitempty"`
	Produces []string        `json:"produces,omitempty"`
	Timeout  string          `json:"timeout,omitempty"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// AggregationDef configures how the decision node combines signals. Its
// fields are merged into the decision node's options at build time so the
// aggregator stays self-contained.
type AggregationDef struct {
	DecisionNode  string `json:"decision_node"`
	CombinePolicy string `json:"combine_policy,omitempty"`
	CombineExpr   string `json:"combine_expr,omitempty"`
}
