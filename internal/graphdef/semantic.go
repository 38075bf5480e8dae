package graphdef

import (
	"fmt"
	"time"

	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// validateSemantic performs the checks JSON Schema cannot express: unique
// node ids, registered strategy kinds, read references resolvable against
// seed keys or declared produces, and aggregation wiring.
func validateSemantic(def *Definition, registry *strategy.Registry) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	produced := make(map[string]string) // state key → producing node id
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if nodeIDs[n.ID] {
			result.AddErrorf(path+".id", schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		nodeIDs[n.ID] = true

		if registry != nil && !registry.Has(n.Strategy) {
			result.AddErrorf(path+".strategy", schema.ErrCodeValidation,
				"strategy %q not registered", n.Strategy)
		}

		for j, key := range n.Produces {
			if owner, taken := produced[key]; taken {
				result.AddErrorf(fmt.Sprintf("%s.produces[%d]", path, j),
					schema.ErrCodeWriteConflict,
					"state key %q already produced by node %q", key, owner)
				continue
			}
			produced[key] = n.ID
		}

		if n.Timeout != "" {
			if d, err := time.ParseDuration(n.Timeout); err != nil {
				result.AddErrorf(path+".timeout", schema.ErrCodeValidation,
					"invalid timeout %q", n.Timeout)
			} else if d <= 0 {
				result.AddErrorf(path+".timeout", schema.ErrCodeValidation,
					"timeout must be positive, got %q", n.Timeout)
			}
		}
	}

	seedKeys := map[string]bool{
		schema.SeedKeyInstrumentID: true,
		schema.SeedKeyAsOfTime:     true,
	}
	for _, k := range def.SeedSchema {
		seedKeys[k] = true
	}

	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		for j, r := range n.Reads {
			if seedKeys[r] || nodeIDs[r] {
				continue
			}
			if _, ok := produced[r]; ok {
				continue
			}
			result.AddErrorf(fmt.Sprintf("%s.reads[%d]", path, j),
				schema.ErrCodeUnknownDependency,
				"read %q matches no seed key, node id or produced state key", r)
		}
	}

	if def.Aggregation != nil {
		agg := def.Aggregation
		if !nodeIDs[agg.DecisionNode] {
			result.AddErrorf("aggregation.decision_node", schema.ErrCodeValidation,
				"decision node %q not defined", agg.DecisionNode)
		}
		if agg.CombinePolicy == "expr" && agg.CombineExpr == "" {
			result.AddError("aggregation.combine_expr", schema.ErrCodeValidation,
				"combine_policy \"expr\" requires combine_expr")
		}
	}

	return result
}
