package graphdef

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/rules"
	"github.com/rendis/conviction/internal/strategy"
	"github.com/rendis/conviction/pkg/schema"
)

// Parse validates a raw definition document and decodes it.
func Parse(raw []byte) (*Definition, error) {
	if err := validateShape(raw); err != nil {
		return nil, err
	}
	def := &Definition{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode definition").WithCause(err)
	}
	return def, nil
}

// Builder turns validated definitions into finalized engine graphs.
type Builder struct {
	registry *strategy.Registry
	interp   *rules.Interpolator
}

// NewBuilder creates a Builder. The interpolator may be nil when definitions
// carry no ${...} references.
func NewBuilder(registry *strategy.Registry, interp *rules.Interpolator) *Builder {
	return &Builder{registry: registry, interp: interp}
}

// Build validates the definition semantically and constructs a finalized
// graph. Seed holds the per-run seed values used for option interpolation.
func (b *Builder) Build(ctx context.Context, def *Definition, seed map[string]any) (*engine.Graph, error) {
	if result := validateSemantic(def, b.registry); !result.Valid() {
		return nil, result.ToError()
	}

	scope := &rules.InterpolationScope{Seed: seed, Params: def.Params}

	graph := engine.NewGraph(engine.WithSeedKeys(def.SeedSchema...))
	for _, n := range def.Nodes {
		options, err := b.resolveOptions(ctx, def, n, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"resolve options for node %q", n.ID).WithNode(n.ID).WithCause(err)
		}

		node, err := b.registry.Build(n.Strategy, strategy.Spec{
			NodeID:   n.ID,
			Reads:    n.Reads,
			Produces: n.Produces,
			Options:  options,
		})
		if err != nil {
			return nil, err
		}

		var opts []engine.NodeOption
		if n.Timeout != "" {
			d, err := time.ParseDuration(n.Timeout)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"invalid timeout %q on node %q", n.Timeout, n.ID).WithNode(n.ID)
			}
			opts = append(opts, engine.WithNodeTimeout(d))
		}
		if err := graph.Register(node, opts...); err != nil {
			return nil, err
		}
	}

	if err := graph.Finalize(); err != nil {
		return nil, err
	}
	return graph, nil
}

// resolveOptions interpolates a node's options and, for the decision node,
// merges the aggregation settings in so the aggregator strategy reads one
// options document.
func (b *Builder) resolveOptions(ctx context.Context, def *Definition, n NodeDef, scope *rules.InterpolationScope) (json.RawMessage, error) {
	options := n.Options
	if def.Aggregation != nil && def.Aggregation.DecisionNode == n.ID {
		merged, err := mergeAggregation(options, def.Aggregation)
		if err != nil {
			return nil, err
		}
		options = merged
	}
	if b.interp == nil || len(options) == 0 {
		return options, nil
	}
	return b.interp.Resolve(ctx, options, scope)
}

// mergeAggregation overlays the aggregation settings onto the node's own
// options. Explicit node options win.
func mergeAggregation(options json.RawMessage, agg *AggregationDef) (json.RawMessage, error) {
	merged := make(map[string]any)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &merged); err != nil {
			return nil, err
		}
	}
	if agg.CombinePolicy != "" {
		if _, set := merged["combine_policy"]; !set {
			merged["combine_policy"] = agg.CombinePolicy
		}
	}
	if agg.CombineExpr != "" {
		if _, set := merged["combine_expr"]; !set {
			merged["combine_expr"] = agg.CombineExpr
		}
	}
	return json.Marshal(merged)
}
