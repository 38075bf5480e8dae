// Package strategy is the registry analysis graphs are assembled from. Each
// persona or aggregator registers a Builder under its strategy kind; graph
// definitions reference kinds by name, so new personas plug in without
// touching the engine.
package strategy

import (
	"context"
	"encoding/json"

	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/pkg/schema"
)

// Spec carries everything a Builder needs to construct one node: the node id
// and declared reads/produces from the graph definition, plus the
// strategy-specific options with all ${...} references already resolved.
type Spec struct {
	NodeID   string
	Reads    []string
	Produces []string
	Options  json.RawMessage
}

// Builder constructs an engine node from a definition entry.
type Builder func(spec Spec) (engine.Node, error)

// EvaluateFunc is the evaluation body of a FuncNode.
type EvaluateFunc func(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error)

// FuncNode adapts a plain function into an engine.Node.
type FuncNode struct {
	NodeID    string
	ReadKeys  []string
	WriteKeys []string
	Eval      EvaluateFunc
}

var _ engine.Node = (*FuncNode)(nil)

func (n *FuncNode) ID() string         { return n.NodeID }
func (n *FuncNode) Reads() []string    { return n.ReadKeys }
func (n *FuncNode) Produces() []string { return n.WriteKeys }

func (n *FuncNode) Evaluate(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error) {
	if n.Eval == nil {
		return nil, nil, nil
	}
	return n.Eval(ctx, snap)
}

// NewFuncNode builds a FuncNode from a Spec and an evaluation body.
func NewFuncNode(spec Spec, eval EvaluateFunc) *FuncNode {
	return &FuncNode{
		NodeID:    spec.NodeID,
		ReadKeys:  spec.Reads,
		WriteKeys: spec.Produces,
		Eval:      eval,
	}
}

// DecodeOptions unmarshals a Spec's options into dst. Absent options leave
// dst at its defaults; malformed options are a VALIDATION_ERROR naming the
// node.
func DecodeOptions(spec Spec, dst any) error {
	if len(spec.Options) == 0 {
		return nil
	}
	if err := json.Unmarshal(spec.Options, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %q has malformed options: %s", spec.NodeID, err.Error()).
			WithNode(spec.NodeID).WithCause(err)
	}
	return nil
}
