// Package constraints supplies position limits and the rule engine that
// clamps proposed decisions against them. Constraint violations never fail
// a node: the proposal is adjusted and the adjustment recorded in the
// decision's constraints_applied list.
package constraints

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rendis/conviction/pkg/schema"
)

// Limits bounds what an aggregator may propose for one instrument. Sizes
// are fractions of portfolio value in [0,1].
type Limits struct {
	// MaxPositionSize caps the size of any single proposed trade.
	MaxPositionSize decimal.Decimal `json:"max_position_size"`
	// MaxRiskExposure caps total exposure to the instrument including the
	// existing position.
	MaxRiskExposure decimal.Decimal `json:"max_risk_exposure"`
	// MinConfidence rejects trades below this confidence; the action
	// downgrades to hold.
	MinConfidence float64 `json:"min_confidence"`
}

// Scope flattens the limits for rule expressions.
func (l Limits) Scope() map[string]any {
	return map[string]any{
		"max_position_size": l.MaxPositionSize.InexactFloat64(),
		"max_risk_exposure": l.MaxRiskExposure.InexactFloat64(),
		"min_confidence":    l.MinConfidence,
	}
}

// Provider is the external collaborator supplying limits per instrument.
// Failures surface as CONSTRAINT_ERROR on the calling node.
type Provider interface {
	LimitsFor(ctx context.Context, instrumentID string, portfolio schema.Portfolio) (Limits, error)
}

// StaticProvider returns the same limits for every instrument, with
// per-instrument overrides. It backs tests, examples and offline runs.
type StaticProvider struct {
	Default   Limits
	Overrides map[string]Limits
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider builds a provider around one default limit set.
func NewStaticProvider(def Limits) *StaticProvider {
	return &StaticProvider{Default: def}
}

// Override pins limits for one instrument. Chainable.
func (p *StaticProvider) Override(instrumentID string, limits Limits) *StaticProvider {
	if p.Overrides == nil {
		p.Overrides = make(map[string]Limits)
	}
	p.Overrides[instrumentID] = limits
	return p
}

// LimitsFor returns the override for the instrument when present, the
// default otherwise.
func (p *StaticProvider) LimitsFor(_ context.Context, instrumentID string, _ schema.Portfolio) (Limits, error) {
	if l, ok := p.Overrides[instrumentID]; ok {
		return l, nil
	}
	return p.Default, nil
}
