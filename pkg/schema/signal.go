package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the directional stance a signal takes on an instrument.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// Signal is the immutable output of one analysis node. It is owned by the
// engine's result set for the run's lifetime and never mutated after emission.
type Signal struct {
	SourceNodeID string             `json:"source_node_id"`
	Direction    Direction          `json:"direction"`
	Confidence   float64            `json:"confidence"` // in [0,1]
	Rationale    string             `json:"rationale,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	ProducedAt   time.Time          `json:"produced_at"`
}

// Action enumerates the actionable outcomes of a run.
type Action string

const (
	ActionBuy      Action = "buy"
	ActionSell     Action = "sell"
	ActionHold     Action = "hold"
	ActionReduce   Action = "reduce"
	ActionIncrease Action = "increase"
)

// Decision is the aggregated, actionable output of a run. Size is expressed
// as a fraction of portfolio value; nil means the action carries no sizing
// (hold, or a sell-out where the position dictates the quantity).
type Decision struct {
	Action              Action           `json:"action"`
	Size                *decimal.Decimal `json:"size,omitempty"`
	Confidence          float64          `json:"confidence"`
	ContributingSignals []Signal         `json:"contributing_signals"`
	ConstraintsApplied  []string         `json:"constraints_applied,omitempty"`
}

// NodeFailure describes why a node did not produce output.
type NodeFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunResult is the caller-facing outcome of one analysis run. Field names
// below are the stable contract; a partial status with populated
// NodeFailures is a normal outcome, not an error.
type RunResult struct {
	RunID        string                 `json:"run_id"`
	GraphID      string                 `json:"graph_id,omitempty"`
	InstrumentID string                 `json:"instrument_id"`
	AsOf         time.Time              `json:"as_of_time"`
	Decision     *Decision              `json:"decision,omitempty"`
	AllSignals   []Signal               `json:"all_signals"`
	NodeFailures map[string]NodeFailure `json:"node_failures,omitempty"`
	Status       RunStatus              `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
	Waves        int                    `json:"waves"`
}

// FailureFor records err against nodeID, initializing the map on first use.
func (r *RunResult) FailureFor(nodeID string, err error) {
	if r.NodeFailures == nil {
		r.NodeFailures = make(map[string]NodeFailure)
	}
	code := CodeOf(err)
	if code == "" {
		code = ErrCodeNodeExecution
	}
	r.NodeFailures[nodeID] = NodeFailure{Code: code, Message: err.Error()}
}
