package state

import (
	"context"
	"time"

	"github.com/rendis/conviction/pkg/schema"
)

// Snapshot is the read-only view a node evaluates against. It is taken at
// wave start and never changes afterwards, so siblings in the same wave can
// never observe each other's writes. Values obtained from a snapshot must be
// treated as immutable; new data is proposed through the node's Patch.
type Snapshot struct {
	instrumentID string
	asOf         time.Time
	seedValues   map[string]any
	derived      map[string]any
	signals      []schema.Signal
	version      int

	run *State // fetch memo only
}

// Snapshot captures the current merged state.
func (s *State) Snapshot() *Snapshot {
	derived := make(map[string]any, len(s.derived))
	for k, v := range s.derived {
		derived[k] = v
	}
	return &Snapshot{
		instrumentID: s.seed.InstrumentID,
		asOf:         s.seed.AsOf,
		seedValues:   s.seed.Values,
		derived:      derived,
		signals:      s.Signals(),
		version:      s.version,
		run:          s,
	}
}

// InstrumentID returns the instrument under analysis.
func (sn *Snapshot) InstrumentID() string {
	return sn.instrumentID
}

// AsOf returns the analysis point in time.
func (sn *Snapshot) AsOf() time.Time {
	return sn.asOf
}

// Version identifies the merged-state generation this snapshot was taken at.
func (sn *Snapshot) Version() int {
	return sn.version
}

// Value returns a derived or seed value by key.
func (sn *Snapshot) Value(key string) (any, bool) {
	if v, ok := sn.derived[key]; ok {
		return v, true
	}
	switch key {
	case schema.SeedKeyInstrumentID:
		return sn.instrumentID, true
	case schema.SeedKeyAsOfTime:
		return sn.asOf, true
	}
	v, ok := sn.seedValues[key]
	return v, ok
}

// Signals returns every signal merged before this snapshot's wave, in node
// registration order.
func (sn *Snapshot) Signals() []schema.Signal {
	return sn.signals
}

// SignalFrom returns the signal a specific upstream node produced, if any.
func (sn *Snapshot) SignalFrom(nodeID string) (schema.Signal, bool) {
	for _, sig := range sn.signals {
		if sig.SourceNodeID == nodeID {
			return sig, true
		}
	}
	return schema.Signal{}, false
}

// Fetch resolves a metric through the data adapter, memoized for the run.
// Fails with DATA_UNAVAILABLE when the adapter cannot supply the metric.
func (sn *Snapshot) Fetch(ctx context.Context, metricKey string) (any, error) {
	return sn.run.fetch(ctx, metricKey)
}

// FetchFloat resolves a metric and coerces it to float64.
func (sn *Snapshot) FetchFloat(ctx context.Context, metricKey string) (float64, error) {
	v, err := sn.Fetch(ctx, metricKey)
	if err != nil {
		return 0, err
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"metric %q is %T, not numeric", metricKey, v)
	}
	return f, nil
}

// FetchSeries resolves a metric expected to be an ordered numeric series
// (most recent first, matching provider convention).
func (sn *Snapshot) FetchSeries(ctx context.Context, metricKey string) ([]float64, error) {
	v, err := sn.Fetch(ctx, metricKey)
	if err != nil {
		return nil, err
	}
	switch vv := v.(type) {
	case []float64:
		return vv, nil
	case []any:
		out := make([]float64, 0, len(vv))
		for _, e := range vv {
			f, ok := asFloat(e)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
					"metric %q series holds %T, not numeric", metricKey, e)
			}
			out = append(out, f)
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
		"metric %q is %T, not a series", metricKey, v)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
