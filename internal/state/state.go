package state

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/conviction/pkg/schema"
)

// Fetcher retrieves one metric value for an instrument at a point in time.
// Satisfied by the fetch package adapters; implementations must be safe for
// concurrent use from multiple nodes.
type Fetcher interface {
	Fetch(ctx context.Context, instrumentID, metricKey string, asOf time.Time) (any, error)
}

// Seed carries the run inputs the coordinator places into the state before
// the first wave. Values holds any additional keys the graph's seed schema
// declares (e.g. "portfolio").
type Seed struct {
	InstrumentID string
	AsOf         time.Time
	Values       map[string]any
}

// State is the shared analysis context for one run. Derived keys are written
// exclusively through ApplyPatch at wave boundaries; nodes only ever see
// read-only snapshots. Fetched data is a run-scoped memo over the Fetcher and
// is safe to populate concurrently from nodes in the same wave.
type State struct {
	seed    Seed
	fetcher Fetcher

	derived map[string]any
	version int // merged patch count

	signalsByNode map[string]schema.Signal
	order         []string // node ids in registration order

	fetchMu sync.Mutex
	fetched map[string]*fetchEntry
}

type fetchEntry struct {
	done  chan struct{}
	value any
	err   error
}

// New creates the state for one run. order is the graph's node registration
// order and fixes the deterministic ordering of the signal sequence.
func New(seed Seed, order []string, fetcher Fetcher) *State {
	return &State{
		seed:          seed,
		fetcher:       fetcher,
		derived:       make(map[string]any),
		signalsByNode: make(map[string]schema.Signal, len(order)),
		order:         append([]string(nil), order...),
		fetched:       make(map[string]*fetchEntry),
	}
}

// ApplyPatch merges a node's writes into the derived state. Keys outside the
// node's declared produces set reject the whole patch with UNDECLARED_WRITE;
// no partial merge happens.
func (s *State) ApplyPatch(nodeID string, declared []string, p Patch) error {
	if len(p) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(declared))
	for _, k := range declared {
		allowed[k] = struct{}{}
	}
	for k := range p {
		if _, ok := allowed[k]; !ok {
			return schema.NewErrorf(schema.ErrCodeUndeclaredWrite,
				"wrote key %q outside declared produces set", k).WithNode(nodeID)
		}
	}
	for k, v := range p {
		s.derived[k] = v
	}
	s.version++
	return nil
}

// RecordSignal stores a node's signal. Ordering is resolved against the
// registration order at read time, so completion order is irrelevant.
func (s *State) RecordSignal(sig schema.Signal) {
	s.signalsByNode[sig.SourceNodeID] = sig
}

// Signals returns the recorded signals in node registration order.
func (s *State) Signals() []schema.Signal {
	out := make([]schema.Signal, 0, len(s.signalsByNode))
	for _, id := range s.order {
		if sig, ok := s.signalsByNode[id]; ok {
			out = append(out, sig)
		}
	}
	return out
}

// Value returns a derived or seed value by key.
func (s *State) Value(key string) (any, bool) {
	if v, ok := s.derived[key]; ok {
		return v, true
	}
	switch key {
	case schema.SeedKeyInstrumentID:
		return s.seed.InstrumentID, true
	case schema.SeedKeyAsOfTime:
		return s.seed.AsOf, true
	}
	v, ok := s.seed.Values[key]
	return v, ok
}

// Version returns the number of patches merged so far.
func (s *State) Version() int {
	return s.version
}

// InstrumentID returns the instrument under analysis.
func (s *State) InstrumentID() string {
	return s.seed.InstrumentID
}

// AsOf returns the analysis point in time.
func (s *State) AsOf() time.Time {
	return s.seed.AsOf
}

// fetch resolves a metric through the run memo, deduplicating concurrent
// requests for the same key so the adapter sees each (instrument, key, asOf)
// at most once per run.
func (s *State) fetch(ctx context.Context, metricKey string) (any, error) {
	if s.fetcher == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
			"no data adapter configured for metric %q", metricKey)
	}

	s.fetchMu.Lock()
	if e, ok := s.fetched[metricKey]; ok {
		s.fetchMu.Unlock()
		select {
		case <-e.done:
			return e.value, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &fetchEntry{done: make(chan struct{})}
	s.fetched[metricKey] = e
	s.fetchMu.Unlock()

	// Failures memoize for the run too; every node observes the same outcome.
	e.value, e.err = s.fetcher.Fetch(ctx, s.seed.InstrumentID, metricKey, s.seed.AsOf)
	close(e.done)

	return e.value, e.err
}
