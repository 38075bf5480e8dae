// Package run coordinates analysis runs: it builds the graph for a
// definition, seeds the shared state, drives the executor and persists the
// outcome to the audit store.
package run

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conviction/internal/audit"
	"github.com/rendis/conviction/internal/engine"
	"github.com/rendis/conviction/internal/events"
	"github.com/rendis/conviction/internal/graphdef"
	"github.com/rendis/conviction/internal/obs"
	"github.com/rendis/conviction/internal/rules"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/pkg/schema"
)

// Coordinator owns the run lifecycle around the executor.
type Coordinator struct {
	builder *graphdef.Builder
	fetcher state.Fetcher
	store   audit.Store
	hub     events.Hub
	metrics *obs.Recorder
	logger  *slog.Logger

	concurrency int
	nodeTimeout time.Duration

	mu   sync.RWMutex
	defs map[string]*graphdef.Definition

	execOnce sync.Once
	exec     *engine.Executor
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore persists runs, signals, failures and the event log.
func WithStore(s audit.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithHub publishes lifecycle events to a live hub.
func WithHub(h events.Hub) Option {
	return func(c *Coordinator) { c.hub = h }
}

// WithMetrics records run and node metrics.
func WithMetrics(r *obs.Recorder) Option {
	return func(c *Coordinator) { c.metrics = r }
}

// WithLogger sets the coordinator and executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithConcurrency bounds simultaneous node evaluations per wave.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) { c.concurrency = n }
}

// WithDefaultNodeTimeout sets the executor's default per-node timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.nodeTimeout = d }
}

// NewCoordinator creates a Coordinator over the given graph builder and
// metric fetcher.
func NewCoordinator(builder *graphdef.Builder, fetcher state.Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		builder: builder,
		fetcher: fetcher,
		logger:  slog.Default(),
		defs:    make(map[string]*graphdef.Definition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddDefinition registers a graph definition under its graph_id.
func (c *Coordinator) AddDefinition(def *graphdef.Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[def.GraphID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "graph %q already registered", def.GraphID)
	}
	c.defs[def.GraphID] = def
	return nil
}

// GraphIDs lists the registered graph definitions.
func (c *Coordinator) GraphIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.defs))
	for id := range c.defs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) executor() *engine.Executor {
	c.execOnce.Do(func() {
		appenders := MultiAppender{}
		if c.store != nil {
			if ls, ok := c.store.(*audit.LibSQLStore); ok {
				appenders = append(appenders, audit.NewEventLog(ls))
			} else {
				appenders = append(appenders, c.store)
			}
		}
		if c.hub != nil {
			appenders = append(appenders, NewHubAppender(c.hub))
		}
		if c.metrics != nil {
			appenders = append(appenders, NewMetricsAppender(c.metrics))
		}

		opts := []engine.ExecutorOption{engine.WithLogger(c.logger)}
		if len(appenders) > 0 {
			opts = append(opts, engine.WithEventAppender(appenders))
		}
		if c.concurrency > 0 {
			opts = append(opts, engine.WithConcurrency(c.concurrency))
		}
		if c.nodeTimeout > 0 {
			opts = append(opts, engine.WithDefaultNodeTimeout(c.nodeTimeout))
		}
		c.exec = engine.NewExecutor(opts...)
	})
	return c.exec
}

// Close releases the executor's worker pool.
func (c *Coordinator) Close() {
	if c.exec != nil {
		c.exec.Close()
	}
}

// Run executes one analysis for an instrument against a registered graph.
// Node failures surface inside the result, never as the returned error.
func (c *Coordinator) Run(ctx context.Context, graphID, instrumentID string, asOf time.Time, params map[string]any) (*schema.RunResult, error) {
	c.mu.RLock()
	def, ok := c.defs[graphID]
	c.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %q not registered", graphID)
	}
	if instrumentID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instrument id is empty")
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	seedScope := rules.SeedScope(instrumentID, asOf, params)
	graph, err := c.builder.Build(ctx, def, seedScope)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	startedAt := time.Now().UTC()

	if c.store != nil {
		seedJSON, _ := json.Marshal(params)
		if err := c.store.CreateRun(ctx, &audit.Run{
			ID:           runID,
			GraphID:      graphID,
			InstrumentID: instrumentID,
			AsOf:         asOf,
			Status:       schema.RunStatusRunning,
			SeedValues:   seedJSON,
			StartedAt:    startedAt,
		}); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "create run record").WithCause(err)
		}
	}

	st := state.New(state.Seed{
		InstrumentID: instrumentID,
		AsOf:         asOf,
		Values:       params,
	}, graph.NodeIDs(), c.fetcher)

	execResult, err := c.executor().Execute(ctx, runID, graph, st)
	if err != nil {
		if c.store != nil {
			c.recordFailedRun(ctx, runID, err)
		}
		return nil, err
	}

	result := &schema.RunResult{
		RunID:        runID,
		GraphID:      graphID,
		InstrumentID: instrumentID,
		AsOf:         asOf,
		AllSignals:   execResult.Signals,
		NodeFailures: execResult.Failures,
		Status:       execResult.Status,
		StartedAt:    execResult.StartedAt,
		FinishedAt:   execResult.FinishedAt,
		Waves:        execResult.WavesRun,
	}
	if dec, ok := st.Value(schema.DecisionStateKey); ok {
		if d, ok := dec.(*schema.Decision); ok {
			result.Decision = d
		}
	}

	if c.store != nil {
		c.persist(ctx, result)
	}
	c.metrics.RunCompleted(string(result.Status), result.FinishedAt.Sub(result.StartedAt), result.Waves)

	return result, nil
}

// RunGraph satisfies the scheduler's Runner interface.
func (c *Coordinator) RunGraph(ctx context.Context, graphID, instrumentID string, asOf time.Time, params map[string]any) error {
	_, err := c.Run(ctx, graphID, instrumentID, asOf, params)
	return err
}

// persist writes the terminal run record, its signals and failures. Storage
// problems are logged, never surfaced: the run already happened.
func (c *Coordinator) persist(ctx context.Context, result *schema.RunResult) {
	// Terminal bookkeeping must survive the caller's cancellation.
	ctx = context.WithoutCancel(ctx)

	update := audit.RunUpdate{
		Status:     result.Status,
		Waves:      &result.Waves,
		FinishedAt: &result.FinishedAt,
	}
	if result.Decision != nil {
		if decJSON, err := json.Marshal(result.Decision); err == nil {
			update.Decision = decJSON
		}
	}
	if err := c.store.UpdateRun(ctx, result.RunID, update); err != nil {
		c.logger.ErrorContext(ctx, "persist run record failed", "run_id", result.RunID, "error", err)
	}

	for i, sig := range result.AllSignals {
		metricsJSON, _ := json.Marshal(sig.Metrics)
		if err := c.store.AppendSignal(ctx, &audit.RunSignal{
			RunID:        result.RunID,
			SourceNodeID: sig.SourceNodeID,
			Direction:    string(sig.Direction),
			Confidence:   sig.Confidence,
			Rationale:    sig.Rationale,
			Metrics:      metricsJSON,
			Position:     i,
			ProducedAt:   sig.ProducedAt,
		}); err != nil {
			c.logger.ErrorContext(ctx, "persist signal failed", "run_id", result.RunID, "node_id", sig.SourceNodeID, "error", err)
		}
	}

	for nodeID, failure := range result.NodeFailures {
		if err := c.store.RecordNodeFailure(ctx, &audit.NodeFailure{
			RunID:    result.RunID,
			NodeID:   nodeID,
			Code:     failure.Code,
			Message:  failure.Message,
			FailedAt: result.FinishedAt,
		}); err != nil {
			c.logger.ErrorContext(ctx, "persist node failure failed", "run_id", result.RunID, "node_id", nodeID, "error", err)
		}
	}
}

func (c *Coordinator) recordFailedRun(ctx context.Context, runID string, runErr error) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	errJSON, _ := json.Marshal(map[string]string{
		"code":    schema.CodeOf(runErr),
		"message": runErr.Error(),
	})
	if err := c.store.UpdateRun(ctx, runID, audit.RunUpdate{
		Status:     schema.RunStatusFailed,
		Error:      errJSON,
		FinishedAt: &now,
	}); err != nil {
		c.logger.ErrorContext(ctx, "persist failed run failed", "run_id", runID, "error", err)
	}
}
