package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/conviction/internal/events"
	"github.com/rendis/conviction/internal/logging"
	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/pkg/schema"
)

const (
	defaultConcurrency = 8
	defaultNodeTimeout = 30 * time.Second
)

// Executor runs finalized graphs wave by wave. One executor is shared across
// runs; the pool bounds node evaluations globally, so concurrent runs compete
// for the same slots.
//
// Within a run: every node of a wave reads the same snapshot taken at wave
// start, the wave drains at a barrier, and outcomes merge sequentially in
// registration order. Cancellation is honored between waves only; a wave
// that started always drains.
type Executor struct {
	pool           *EvalPool
	runFSM         *RunFSM
	nodeFSM        *NodeFSM
	appender       EventAppender
	logger         *slog.Logger
	concurrency    int
	defaultTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithConcurrency bounds how many node evaluations run at once across all
// runs sharing this executor.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		e.concurrency = n
	}
}

// WithDefaultNodeTimeout sets the evaluation budget for nodes registered
// without their own timeout.
func WithDefaultNodeTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithEventAppender routes lifecycle events to the given appender.
func WithEventAppender(a EventAppender) ExecutorOption {
	return func(e *Executor) {
		if a != nil {
			e.appender = a
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor with the given options.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		appender:       NopAppender{},
		logger:         slog.Default(),
		concurrency:    defaultConcurrency,
		defaultTimeout: defaultNodeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.pool = NewEvalPool(e.concurrency)
	e.runFSM = NewRunFSM(e.appender)
	e.nodeFSM = NewNodeFSM(e.appender)
	return e
}

// RunFSM exposes the run lifecycle FSM for hook registration.
func (e *Executor) RunFSM() *RunFSM { return e.runFSM }

// NodeFSM exposes the node lifecycle FSM for hook registration.
func (e *Executor) NodeFSM() *NodeFSM { return e.nodeFSM }

// PoolMetrics returns a snapshot of the evaluation pool counters.
func (e *Executor) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Close shuts the evaluation pool down after in-flight work drains.
func (e *Executor) Close() { e.pool.Shutdown() }

// Result is the outcome of one run over a graph. Failures holds one entry
// per node that did not complete; Signals carries every recorded signal in
// node registration order.
type Result struct {
	RunID                  string
	Status                 schema.RunStatus
	Signals                []schema.Signal
	Failures               map[string]schema.NodeFailure
	Statuses               map[string]schema.NodeStatus
	WavesPlanned           int
	WavesRun               int
	Cancelled              bool
	AggregationUnavailable bool
	StartedAt              time.Time
	FinishedAt             time.Time
}

// nodeOutcome is what one evaluation produced, before the barrier merge.
type nodeOutcome struct {
	nodeID  string
	signal  *schema.Signal
	patch   state.Patch
	err     error
	ctxErr  error
	elapsed time.Duration
}

// Execute runs the graph to completion over the given run state. Node
// failures never surface as an error here; they are isolated into the
// result. The returned error covers caller contract violations only.
func (e *Executor) Execute(ctx context.Context, runID string, g *Graph, st *state.State) (*Result, error) {
	if g == nil || !g.Finalized() {
		return nil, schema.NewError(schema.ErrCodeGraphNotFinalized, "graph must be finalized before execution").WithRun(runID)
	}
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run state is nil").WithRun(runID)
	}

	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithInstrumentID(ctx, st.InstrumentID())
	// Dispatched waves always drain, and terminal bookkeeping must outlive
	// the caller's cancellation.
	detached := context.WithoutCancel(ctx)

	waves := g.Waves()
	statuses := make(map[string]schema.NodeStatus, g.Len())
	for _, id := range g.NodeIDs() {
		statuses[id] = schema.NodeStatusPending
	}
	failures := make(map[string]schema.NodeFailure)

	startedAt := time.Now().UTC()
	_ = e.appender.AppendEvent(detached, &events.Event{
		RunID: runID,
		Type:  schema.EventRunStarted,
		Payload: map[string]any{
			"instrument_id": st.InstrumentID(),
			"nodes":         g.Len(),
			"waves_planned": len(waves),
		},
		At: startedAt,
	})
	e.logger.InfoContext(ctx, "run started", "nodes", g.Len(), "waves_planned", len(waves))

	wavesRun := 0
	cancelled := false

	for wi, wave := range waves {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		// Settle skips first: a node whose upstream did not complete never
		// starts. Everything at a lower depth is already settled, so this
		// partition is final.
		var runnable []string
		for _, id := range wave {
			deps := g.DependenciesOf(id)
			if depsComplete(deps, statuses) {
				runnable = append(runnable, id)
				continue
			}
			f := skipFailure(deps, statuses)
			failures[id] = f
			statuses[id] = schema.NodeStatusSkipped
			e.transitionNode(detached, runID, id, schema.NodeStatusPending, schema.NodeStatusSkipped,
				map[string]any{"code": f.Code, "message": f.Message})
			e.logger.WarnContext(logging.WithNodeID(ctx, id), "node skipped", "reason", f.Message)
		}
		if len(runnable) == 0 {
			continue
		}

		snap := st.Snapshot()
		_ = e.appender.AppendEvent(detached, &events.Event{
			RunID: runID,
			Type:  schema.EventWaveStarted,
			Payload: map[string]any{
				"wave":          wi,
				"nodes":         runnable,
				"state_version": snap.Version(),
			},
			At: time.Now().UTC(),
		})
		e.logger.InfoContext(ctx, "wave started", "wave", wi, "nodes", len(runnable))

		outcomes := make([]*nodeOutcome, len(runnable))
		var wg sync.WaitGroup
		for i, id := range runnable {
			statuses[id] = schema.NodeStatusRunning
			e.transitionNode(detached, runID, id, schema.NodeStatusPending, schema.NodeStatusRunning, nil)

			wg.Add(1)
			submitErr := e.pool.Submit(detached, func() {
				defer wg.Done()
				outcomes[i] = e.evaluateNode(detached, id, g, snap)
			})
			if submitErr != nil {
				wg.Done()
				outcomes[i] = &nodeOutcome{nodeID: id, err: submitErr}
			}
		}
		wg.Wait()

		completed, failed := 0, 0
		for _, out := range outcomes {
			if e.mergeOutcome(detached, ctx, runID, g, st, out, statuses, failures) {
				completed++
			} else {
				failed++
			}
		}

		_ = e.appender.AppendEvent(detached, &events.Event{
			RunID: runID,
			Type:  schema.EventWaveCompleted,
			Payload: map[string]any{
				"wave":      wi,
				"completed": completed,
				"failed":    failed,
			},
			At: time.Now().UTC(),
		})
		e.logger.InfoContext(ctx, "wave completed", "wave", wi, "completed", completed, "failed", failed)
		wavesRun++
	}

	if cancelled {
		var pending []string
		for _, id := range g.NodeIDs() {
			if statuses[id] != schema.NodeStatusPending {
				continue
			}
			pending = append(pending, id)
			statuses[id] = schema.NodeStatusCancelled
			failures[id] = schema.NodeFailure{
				Code:    schema.ErrCodeRunCancelled,
				Message: "run cancelled before node started",
			}
			e.transitionNode(detached, runID, id, schema.NodeStatusPending, schema.NodeStatusCancelled,
				map[string]any{"code": schema.ErrCodeRunCancelled})
		}
		_ = e.appender.AppendEvent(detached, &events.Event{
			RunID:   runID,
			Type:    schema.EventRunCancelled,
			Payload: map[string]any{"pending": pending},
			At:      time.Now().UTC(),
		})
		e.logger.InfoContext(ctx, "run cancelled", "pending", len(pending))
	}

	_, decisionProduced := st.Value(schema.DecisionStateKey)
	status := finalStatus(g, statuses, failures, cancelled, decisionProduced)

	res := &Result{
		RunID:        runID,
		Status:       status,
		Signals:      st.Signals(),
		Failures:     failures,
		Statuses:     statuses,
		WavesPlanned: len(waves),
		WavesRun:     wavesRun,
		Cancelled:    cancelled,
		StartedAt:    startedAt,
		FinishedAt:   time.Now().UTC(),
	}
	if aggs := g.Aggregators(); len(aggs) > 0 {
		res.AggregationUnavailable = true
		for _, id := range aggs {
			if statuses[id] == schema.NodeStatusComplete {
				res.AggregationUnavailable = false
				break
			}
		}
	}

	if err := e.runFSM.Transition(detached, runID, schema.RunStatusRunning, status, map[string]any{
		"failures":  len(failures),
		"waves_run": wavesRun,
	}); err != nil {
		e.logger.ErrorContext(ctx, "run transition failed", "error", err)
	}
	e.logger.InfoContext(ctx, "run finished",
		"status", string(status), "signals", len(res.Signals), "failures", len(failures))
	return res, nil
}

// evaluateNode runs one node against the wave snapshot under its timeout.
// Panics inside Evaluate surface as node errors.
func (e *Executor) evaluateNode(ctx context.Context, id string, g *Graph, snap *state.Snapshot) (out *nodeOutcome) {
	timeout := g.Timeout(id)
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	nodeCtx, cancel := context.WithTimeout(logging.WithNodeID(ctx, id), timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = &nodeOutcome{
				nodeID:  id,
				err:     recoverEvalPanic(id, r),
				ctxErr:  nodeCtx.Err(),
				elapsed: time.Since(start),
			}
		}
	}()

	node, _ := g.Node(id)
	sig, patch, err := node.Evaluate(nodeCtx, snap)
	return &nodeOutcome{
		nodeID:  id,
		signal:  sig,
		patch:   patch,
		err:     err,
		ctxErr:  nodeCtx.Err(),
		elapsed: time.Since(start),
	}
}

// mergeOutcome settles one node at the barrier: validate, merge the patch,
// record the signal, emit events. Returns true when the node completed. A
// failure at any stage leaves the run state untouched by this node.
func (e *Executor) mergeOutcome(detached, ctx context.Context, runID string, g *Graph, st *state.State,
	out *nodeOutcome, statuses map[string]schema.NodeStatus, failures map[string]schema.NodeFailure) bool {

	id := out.nodeID
	nctx := logging.WithNodeID(ctx, id)

	timeout := g.Timeout(id)
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	// The node context is authoritative for timeouts even when the node
	// returned a result: a budget overrun is a failure either way.
	if out.err != nil || out.ctxErr != nil {
		f := failureFor(id, timeout, out.ctxErr, out.err)
		return e.failNode(detached, nctx, runID, id, f, statuses, failures, out.elapsed)
	}

	if out.signal != nil {
		if err := validateSignal(id, out.signal, time.Now().UTC()); err != nil {
			f := schema.NodeFailure{Code: schema.CodeOf(err), Message: err.Error()}
			return e.failNode(detached, nctx, runID, id, f, statuses, failures, out.elapsed)
		}
	}

	if len(out.patch) > 0 {
		node, _ := g.Node(id)
		if err := st.ApplyPatch(id, node.Produces(), out.patch); err != nil {
			f := schema.NodeFailure{Code: schema.CodeOf(err), Message: err.Error()}
			return e.failNode(detached, nctx, runID, id, f, statuses, failures, out.elapsed)
		}
		_ = e.appender.AppendEvent(detached, &events.Event{
			RunID:  runID,
			NodeID: id,
			Type:   schema.EventPatchApplied,
			Payload: map[string]any{
				"keys":          out.patch.Keys(),
				"state_version": st.Version(),
			},
			At: time.Now().UTC(),
		})
	}

	if out.signal != nil {
		st.RecordSignal(*out.signal)
		_ = e.appender.AppendEvent(detached, &events.Event{
			RunID:  runID,
			NodeID: id,
			Type:   schema.EventSignalRecorded,
			Payload: map[string]any{
				"direction":  string(out.signal.Direction),
				"confidence": out.signal.Confidence,
			},
			At: time.Now().UTC(),
		})
	}

	if dec, ok := out.patch[schema.DecisionStateKey].(*schema.Decision); ok && dec != nil {
		payload := map[string]any{
			"action":     string(dec.Action),
			"confidence": dec.Confidence,
		}
		if dec.Size != nil {
			payload["size"] = dec.Size.String()
		}
		_ = e.appender.AppendEvent(detached, &events.Event{
			RunID:   runID,
			NodeID:  id,
			Type:    schema.EventDecisionEmitted,
			Payload: payload,
			At:      time.Now().UTC(),
		})
	}

	statuses[id] = schema.NodeStatusComplete
	e.transitionNode(detached, runID, id, schema.NodeStatusRunning, schema.NodeStatusComplete,
		map[string]any{"elapsed_ms": out.elapsed.Milliseconds()})
	e.logger.DebugContext(nctx, "node completed", "elapsed", out.elapsed)
	return true
}

func (e *Executor) failNode(detached, nctx context.Context, runID, id string, f schema.NodeFailure,
	statuses map[string]schema.NodeStatus, failures map[string]schema.NodeFailure, elapsed time.Duration) bool {

	failures[id] = f
	statuses[id] = schema.NodeStatusFailed
	e.transitionNode(detached, runID, id, schema.NodeStatusRunning, schema.NodeStatusFailed,
		map[string]any{"code": f.Code, "message": f.Message, "elapsed_ms": elapsed.Milliseconds()})
	e.logger.WarnContext(nctx, "node failed", "code", f.Code, "error", f.Message)
	return false
}

// transitionNode runs a node FSM transition. Emission problems are logged
// and swallowed; the statuses map is the source of truth for the run.
func (e *Executor) transitionNode(ctx context.Context, runID, id string, from, to schema.NodeStatus, payload map[string]any) {
	if err := e.nodeFSM.Transition(ctx, runID, id, from, to, payload); err != nil {
		e.logger.ErrorContext(ctx, "node transition failed",
			"node_id", id, "from", string(from), "to", string(to), "error", err)
	}
}

// finalStatus derives the run status. Zero failures is complete. A cancelled
// run is partial: whatever merged before cancellation stands. Otherwise a
// run that produced no decision is failed when a decision was ever possible
// (the graph has aggregators) or when nothing at all completed.
func finalStatus(g *Graph, statuses map[string]schema.NodeStatus, failures map[string]schema.NodeFailure,
	cancelled, decisionProduced bool) schema.RunStatus {

	if len(failures) == 0 {
		return schema.RunStatusComplete
	}
	if cancelled || decisionProduced {
		return schema.RunStatusPartial
	}
	if len(g.Aggregators()) > 0 {
		return schema.RunStatusFailed
	}
	for _, id := range g.NodeIDs() {
		if statuses[id] == schema.NodeStatusComplete {
			return schema.RunStatusPartial
		}
	}
	return schema.RunStatusFailed
}
