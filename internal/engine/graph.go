package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/conviction/internal/state"
	"github.com/rendis/conviction/pkg/schema"
)

// Node is one unit of analysis the engine schedules. Implementations must be
// stateless across runs; everything run-scoped lives in the snapshot and the
// returned patch. Evaluate may block on I/O; the engine bounds it with the
// node's timeout.
type Node interface {
	ID() string
	Reads() []string
	Produces() []string
	Evaluate(ctx context.Context, snap *state.Snapshot) (*schema.Signal, state.Patch, error)
}

// Graph declares analysis nodes and the data dependencies between them.
// Register all nodes, then Finalize once; the graph is immutable afterwards
// and safe to share across concurrent runs.
type Graph struct {
	nodes    map[string]*nodeEntry
	order    []string // node ids in registration order
	seedKeys map[string]struct{}

	finalized   bool
	producers   map[string]string   // state key → producing node id
	deps        map[string][]string // node id → resolved upstream node ids
	dependents  map[string][]string // node id → downstream node ids
	sorted      []string            // topological order
	waves       [][]string          // wave plan by topological depth
	aggregators []string            // nodes producing the decision key
}

type nodeEntry struct {
	node    Node
	timeout time.Duration
	index   int
}

// GraphOption configures a Graph at construction.
type GraphOption func(*Graph)

// WithSeedKeys declares state keys the seed provides beyond instrument_id and
// as_of_time; reads against them never require a producing node.
func WithSeedKeys(keys ...string) GraphOption {
	return func(g *Graph) {
		for _, k := range keys {
			g.seedKeys[k] = struct{}{}
		}
	}
}

// NewGraph creates an empty graph.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		nodes: make(map[string]*nodeEntry),
		seedKeys: map[string]struct{}{
			schema.SeedKeyInstrumentID: {},
			schema.SeedKeyAsOfTime:     {},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NodeOption configures a node at registration.
type NodeOption func(*nodeEntry)

// WithNodeTimeout bounds the node's Evaluate call. Zero means the executor's
// default applies.
func WithNodeTimeout(d time.Duration) NodeOption {
	return func(e *nodeEntry) {
		e.timeout = d
	}
}

// Register adds a node to the graph. Fails with DUPLICATE_NODE if the id is
// taken and with CYCLE_DETECTED if the node reads itself or its own output.
// Reads referencing other nodes are resolved at Finalize, so registration
// order never matters.
func (g *Graph) Register(node Node, opts ...NodeOption) error {
	if g.finalized {
		return schema.NewError(schema.ErrCodeConflict, "graph is finalized, no node can be added")
	}
	if node == nil {
		return schema.NewError(schema.ErrCodeValidation, "node is nil")
	}
	id := node.ID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "node has empty id")
	}
	if _, exists := g.nodes[id]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateNode, "node id %q already registered", id)
	}

	own := make(map[string]struct{}, len(node.Produces()))
	for _, k := range node.Produces() {
		if k == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %q declares an empty produces key", id)
		}
		own[k] = struct{}{}
	}
	for _, r := range node.Reads() {
		if r == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %q declares an empty read", id)
		}
		if r == id {
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "node %q reads itself", id)
		}
		if _, self := own[r]; self {
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "node %q reads its own output key %q", id, r)
		}
	}

	entry := &nodeEntry{node: node, index: len(g.order)}
	for _, opt := range opts {
		opt(entry)
	}
	g.nodes[id] = entry
	g.order = append(g.order, id)
	return nil
}

// Finalize resolves reads to producer edges, rejects write conflicts and
// unknown dependencies, orders the graph topologically and plans the
// execution waves. Must be called exactly once before any run.
func (g *Graph) Finalize() error {
	if g.finalized {
		return schema.NewError(schema.ErrCodeConflict, "graph is already finalized")
	}
	if len(g.nodes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "graph has no nodes")
	}

	// Each state key belongs to exactly one producer; overlap is a race by
	// construction and rejected regardless of wave placement.
	g.producers = make(map[string]string, len(g.nodes))
	for _, id := range g.order {
		for _, key := range g.nodes[id].node.Produces() {
			if other, taken := g.producers[key]; taken {
				return schema.NewErrorf(schema.ErrCodeWriteConflict,
					"nodes %q and %q both declare produces key %q", other, id, key).
					WithDetails(map[string]any{"key": key, "nodes": []string{other, id}})
			}
			g.producers[key] = id
		}
	}

	// Resolve reads: a read names an upstream node id, a produced state key,
	// or a seed key. Node ids win over key names on collision.
	g.deps = make(map[string][]string, len(g.nodes))
	g.dependents = make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		seen := make(map[string]struct{})
		var deps []string
		for _, r := range g.nodes[id].node.Reads() {
			var producer string
			if _, isNode := g.nodes[r]; isNode {
				producer = r
			} else if p, isKey := g.producers[r]; isKey {
				producer = p
			} else if _, isSeed := g.seedKeys[r]; isSeed {
				continue
			} else {
				return schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"node %q reads %q, which no node produces and the seed does not provide", id, r).
					WithNode(id)
			}
			if producer == id {
				return schema.NewErrorf(schema.ErrCodeCycleDetected, "node %q reads its own output key %q", id, r)
			}
			if _, dup := seen[producer]; dup {
				continue
			}
			seen[producer] = struct{}{}
			deps = append(deps, producer)
			g.dependents[producer] = append(g.dependents[producer], id)
		}
		g.deps[id] = deps
	}

	if err := g.topoSort(); err != nil {
		return err
	}
	g.planWaves()

	g.aggregators = nil
	for _, id := range g.sorted {
		for _, key := range g.nodes[id].node.Produces() {
			if key == schema.DecisionStateKey {
				g.aggregators = append(g.aggregators, id)
			}
		}
	}

	g.finalized = true
	return nil
}

// topoSort runs Kahn's algorithm with sorted queues so the order is stable.
// A non-empty remainder is a cycle; the error names its node ids.
func (g *Graph) topoSort() error {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.deps[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sortStrings(queue)

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := make([]string, len(g.dependents[id]))
		copy(next, g.dependents[id])
		sortStrings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.nodes) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sortStrings(cyclic)
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"graph contains a cycle through nodes: %s", strings.Join(cyclic, ", ")).
			WithDetails(map[string]any{"nodes": cyclic})
	}

	g.sorted = sorted
	return nil
}

// planWaves groups nodes by topological depth. Every dependency of a node at
// depth d settles at a depth strictly below d, which is what lets the
// executor run each wave with a single barrier.
func (g *Graph) planWaves() {
	depth := make(map[string]int, len(g.nodes))
	maxDepth := 0
	for _, id := range g.sorted {
		d := 0
		for _, dep := range g.deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	waves := make([][]string, maxDepth+1)
	// Registration order within a wave keeps dispatch deterministic.
	for _, id := range g.order {
		d := depth[id]
		waves[d] = append(waves[d], id)
	}
	g.waves = waves
}

// Finalized reports whether Finalize has completed.
func (g *Graph) Finalized() bool {
	return g.finalized
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// NodeIDs returns the node ids in registration order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// Node returns a registered node by id.
func (g *Graph) Node(id string) (Node, bool) {
	e, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// Timeout returns the node's registered timeout, zero when unset.
func (g *Graph) Timeout(id string) time.Duration {
	if e, ok := g.nodes[id]; ok {
		return e.timeout
	}
	return 0
}

// Waves returns the planned execution waves. Only valid once finalized.
func (g *Graph) Waves() [][]string {
	return g.waves
}

// DependenciesOf returns the resolved upstream node ids of a node.
func (g *Graph) DependenciesOf(id string) []string {
	return g.deps[id]
}

// DependentsOf returns the downstream node ids of a node.
func (g *Graph) DependentsOf(id string) []string {
	return g.dependents[id]
}

// Aggregators returns the ids of nodes that produce the decision key, in
// topological order.
func (g *Graph) Aggregators() []string {
	return g.aggregators
}

// ProducerOf returns the node producing the given state key.
func (g *Graph) ProducerOf(key string) (string, bool) {
	id, ok := g.producers[key]
	return id, ok
}

// sortStrings sorts a small slice in place with insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
