// Package engine implements the live graph revision engine: compilation,
// the node registry, live-update planning and execution, and the revision
// orchestrator that drives the graph state machine.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// CompiledNode is the in-memory realisation of a schema node. The compiled
// graph exclusively owns it; the node exclusively owns its handle, which
// exclusively owns the underlying resource.
type CompiledNode struct {
	ID       string
	Template string
	Kind     core.NodeKind
	Config   map[string]any
	Handle   core.NodeHandle
	Instance any
}

// ExecutionState tracks runtime bookkeeping per live node: registration
// times and in-flight invocation counts.
type ExecutionState struct {
	mu         sync.Mutex
	registered map[string]time.Time
	inflight   map[string]int
}

func newExecutionState() *ExecutionState {
	return &ExecutionState{
		registered: make(map[string]time.Time),
		inflight:   make(map[string]int),
	}
}

// RegisterNode records a node as live.
func (s *ExecutionState) RegisterNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[nodeID] = time.Now()
}

// UnregisterNode drops a node's runtime bookkeeping before its handle is
// destroyed.
func (s *ExecutionState) UnregisterNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registered, nodeID)
	delete(s.inflight, nodeID)
}

// RegisteredSince returns when the node went live, if it is live.
func (s *ExecutionState) RegisteredSince(nodeID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.registered[nodeID]
	return t, ok
}

// CompiledGraph is the in-memory realisation of a schema with live node
// instances. It is mutated only by the compiler and by the apply worker for
// its graph; readers obtain node pointers atomically through Node.
type CompiledGraph struct {
	ID uuid.UUID

	mu     sync.RWMutex
	status core.GraphStatus
	nodes  map[string]*CompiledNode
	edges  []core.Edge
	state  *ExecutionState
}

// NewCompiledGraph creates an empty compiled graph in the given status.
func NewCompiledGraph(id uuid.UUID, status core.GraphStatus) *CompiledGraph {
	return &CompiledGraph{
		ID:     id,
		status: status,
		nodes:  make(map[string]*CompiledNode),
		state:  newExecutionState(),
	}
}

// Status returns the graph's live status.
func (g *CompiledGraph) Status() core.GraphStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// SetStatus transitions the graph's live status.
func (g *CompiledGraph) SetStatus(status core.GraphStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

// Node returns the live node with the given id.
func (g *CompiledGraph) Node(id string) (*CompiledNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns a point-in-time copy of the live node map.
func (g *CompiledGraph) Nodes() map[string]*CompiledNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*CompiledNode, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n
	}
	return out
}

// Edges returns a point-in-time copy of the live edge list.
func (g *CompiledGraph) Edges() []core.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]core.Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// State returns the graph's execution state.
func (g *CompiledGraph) State() *ExecutionState {
	return g.state
}

func (g *CompiledGraph) putNode(n *CompiledNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.ID] = n
	g.state.RegisterNode(n.ID)
}

func (g *CompiledGraph) removeNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}

func (g *CompiledGraph) setEdges(edges []core.Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make([]core.Edge, len(edges))
	copy(g.edges, edges)
}

// Schema reconstructs the schema the live graph currently realises.
func (g *CompiledGraph) Schema() core.Schema {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := core.Schema{Edges: make([]core.Edge, len(g.edges))}
	copy(s.Edges, g.edges)
	for _, n := range g.nodes {
		s.Nodes = append(s.Nodes, core.Node{ID: n.ID, Template: n.Template, Config: n.Config})
	}
	return s
}
