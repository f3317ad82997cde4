package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
)

// NodeRegistry is the process-local map of live compiled graphs. A single
// engine instance is authoritative per graph; reads and register/destroy
// writes are atomic with respect to one another.
type NodeRegistry struct {
	mu     sync.RWMutex
	graphs map[uuid.UUID]*CompiledGraph
	logger *slog.Logger
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry(logger *slog.Logger) *NodeRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeRegistry{
		graphs: make(map[uuid.UUID]*CompiledGraph),
		logger: logger,
	}
}

// Register makes cg the live graph for its id, replacing any previous entry.
func (r *NodeRegistry) Register(cg *CompiledGraph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[cg.ID] = cg
}

// Get returns the live graph for id, if registered.
func (r *NodeRegistry) Get(id uuid.UUID) (*CompiledGraph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cg, ok := r.graphs[id]
	return cg, ok
}

// GetStatus returns the live status for id, or GraphStatusStopped when the
// graph is not registered.
func (r *NodeRegistry) GetStatus(id uuid.UUID) core.GraphStatus {
	if cg, ok := r.Get(id); ok {
		return cg.Status()
	}
	return core.GraphStatusStopped
}

// Destroy tears down all nodes of the graph in reverse build order and
// removes the registry entry. Destroy failures on individual nodes are
// logged and do not stop the teardown.
func (r *NodeRegistry) Destroy(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	cg, ok := r.graphs[id]
	delete(r.graphs, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	order, err := schema.BuildOrder(cg.Schema())
	if err != nil {
		// A live graph should never hold a cyclic schema; fall back to map
		// order so resources are still released.
		r.logger.Warn("destroy: falling back to unordered teardown",
			"graph_id", id, "error", err)
		for _, cn := range cg.Nodes() {
			r.destroyNode(ctx, cg, cn)
		}
		cg.SetStatus(core.GraphStatusStopped)
		return nil
	}

	for i := len(order) - 1; i >= 0; i-- {
		if cn, ok := cg.Node(order[i].ID); ok {
			r.destroyNode(ctx, cg, cn)
		}
	}
	cg.SetStatus(core.GraphStatusStopped)
	return nil
}

func (r *NodeRegistry) destroyNode(ctx context.Context, cg *CompiledGraph, cn *CompiledNode) {
	cg.State().UnregisterNode(cn.ID)
	if err := cn.Handle.Destroy(ctx, cn.Instance); err != nil {
		r.logger.Error("failed to destroy node",
			"graph_id", cg.ID, "node_id", cn.ID, "error", err)
	}
	cg.removeNode(cn.ID)
}
