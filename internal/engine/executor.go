package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// UpdateError reports the node a live update failed at. The compiled graph
// may be left partially updated; the caller must fail the revision and let
// the next successful one treat the live state as its starting point.
type UpdateError struct {
	NodeID string
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("live update failed at node %q: %v", e.NodeID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Executor applies update plans to a live compiled graph. All mutations run
// on the apply worker for that graph, so the plan executes single-threaded.
type Executor struct {
	compiler *Compiler
	logger   *slog.Logger
}

// NewExecutor creates an executor using the compiler's node machinery.
func NewExecutor(compiler *Compiler, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{compiler: compiler, logger: logger}
}

// Execute applies plan to cg in dependency order: removals first in reverse
// topological order of the current graph, then rebuilds in topological order
// of next. Rebuilds prefer in-place reconfigure and fall back to recreate.
func (e *Executor) Execute(ctx context.Context, cg *CompiledGraph, next core.Schema, plan UpdatePlan) error {
	for _, id := range plan.Removals {
		cn, ok := cg.Node(id)
		if !ok {
			continue
		}
		e.compiler.DestroyNode(ctx, cg, cn)
		e.logger.Debug("live update: node removed", "graph_id", cg.ID, "node_id", id)
	}

	// Rebuilds resolve peers against the updated edge set.
	cg.setEdges(next.Edges)

	for _, node := range plan.Rebuilds {
		if err := e.rebuildNode(ctx, cg, node); err != nil {
			return &UpdateError{NodeID: node.ID, Err: err}
		}
	}
	return nil
}

func (e *Executor) rebuildNode(ctx context.Context, cg *CompiledGraph, node core.Node) error {
	tpl, init, err := e.compiler.PrepareNode(cg, node)
	if err != nil {
		return err
	}

	existing, hasExisting := cg.Node(node.ID)

	if hasExisting && existing.Template == node.Template {
		err := existing.Handle.Configure(ctx, init, existing.Instance)
		if err == nil {
			cg.mu.Lock()
			existing.Config = node.Config
			cg.mu.Unlock()
			e.logger.Debug("live update: node reconfigured in place",
				"graph_id", cg.ID, "node_id", node.ID)
			return nil
		}
		if !errors.Is(err, core.ErrRecreateRequired) {
			e.logger.Warn("live update: reconfigure failed, recreating",
				"graph_id", cg.ID, "node_id", node.ID, "error", err)
		}
	}

	if hasExisting {
		e.compiler.DestroyNode(ctx, cg, existing)
	}

	cn, err := e.compiler.CreateNode(ctx, tpl, init, node)
	if err != nil {
		return err
	}
	cg.putNode(cn)
	e.logger.Debug("live update: node recreated",
		"graph_id", cg.ID, "node_id", node.ID, "template", node.Template)
	return nil
}
