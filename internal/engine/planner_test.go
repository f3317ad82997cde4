package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

func workerNode(id string, config map[string]any) core.Node {
	return core.Node{ID: id, Template: "worker", Config: config}
}

// compileWorkers builds a running compiled graph over the worker template.
func compileWorkers(t *testing.T, reg core.TemplateRegistry, s core.Schema) *CompiledGraph {
	t.Helper()
	compiler := NewCompiler(reg, nil)
	g := &core.Graph{ID: uuid.New(), Schema: s, Version: core.InitialVersion}
	cg := NewCompiledGraph(g.ID, core.GraphStatusCompiling)
	require.NoError(t, compiler.Compile(context.Background(), g, cg))
	return cg
}

func TestPlanUpdateNoChanges(t *testing.T) {
	_, reg, _ := workerTemplates()
	s := core.Schema{
		Nodes: []core.Node{workerNode("a", map[string]any{"k": "1"}), workerNode("b", nil)},
		Edges: []core.Edge{{From: "a", To: "b"}},
	}
	cg := compileWorkers(t, reg, s)

	plan, err := PlanUpdate(cg, s)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestPlanUpdateConfigChangeRebuildsNodeAndUpstreamClosure(t *testing.T) {
	_, reg, _ := workerTemplates()
	// a -> b -> c, plus d off to the side.
	s := core.Schema{
		Nodes: []core.Node{
			workerNode("a", map[string]any{"k": "1"}),
			workerNode("b", map[string]any{"k": "1"}),
			workerNode("c", map[string]any{"k": "1"}),
			workerNode("d", map[string]any{"k": "1"}),
		},
		Edges: []core.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{
		Nodes: []core.Node{
			workerNode("a", map[string]any{"k": "1"}),
			workerNode("b", map[string]any{"k": "1"}),
			workerNode("c", map[string]any{"k": "changed"}),
			workerNode("d", map[string]any{"k": "1"}),
		},
		Edges: s.Edges,
	}

	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)
	assert.Empty(t, plan.Removals)

	// c changed; its upstream b, and b's upstream a, follow by closure. d is
	// untouched.
	ids := rebuildIDs(plan)
	assert.Equal(t, []string{"a", "b", "c"}, ids, "rebuilds in topological order")
}

func TestPlanUpdateRemovalsInReverseTopologicalOrder(t *testing.T) {
	_, reg, _ := workerTemplates()
	s := core.Schema{
		Nodes: []core.Node{workerNode("a", nil), workerNode("b", nil), workerNode("c", nil)},
		Edges: []core.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{Nodes: []core.Node{workerNode("a", nil)}}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, plan.Removals, "downstream removed first")
	// a keeps existing but lost its outgoing edge, so it rebuilds.
	assert.Equal(t, []string{"a"}, rebuildIDs(plan))
}

func TestPlanUpdateEdgeChangeRebuildsEndpoints(t *testing.T) {
	_, reg, _ := workerTemplates()
	s := core.Schema{
		Nodes: []core.Node{workerNode("a", nil), workerNode("b", nil), workerNode("c", nil)},
		Edges: []core.Edge{{From: "a", To: "b"}},
	}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{
		Nodes: s.Nodes,
		Edges: []core.Edge{{From: "a", To: "c"}},
	}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)
	// a gained/lost an outgoing edge, b lost its incoming, c gained one.
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rebuildIDs(plan))
}

func TestPlanUpdateNewNodeRebuilds(t *testing.T) {
	_, reg, _ := workerTemplates()
	s := core.Schema{Nodes: []core.Node{workerNode("a", nil)}}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{
		Nodes: []core.Node{workerNode("a", nil), workerNode("new", nil)},
	}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, rebuildIDs(plan))
}

func TestPlanUpdateTemplateChangeRebuilds(t *testing.T) {
	log := &handleLog{}
	worker := &mockTemplate{name: "worker", kind: core.NodeKindTool, handle: &mockHandle{log: log}}
	other := &mockTemplate{name: "other", kind: core.NodeKindTool, handle: &mockHandle{log: log}}
	reg := newMockRegistry(worker, other)

	s := core.Schema{Nodes: []core.Node{workerNode("a", nil)}}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{Nodes: []core.Node{{ID: "a", Template: "other"}}}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rebuildIDs(plan))
}

func rebuildIDs(plan UpdatePlan) []string {
	out := make([]string, 0, len(plan.Rebuilds))
	for _, n := range plan.Rebuilds {
		out = append(out, n.ID)
	}
	return out
}
