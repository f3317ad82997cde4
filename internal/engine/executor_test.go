package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

func TestExecutorReconfiguresInPlace(t *testing.T) {
	log, reg, _ := workerTemplates()
	s := core.Schema{Nodes: []core.Node{workerNode("a", map[string]any{"k": "1"})}}
	cg := compileWorkers(t, reg, s)

	before, _ := cg.Node("a")
	instanceBefore := before.Instance

	next := core.Schema{Nodes: []core.Node{workerNode("a", map[string]any{"k": "2"})}}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)

	executor := NewExecutor(NewCompiler(reg, nil), nil)
	require.NoError(t, executor.Execute(context.Background(), cg, next, plan))

	after, ok := cg.Node("a")
	require.True(t, ok)
	assert.Same(t, instanceBefore, after.Instance, "in-place reconfigure keeps the instance")
	assert.Equal(t, "2", after.Config["k"])
	assert.Equal(t, 1, log.count("configure"))
	assert.Equal(t, 1, log.count("create"), "only the initial compile created")
	assert.Equal(t, 0, log.count("destroy"))
}

func TestExecutorFallsBackToRecreate(t *testing.T) {
	log, reg, tpl := workerTemplates()
	tpl.handle.configureFunc = func(ctx context.Context, next core.NodeInit, instance any) error {
		return core.ErrRecreateRequired
	}

	s := core.Schema{Nodes: []core.Node{workerNode("a", map[string]any{"k": "1"})}}
	cg := compileWorkers(t, reg, s)
	before, _ := cg.Node("a")

	next := core.Schema{Nodes: []core.Node{workerNode("a", map[string]any{"k": "2"})}}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)

	executor := NewExecutor(NewCompiler(reg, nil), nil)
	require.NoError(t, executor.Execute(context.Background(), cg, next, plan))

	after, ok := cg.Node("a")
	require.True(t, ok)
	assert.NotSame(t, before.Instance, after.Instance, "recreate replaces the instance")
	assert.Equal(t, 1, log.count("destroy"))
	assert.Equal(t, 2, log.count("create"))
}

func TestExecutorRemovesAbsentNodes(t *testing.T) {
	log, reg, _ := workerTemplates()
	s := core.Schema{
		Nodes: []core.Node{workerNode("a", nil), workerNode("b", nil)},
		Edges: []core.Edge{{From: "a", To: "b"}},
	}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{Nodes: []core.Node{workerNode("a", nil)}}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)

	executor := NewExecutor(NewCompiler(reg, nil), nil)
	require.NoError(t, executor.Execute(context.Background(), cg, next, plan))

	_, ok := cg.Node("b")
	assert.False(t, ok)
	assert.Equal(t, 1, log.count("destroy"))
	_, registered := cg.State().RegisteredSince("b")
	assert.False(t, registered, "removed node is unregistered from execution state")
}

func TestExecutorTemplateChangeRecreates(t *testing.T) {
	log := &handleLog{}
	worker := &mockTemplate{name: "worker", kind: core.NodeKindTool, handle: &mockHandle{log: log}}
	other := &mockTemplate{name: "other", kind: core.NodeKindRuntime, handle: &mockHandle{log: log}}
	reg := newMockRegistry(worker, other)

	s := core.Schema{Nodes: []core.Node{workerNode("a", nil)}}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{Nodes: []core.Node{{ID: "a", Template: "other"}}}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)

	executor := NewExecutor(NewCompiler(reg, nil), nil)
	require.NoError(t, executor.Execute(context.Background(), cg, next, plan))

	after, ok := cg.Node("a")
	require.True(t, ok)
	assert.Equal(t, "other", after.Template)
	assert.Equal(t, core.NodeKindRuntime, after.Kind)
	assert.Equal(t, 0, log.count("configure"), "template change never tries configure")
	assert.Equal(t, 1, log.count("destroy"))
}

func TestExecutorRebuildsUpstreamOfChangedDownstream(t *testing.T) {
	log := &handleLog{}
	var observedDownstream []core.PeerRef
	tpl := &mockTemplate{name: "worker", kind: core.NodeKindTool, handle: &mockHandle{log: log}}
	tpl.handle.configureFunc = func(ctx context.Context, next core.NodeInit, instance any) error {
		if next.NodeID == "up" {
			observedDownstream = next.Downstream
		}
		inst := instance.(*mockInstance)
		inst.Config = next.Config
		return nil
	}
	reg := newMockRegistry(tpl)

	s := core.Schema{
		Nodes: []core.Node{
			{ID: "up", Template: "worker", Config: map[string]any{"k": "1"}},
			{ID: "down", Template: "worker", Config: map[string]any{"k": "1"}},
		},
		Edges: []core.Edge{{From: "up", To: "down"}},
	}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{
		Nodes: []core.Node{
			{ID: "up", Template: "worker", Config: map[string]any{"k": "1"}},
			{ID: "down", Template: "worker", Config: map[string]any{"k": "2"}},
		},
		Edges: s.Edges,
	}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)
	// Closure pulls "up" into the rebuild set behind "down". Topological
	// order puts "up" first, so "down" is not yet rebuilt when "up"
	// reconfigures; peers resolve through the live graph either way.
	require.Equal(t, []string{"up", "down"}, rebuildIDs(plan))

	executor := NewExecutor(NewCompiler(reg, nil), nil)
	require.NoError(t, executor.Execute(context.Background(), cg, next, plan))

	require.Len(t, observedDownstream, 1)
	assert.Equal(t, "down", observedDownstream[0].NodeID)
	down, _ := cg.Node("down")
	assert.Equal(t, "2", down.Config["k"])
}

func TestExecutorFailureReportsNode(t *testing.T) {
	log, reg, tpl := workerTemplates()
	tpl.handle.configureFunc = func(ctx context.Context, next core.NodeInit, instance any) error {
		return core.ErrRecreateRequired
	}
	tpl.handle.createFunc = func(ctx context.Context, init core.NodeInit) (any, error) {
		if log.count("create") > 1 {
			return nil, fmt.Errorf("resource exhausted")
		}
		return &mockInstance{NodeID: init.NodeID, Config: init.Config}, nil
	}

	s := core.Schema{Nodes: []core.Node{workerNode("a", map[string]any{"k": "1"})}}
	cg := compileWorkers(t, reg, s)

	next := core.Schema{Nodes: []core.Node{workerNode("a", map[string]any{"k": "2"})}}
	plan, err := PlanUpdate(cg, next)
	require.NoError(t, err)

	executor := NewExecutor(NewCompiler(reg, nil), nil)
	err = executor.Execute(context.Background(), cg, next, plan)
	require.Error(t, err)

	var updateErr *UpdateError
	require.ErrorAs(t, err, &updateErr)
	assert.Equal(t, "a", updateErr.NodeID)

	// The node was destroyed and its replacement failed: the graph is left
	// partially updated by design.
	_, ok := cg.Node("a")
	assert.False(t, ok)
}
