package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

func TestNodeRegistryRegisterGetDestroy(t *testing.T) {
	log, reg, _ := workerTemplates()
	s := core.Schema{
		Nodes: []core.Node{workerNode("a", nil), workerNode("b", nil), workerNode("c", nil)},
		Edges: []core.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	cg := compileWorkers(t, reg, s)

	registry := NewNodeRegistry(nil)
	registry.Register(cg)

	got, ok := registry.Get(cg.ID)
	require.True(t, ok)
	assert.Same(t, cg, got)
	assert.Equal(t, core.GraphStatusRunning, registry.GetStatus(cg.ID))

	require.NoError(t, registry.Destroy(context.Background(), cg.ID))

	_, ok = registry.Get(cg.ID)
	assert.False(t, ok)
	assert.Equal(t, core.GraphStatusStopped, registry.GetStatus(cg.ID))

	// Teardown runs in reverse build order.
	assert.Equal(t, []string{"create:a", "create:b", "create:c", "destroy:c", "destroy:b", "destroy:a"}, log.all())
}

func TestNodeRegistryDestroyUnknownGraphIsNoop(t *testing.T) {
	registry := NewNodeRegistry(nil)
	assert.NoError(t, registry.Destroy(context.Background(), uuid.New()))
}

func TestNodeRegistryStatusForUnknownGraph(t *testing.T) {
	registry := NewNodeRegistry(nil)
	assert.Equal(t, core.GraphStatusStopped, registry.GetStatus(uuid.New()))
}

func TestCompilerFailureDestroysBuiltNodes(t *testing.T) {
	log := &handleLog{}
	good := &mockTemplate{name: "worker", kind: core.NodeKindTool, handle: &mockHandle{log: log}}
	bad := &mockTemplate{name: "broken", kind: core.NodeKindTool, handle: &mockHandle{
		log: log,
		createFunc: func(ctx context.Context, init core.NodeInit) (any, error) {
			return nil, assert.AnError
		},
	}}
	reg := newMockRegistry(good, bad)

	s := core.Schema{
		Nodes: []core.Node{
			{ID: "a", Template: "worker"},
			{ID: "b", Template: "broken"},
		},
		Edges: []core.Edge{{From: "a", To: "b"}},
	}

	compiler := NewCompiler(reg, nil)
	g := &core.Graph{ID: uuid.New(), Schema: s, Version: core.InitialVersion}
	cg := NewCompiledGraph(g.ID, core.GraphStatusCompiling)

	err := compiler.Compile(context.Background(), g, cg)
	require.Error(t, err)
	assert.ErrorContains(t, err, `compiling node "b"`)
	assert.Equal(t, 1, log.count("destroy:a"), "built nodes are destroyed on failure")
	assert.Equal(t, core.GraphStatusCompiling, cg.Status(), "never reached Running")
}

func TestCompilerWiresUpstreamPeers(t *testing.T) {
	log := &handleLog{}
	var upstream []core.PeerRef
	tpl := &mockTemplate{name: "worker", kind: core.NodeKindTool, handle: &mockHandle{
		log: log,
		createFunc: func(ctx context.Context, init core.NodeInit) (any, error) {
			if init.NodeID == "down" {
				upstream = init.Upstream
			}
			return &mockInstance{NodeID: init.NodeID, Config: init.Config}, nil
		},
	}}
	reg := newMockRegistry(tpl)

	s := core.Schema{
		Nodes: []core.Node{workerNode("up", nil), workerNode("down", nil)},
		Edges: []core.Edge{{From: "up", To: "down"}},
	}
	compileWorkers(t, reg, s)

	require.Len(t, upstream, 1)
	assert.Equal(t, "up", upstream[0].NodeID)
	assert.NotNil(t, upstream[0].Instance, "upstream was built first and carries its instance")
}
