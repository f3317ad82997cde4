package schema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// stubTemplate implements core.Template for validator tests.
type stubTemplate struct {
	name        string
	kind        core.NodeKind
	connections core.ConnectionSpec
	configErr   error
}

func (s *stubTemplate) Name() string        { return s.name }
func (s *stubTemplate) Kind() core.NodeKind { return s.kind }
func (s *stubTemplate) ValidateConfig(config map[string]any) error {
	return s.configErr
}
func (s *stubTemplate) Connections() core.ConnectionSpec { return s.connections }
func (s *stubTemplate) Handle() core.NodeHandle          { return nil }

type stubRegistry struct {
	templates map[string]core.Template
}

func newStubRegistry(templates ...core.Template) *stubRegistry {
	r := &stubRegistry{templates: make(map[string]core.Template)}
	for _, t := range templates {
		r.templates[t.Name()] = t
	}
	return r
}

func (r *stubRegistry) Get(name string) (core.Template, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("no template registered with name: %s", name)
	}
	return t, nil
}

func (r *stubRegistry) Names() []string { return nil }

func testRegistry() *stubRegistry {
	return newStubRegistry(
		&stubTemplate{name: "agent", kind: core.NodeKindAgent},
		&stubTemplate{name: "trigger", kind: core.NodeKindTrigger,
			connections: core.ConnectionSpec{RequiredOutbound: []core.NodeKind{core.NodeKindAgent}}},
		&stubTemplate{name: "bad-config", kind: core.NodeKindTool,
			configErr: fmt.Errorf("field x is required")},
	)
}

func TestValidateOK(t *testing.T) {
	v := NewValidator(testRegistry())
	err := v.Validate(core.Schema{
		Nodes: []core.Node{
			{ID: "trigger-1", Template: "trigger"},
			{ID: "agent-1", Template: "agent"},
		},
		Edges: []core.Edge{{From: "trigger-1", To: "agent-1"}},
	})
	assert.NoError(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name     string
		schema   core.Schema
		wantCode core.ErrorCode
	}{
		{
			name: "duplicate node id",
			schema: core.Schema{Nodes: []core.Node{
				{ID: "a", Template: "agent"},
				{ID: "a", Template: "agent"},
			}},
			wantCode: core.CodeDuplicateNodeID,
		},
		{
			name: "empty node id",
			schema: core.Schema{Nodes: []core.Node{
				{ID: "", Template: "agent"},
			}},
			wantCode: core.CodeDuplicateNodeID,
		},
		{
			name: "dangling edge",
			schema: core.Schema{
				Nodes: []core.Node{{ID: "a", Template: "agent"}},
				Edges: []core.Edge{{From: "a", To: "ghost"}},
			},
			wantCode: core.CodeDanglingEdge,
		},
		{
			name: "unknown template",
			schema: core.Schema{Nodes: []core.Node{
				{ID: "a", Template: "no-such-template"},
			}},
			wantCode: core.CodeInvalidTemplate,
		},
		{
			name: "invalid config",
			schema: core.Schema{Nodes: []core.Node{
				{ID: "a", Template: "bad-config"},
			}},
			wantCode: core.CodeInvalidConfig,
		},
		{
			name: "missing required connection",
			schema: core.Schema{Nodes: []core.Node{
				{ID: "trigger-1", Template: "trigger"},
				{ID: "agent-1", Template: "agent"},
			}},
			wantCode: core.CodeMissingRequiredConnection,
		},
	}

	v := NewValidator(testRegistry())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema)
			require.Error(t, err)
			ee, ok := core.AsEngineError(err)
			require.True(t, ok, "expected an engine error, got %v", err)
			assert.Equal(t, tt.wantCode, ee.Code)
		})
	}
}

func TestBuildOrderTopological(t *testing.T) {
	s := core.Schema{
		Nodes: []core.Node{
			{ID: "c", Template: "agent"},
			{ID: "a", Template: "agent"},
			{ID: "b", Template: "agent"},
		},
		Edges: []core.Edge{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
		},
	}
	order, err := BuildOrder(s)
	require.NoError(t, err)

	ids := make([]string, len(order))
	for i, n := range order {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestBuildOrderDeterministicTieBreak(t *testing.T) {
	s := core.Schema{
		Nodes: []core.Node{
			{ID: "z", Template: "agent"},
			{ID: "m", Template: "agent"},
			{ID: "a", Template: "agent"},
		},
	}
	for i := 0; i < 5; i++ {
		order, err := BuildOrder(s)
		require.NoError(t, err)
		assert.Equal(t, "a", order[0].ID)
		assert.Equal(t, "m", order[1].ID)
		assert.Equal(t, "z", order[2].ID)
	}
}

func TestBuildOrderRejectsCycle(t *testing.T) {
	s := core.Schema{
		Nodes: []core.Node{
			{ID: "a", Template: "agent"},
			{ID: "b", Template: "agent"},
		},
		Edges: []core.Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	}
	_, err := BuildOrder(s)
	assert.ErrorContains(t, err, "cycle")
}

func TestNormalizeCanonicalizes(t *testing.T) {
	a := core.Schema{
		Nodes: []core.Node{{ID: "b", Template: "t"}, {ID: "a", Template: "t", Config: map[string]any{}}},
		Edges: []core.Edge{{From: "b", To: "a"}, {From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	n := Normalize(a)
	assert.Equal(t, "a", n.Nodes[0].ID)
	assert.Nil(t, n.Nodes[0].Config, "empty config collapses to nil")
	assert.Len(t, n.Edges, 2, "duplicate edges collapse")
	assert.Equal(t, core.Edge{From: "a", To: "b"}, n.Edges[0])
}

func TestNormalizeDoesNotAliasConfig(t *testing.T) {
	orig := core.Schema{Nodes: []core.Node{{ID: "a", Template: "t", Config: map[string]any{"k": "v"}}}}
	n := Normalize(orig)
	n.Nodes[0].Config["k"] = "changed"
	assert.Equal(t, "v", orig.Nodes[0].Config["k"])
}
