package schema

import (
	"fmt"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// Validator performs structural and semantic validation of a schema against
// a template registry. Validation is pure: it never touches storage or live
// nodes and runs before any persistence.
type Validator struct {
	templates core.TemplateRegistry
}

// NewValidator creates a schema validator backed by the given registry.
func NewValidator(templates core.TemplateRegistry) *Validator {
	return &Validator{templates: templates}
}

// Validate checks node id uniqueness, edge integrity, template existence,
// per-template config validity and required connection kinds. The first
// failure is returned as an *core.EngineError carrying the matching code.
func (v *Validator) Validate(s core.Schema) error {
	byID := make(map[string]core.Node, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			return core.NewEngineError(core.CodeDuplicateNodeID, "node id cannot be empty")
		}
		if _, dup := byID[n.ID]; dup {
			return core.NewEngineError(core.CodeDuplicateNodeID, "duplicate node id %q", n.ID).
				WithDetail("node_id", n.ID)
		}
		byID[n.ID] = n
	}

	for _, e := range s.Edges {
		if _, ok := byID[e.From]; !ok {
			return core.NewEngineError(core.CodeDanglingEdge, "edge references unknown node %q", e.From).
				WithDetail("node_id", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return core.NewEngineError(core.CodeDanglingEdge, "edge references unknown node %q", e.To).
				WithDetail("node_id", e.To)
		}
	}

	kinds := make(map[string]core.NodeKind, len(s.Nodes))
	for _, n := range s.Nodes {
		tpl, err := v.templates.Get(n.Template)
		if err != nil {
			return core.NewEngineError(core.CodeInvalidTemplate, "node %q: unknown template %q", n.ID, n.Template).
				WithDetail("node_id", n.ID).
				WithDetail("template", n.Template)
		}
		kinds[n.ID] = tpl.Kind()
		if err := tpl.ValidateConfig(n.Config); err != nil {
			return core.NewEngineError(core.CodeInvalidConfig, "node %q: %v", n.ID, err).
				WithDetail("node_id", n.ID)
		}
	}

	for _, n := range s.Nodes {
		tpl, _ := v.templates.Get(n.Template)
		spec := tpl.Connections()
		for _, required := range spec.RequiredInbound {
			if !hasConnection(s.Edges, kinds, n.ID, required, true) {
				return core.NewEngineError(core.CodeMissingRequiredConnection,
					"node %q requires an incoming connection from a %s node", n.ID, required).
					WithDetail("node_id", n.ID).
					WithDetail("kind", string(required))
			}
		}
		for _, required := range spec.RequiredOutbound {
			if !hasConnection(s.Edges, kinds, n.ID, required, false) {
				return core.NewEngineError(core.CodeMissingRequiredConnection,
					"node %q requires an outgoing connection to a %s node", n.ID, required).
					WithDetail("node_id", n.ID).
					WithDetail("kind", string(required))
			}
		}
	}
	return nil
}

func hasConnection(edges []core.Edge, kinds map[string]core.NodeKind, nodeID string, kind core.NodeKind, inbound bool) bool {
	for _, e := range edges {
		if inbound && e.To == nodeID && kinds[e.From] == kind {
			return true
		}
		if !inbound && e.From == nodeID && kinds[e.To] == kind {
			return true
		}
	}
	return false
}

// BuildOrder returns the nodes of s in topological order over its edges with
// a deterministic tie-break by node id. It fails when the edge set contains
// a cycle.
func BuildOrder(s core.Schema) ([]core.Node, error) {
	norm := Normalize(s)
	indegree := make(map[string]int, len(norm.Nodes))
	byID := make(map[string]core.Node, len(norm.Nodes))
	for _, n := range norm.Nodes {
		indegree[n.ID] = 0
		byID[n.ID] = n
	}
	outgoing := make(map[string][]string)
	for _, e := range norm.Edges {
		outgoing[e.From] = append(outgoing[e.From], e.To)
		indegree[e.To]++
	}

	// Kahn's algorithm; the ready set stays sorted because nodes are visited
	// in normalized (id) order and insertions keep lexical position.
	var ready []string
	for _, n := range norm.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	order := make([]core.Node, 0, len(norm.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])
		for _, next := range outgoing[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}
	if len(order) != len(norm.Nodes) {
		return nil, fmt.Errorf("schema contains a cycle: %d of %d nodes orderable", len(order), len(norm.Nodes))
	}
	return order, nil
}

func insertSorted(ids []string, id string) []string {
	for i, existing := range ids {
		if id < existing {
			return append(ids[:i], append([]string{id}, ids[i:]...)...)
		}
	}
	return append(ids, id)
}
