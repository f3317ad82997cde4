package engine

import (
	"fmt"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
)

// UpdatePlan is the minimal set of live mutations turning the current
// compiled graph into the next schema. Removals are ordered in reverse
// topological order of the current graph, rebuilds in topological order of
// the next schema.
type UpdatePlan struct {
	Removals []string
	Rebuilds []core.Node
}

// Empty reports whether the plan mutates nothing.
func (p UpdatePlan) Empty() bool {
	return len(p.Removals) == 0 && len(p.Rebuilds) == 0
}

// PlanUpdate computes the update plan from the live graph to next.
//
// A node is rebuilt when its config or template differs from the live node,
// when its incoming or outgoing edge set changed, or when it is new. The
// rebuild set is then closed over upstream dependencies: replacing a node
// may invalidate cached references held by the nodes that feed it.
func PlanUpdate(current *CompiledGraph, next core.Schema) (UpdatePlan, error) {
	nextNorm := schema.Normalize(next)
	currentNodes := current.Nodes()
	currentEdges := current.Edges()

	nextIDs := make(map[string]struct{}, len(nextNorm.Nodes))
	for _, n := range nextNorm.Nodes {
		nextIDs[n.ID] = struct{}{}
	}

	rebuild := make(map[string]struct{})
	for _, n := range nextNorm.Nodes {
		cn, exists := currentNodes[n.ID]
		switch {
		case !exists:
			rebuild[n.ID] = struct{}{}
		case cn.Template != n.Template:
			rebuild[n.ID] = struct{}{}
		case !schema.ValueEqual(cn.Config, n.Config):
			rebuild[n.ID] = struct{}{}
		case !edgeSetEqual(incidentEdges(currentEdges, n.ID), incidentEdges(nextNorm.Edges, n.ID)):
			rebuild[n.ID] = struct{}{}
		}
	}

	// Fixed point: every upstream of a rebuilt node rebuilds too.
	for changed := true; changed; {
		changed = false
		for _, e := range nextNorm.Edges {
			if _, downstreamRebuilt := rebuild[e.To]; !downstreamRebuilt {
				continue
			}
			if _, already := rebuild[e.From]; already {
				continue
			}
			rebuild[e.From] = struct{}{}
			changed = true
		}
	}

	plan := UpdatePlan{}

	currentOrder, err := schema.BuildOrder(current.Schema())
	if err != nil {
		return UpdatePlan{}, fmt.Errorf("ordering current graph: %w", err)
	}
	for i := len(currentOrder) - 1; i >= 0; i-- {
		id := currentOrder[i].ID
		if _, keep := nextIDs[id]; !keep {
			plan.Removals = append(plan.Removals, id)
		}
	}

	nextOrder, err := schema.BuildOrder(nextNorm)
	if err != nil {
		return UpdatePlan{}, fmt.Errorf("ordering next schema: %w", err)
	}
	for _, n := range nextOrder {
		if _, ok := rebuild[n.ID]; ok {
			plan.Rebuilds = append(plan.Rebuilds, n)
		}
	}
	return plan, nil
}

func incidentEdges(edges []core.Edge, nodeID string) map[core.Edge]struct{} {
	out := make(map[core.Edge]struct{})
	for _, e := range edges {
		if e.From == nodeID || e.To == nodeID {
			out[e] = struct{}{}
		}
	}
	return out
}

func edgeSetEqual(a, b map[core.Edge]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for e := range a {
		if _, ok := b[e]; !ok {
			return false
		}
	}
	return true
}
