// Package merge implements the three-way schema merger: client edits are
// merged against the current head given the shared base they were made from.
package merge

import (
	"fmt"
	"sort"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
)

// ConflictType classifies a merge conflict.
type ConflictType string

const (
	// ConflictConcurrentModification is raised when head and client changed
	// the same path to different values.
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	// ConflictRemoveVsModify is raised when one side removed a node the
	// other side modified.
	ConflictRemoveVsModify ConflictType = "remove_vs_modify"
	// ConflictValidation is raised when the merged schema fails validation.
	ConflictValidation ConflictType = "validation"
)

// Conflict describes one irreconcilable difference. Path is a JSON-pointer
// style locator keyed by node id, e.g. /nodes/agent-1/config/instructions.
type Conflict struct {
	Type    ConflictType `json:"type"`
	Path    string       `json:"path"`
	Message string       `json:"message"`
	Base    any          `json:"base,omitempty"`
	Head    any          `json:"head,omitempty"`
	Client  any          `json:"client,omitempty"`
}

// Result is the outcome of a merge: either a merged schema or conflicts.
type Result struct {
	Success   bool
	Merged    core.Schema
	Conflicts []Conflict
}

// Merger merges schemas. Validate, when set, re-validates the merged result;
// a validation failure downgrades success to a validation conflict instead
// of surfacing as an error.
type Merger struct {
	Validate func(core.Schema) error
}

// Merge three-way merges client against head given their shared base.
// The algorithm is deterministic in (base, head, client): identical inputs
// produce identical output, including conflict ordering.
func (m *Merger) Merge(base, head, client core.Schema) Result {
	b := schema.Normalize(base)
	h := schema.Normalize(head)
	c := schema.Normalize(client)

	var conflicts []Conflict
	nodes := mergeNodes(nodesByID(b), nodesByID(h), nodesByID(c), &conflicts)
	edges := mergeEdges(b.Edges, h.Edges, c.Edges)

	if len(conflicts) > 0 {
		return Result{Success: false, Conflicts: conflicts}
	}

	merged := schema.Normalize(core.Schema{Nodes: nodes, Edges: edges})
	if m.Validate != nil {
		if err := m.Validate(merged); err != nil {
			conflict := Conflict{
				Type:    ConflictValidation,
				Path:    "/",
				Message: err.Error(),
			}
			if ee, ok := core.AsEngineError(err); ok {
				conflict.Message = ee.Message
				if nodeID, ok := ee.Details["node_id"].(string); ok {
					conflict.Path = "/nodes/" + nodeID
				}
			}
			return Result{Success: false, Conflicts: []Conflict{conflict}}
		}
	}
	return Result{Success: true, Merged: merged}
}

func nodesByID(s core.Schema) map[string]core.Node {
	out := make(map[string]core.Node, len(s.Nodes))
	for _, n := range s.Nodes {
		out[n.ID] = n
	}
	return out
}

func sortedIDs(maps ...map[string]core.Node) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for id := range m {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func mergeNodes(base, head, client map[string]core.Node, conflicts *[]Conflict) []core.Node {
	var out []core.Node
	for _, id := range sortedIDs(base, head, client) {
		b, inBase := base[id]
		h, inHead := head[id]
		c, inClient := client[id]

		switch {
		case !inBase:
			// Added on one or both sides since base.
			switch {
			case inHead && inClient:
				if nodeEqual(h, c) {
					out = append(out, h)
				} else {
					*conflicts = append(*conflicts, Conflict{
						Type:    ConflictConcurrentModification,
						Path:    "/nodes/" + id,
						Message: fmt.Sprintf("node %q added on both sides with different bodies", id),
						Head:    h,
						Client:  c,
					})
				}
			case inHead:
				out = append(out, h)
			default:
				out = append(out, c)
			}

		case !inHead || !inClient:
			// Removed on at least one side.
			if inHead && !nodeEqual(b, h) {
				*conflicts = append(*conflicts, Conflict{
					Type:    ConflictRemoveVsModify,
					Path:    "/nodes/" + id,
					Message: fmt.Sprintf("node %q removed by client but modified by a concurrent revision", id),
					Base:    b,
					Head:    h,
				})
			} else if inClient && !nodeEqual(b, c) {
				*conflicts = append(*conflicts, Conflict{
					Type:    ConflictRemoveVsModify,
					Path:    "/nodes/" + id,
					Message: fmt.Sprintf("node %q removed by a concurrent revision but modified by client", id),
					Base:    b,
					Client:  c,
				})
			}
			// Removal wins over an untouched copy on the other side.

		default:
			out = append(out, mergeNode(b, h, c, conflicts))
		}
	}
	return out
}

func nodeEqual(a, b core.Node) bool {
	return a.Template == b.Template && schema.ValueEqual(a.Config, b.Config)
}

// mergeNode merges a node present in all three schemas, path by path:
// the template member and each top-level config key merge independently.
func mergeNode(b, h, c core.Node, conflicts *[]Conflict) core.Node {
	merged := core.Node{ID: b.ID, Template: b.Template, Config: make(map[string]any)}

	switch {
	case h.Template == b.Template:
		merged.Template = c.Template
	case c.Template == b.Template || c.Template == h.Template:
		merged.Template = h.Template
	default:
		*conflicts = append(*conflicts, Conflict{
			Type:    ConflictConcurrentModification,
			Path:    "/nodes/" + b.ID + "/template",
			Message: fmt.Sprintf("node %q template changed concurrently", b.ID),
			Base:    b.Template,
			Head:    h.Template,
			Client:  c.Template,
		})
		merged.Template = h.Template
	}

	for _, key := range sortedKeys(b.Config, h.Config, c.Config) {
		bv, inB := b.Config[key]
		hv, inH := h.Config[key]
		cv, inC := c.Config[key]

		headTouched := !inB && inH || inB && !inH || (inB && inH && !schema.ValueEqual(bv, hv))
		clientTouched := !inB && inC || inB && !inC || (inB && inC && !schema.ValueEqual(bv, cv))

		switch {
		case headTouched && clientTouched:
			if inH == inC && (!inH || schema.ValueEqual(hv, cv)) {
				// Both sides made the identical change.
				if inH {
					merged.Config[key] = hv
				}
			} else {
				*conflicts = append(*conflicts, Conflict{
					Type:    ConflictConcurrentModification,
					Path:    "/nodes/" + b.ID + "/config/" + key,
					Message: fmt.Sprintf("node %q config key %q changed concurrently", b.ID, key),
					Base:    bv,
					Head:    hv,
					Client:  cv,
				})
			}
		case headTouched:
			if inH {
				merged.Config[key] = hv
			}
		case clientTouched:
			if inC {
				merged.Config[key] = cv
			}
		default:
			if inB {
				merged.Config[key] = bv
			}
		}
	}
	return merged
}

func sortedKeys(maps ...map[string]any) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mergeEdges treats the edge list as an unordered set with identity
// (from, to): additions from both sides union, removals apply by set
// difference. Connectivity damage is caught by re-validating the merged
// schema rather than by pairwise comparison here.
func mergeEdges(base, head, client []core.Edge) []core.Edge {
	baseSet := edgeSet(base)
	headSet := edgeSet(head)
	clientSet := edgeSet(client)

	merged := make(map[core.Edge]struct{})
	for e := range baseSet {
		_, inHead := headSet[e]
		_, inClient := clientSet[e]
		if inHead && inClient {
			merged[e] = struct{}{}
		}
	}
	for e := range headSet {
		if _, inBase := baseSet[e]; !inBase {
			merged[e] = struct{}{}
		}
	}
	for e := range clientSet {
		if _, inBase := baseSet[e]; !inBase {
			merged[e] = struct{}{}
		}
	}

	out := make([]core.Edge, 0, len(merged))
	for e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func edgeSet(edges []core.Edge) map[core.Edge]struct{} {
	out := make(map[core.Edge]struct{}, len(edges))
	for _, e := range edges {
		out[e] = struct{}{}
	}
	return out
}
