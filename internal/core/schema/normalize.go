// Package schema provides structural validation, canonicalization and
// RFC-6902 diffing of graph schemas.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// Normalize returns a canonical copy of s: nodes sorted by id, edges sorted
// by (from, to) with duplicates collapsed, empty slices instead of nil.
// Canonical form makes marshalled schemas byte-comparable and keeps merge
// and diff output deterministic.
func Normalize(s core.Schema) core.Schema {
	out := core.Schema{
		Nodes: make([]core.Node, 0, len(s.Nodes)),
		Edges: make([]core.Edge, 0, len(s.Edges)),
	}
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, cloneNode(n))
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].ID < out.Nodes[j].ID })

	seen := make(map[core.Edge]struct{}, len(s.Edges))
	for _, e := range s.Edges {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out.Edges = append(out.Edges, e)
	}
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].From != out.Edges[j].From {
			return out.Edges[i].From < out.Edges[j].From
		}
		return out.Edges[i].To < out.Edges[j].To
	})
	return out
}

func cloneNode(n core.Node) core.Node {
	out := core.Node{ID: n.ID, Template: n.Template}
	// An empty config collapses to nil so the omitempty encoding and the
	// per-key diff agree on whether the config member exists.
	if len(n.Config) > 0 {
		out.Config = cloneValue(n.Config).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Clone returns a deep copy of s.
func Clone(s core.Schema) core.Schema {
	nodes := make([]core.Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		nodes = append(nodes, cloneNode(n))
	}
	edges := make([]core.Edge, len(s.Edges))
	copy(edges, s.Edges)
	return core.Schema{Nodes: nodes, Edges: edges}
}

// Marshal returns the canonical JSON encoding of s.
func Marshal(s core.Schema) ([]byte, error) {
	b, err := json.Marshal(Normalize(s))
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	return b, nil
}

// Equal reports whether a and b are structurally identical up to node and
// edge ordering.
func Equal(a, b core.Schema) bool {
	ab, err := Marshal(a)
	if err != nil {
		return false
	}
	bb, err := Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// ValueEqual compares two arbitrary config values structurally.
func ValueEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
