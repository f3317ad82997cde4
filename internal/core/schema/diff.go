package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// Operation is a single RFC-6902 patch operation.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Diff computes the RFC-6902 patch transforming from into to, both taken in
// canonical form. The result is deterministic and round-trips: applying it
// to from yields exactly Normalize(to).
func Diff(from, to core.Schema) ([]byte, error) {
	f := Normalize(from)
	t := Normalize(to)

	var ops []Operation
	nodeOps, err := diffNodes(f.Nodes, t.Nodes)
	if err != nil {
		return nil, err
	}
	ops = append(ops, nodeOps...)
	edgeOps, err := diffEdges(f.Edges, t.Edges)
	if err != nil {
		return nil, err
	}
	ops = append(ops, edgeOps...)

	if len(ops) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(ops)
}

// IsEmpty reports whether patch contains no operations.
func IsEmpty(patch []byte) bool {
	var ops []Operation
	if err := json.Unmarshal(patch, &ops); err != nil {
		return len(patch) == 0
	}
	return len(ops) == 0
}

// Apply applies an RFC-6902 patch to base and returns the patched schema.
func Apply(base core.Schema, patch []byte) (core.Schema, error) {
	doc, err := Marshal(base)
	if err != nil {
		return core.Schema{}, err
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return core.Schema{}, fmt.Errorf("decoding patch: %w", err)
	}
	patched, err := decoded.Apply(doc)
	if err != nil {
		return core.Schema{}, fmt.Errorf("applying patch: %w", err)
	}
	var out core.Schema
	if err := json.Unmarshal(patched, &out); err != nil {
		return core.Schema{}, fmt.Errorf("unmarshaling patched schema: %w", err)
	}
	return out, nil
}

// diffNodes walks the two id-sorted node lists, tracking the index each
// operation applies at in the intermediate document: removals keep the
// cursor in place because later elements shift down, adds and keeps advance.
func diffNodes(from, to []core.Node) ([]Operation, error) {
	var ops []Operation
	i, j, idx := 0, 0, 0
	for i < len(from) || j < len(to) {
		switch {
		case j >= len(to) || (i < len(from) && from[i].ID < to[j].ID):
			ops = append(ops, Operation{Op: "remove", Path: fmt.Sprintf("/nodes/%d", idx)})
			i++
		case i >= len(from) || to[j].ID < from[i].ID:
			raw, err := json.Marshal(to[j])
			if err != nil {
				return nil, err
			}
			ops = append(ops, Operation{Op: "add", Path: fmt.Sprintf("/nodes/%d", idx), Value: raw})
			j++
			idx++
		default:
			nodeOps, err := diffNode(from[i], to[j], idx)
			if err != nil {
				return nil, err
			}
			ops = append(ops, nodeOps...)
			i++
			j++
			idx++
		}
	}
	return ops, nil
}

func diffNode(from, to core.Node, idx int) ([]Operation, error) {
	var ops []Operation
	if from.Template != to.Template {
		raw, err := json.Marshal(to.Template)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Operation{Op: "replace", Path: fmt.Sprintf("/nodes/%d/template", idx), Value: raw})
	}

	// Nil-to-present and present-to-nil config transitions replace the whole
	// member: per-key ops against a missing object would not apply.
	if (from.Config == nil) != (to.Config == nil) {
		if to.Config == nil {
			ops = append(ops, Operation{Op: "remove", Path: fmt.Sprintf("/nodes/%d/config", idx)})
			return ops, nil
		}
		raw, err := json.Marshal(to.Config)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Operation{Op: "add", Path: fmt.Sprintf("/nodes/%d/config", idx), Value: raw})
		return ops, nil
	}

	keys := make(map[string]struct{}, len(from.Config)+len(to.Config))
	for k := range from.Config {
		keys[k] = struct{}{}
	}
	for k := range to.Config {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		path := fmt.Sprintf("/nodes/%d/config/%s", idx, escapePointer(k))
		fromVal, inFrom := from.Config[k]
		toVal, inTo := to.Config[k]
		switch {
		case inFrom && !inTo:
			ops = append(ops, Operation{Op: "remove", Path: path})
		case !inFrom && inTo:
			raw, err := json.Marshal(toVal)
			if err != nil {
				return nil, err
			}
			ops = append(ops, Operation{Op: "add", Path: path, Value: raw})
		case !ValueEqual(fromVal, toVal):
			raw, err := json.Marshal(toVal)
			if err != nil {
				return nil, err
			}
			ops = append(ops, Operation{Op: "replace", Path: path, Value: raw})
		}
	}
	return ops, nil
}

func diffEdges(from, to []core.Edge) ([]Operation, error) {
	var ops []Operation
	i, j, idx := 0, 0, 0
	for i < len(from) || j < len(to) {
		switch {
		case j >= len(to) || (i < len(from) && edgeLess(from[i], to[j])):
			ops = append(ops, Operation{Op: "remove", Path: fmt.Sprintf("/edges/%d", idx)})
			i++
		case i >= len(from) || edgeLess(to[j], from[i]):
			raw, err := json.Marshal(to[j])
			if err != nil {
				return nil, err
			}
			ops = append(ops, Operation{Op: "add", Path: fmt.Sprintf("/edges/%d", idx), Value: raw})
			j++
			idx++
		default:
			i++
			j++
			idx++
		}
	}
	return ops, nil
}

func edgeLess(a, b core.Edge) bool {
	if a.From != b.From {
		return a.From < b.From
	}
	return a.To < b.To
}

// escapePointer escapes a JSON pointer token per RFC 6901.
func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}
