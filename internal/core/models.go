// Package core contains the domain model of the graph revision engine:
// graphs, schemas, revisions and the contracts the engine is built from.
package core

import (
	"time"

	"github.com/google/uuid"
)

// GraphStatus represents the lifecycle state of a graph.
type GraphStatus string

const (
	GraphStatusCreated   GraphStatus = "created"
	GraphStatusCompiling GraphStatus = "compiling"
	GraphStatusRunning   GraphStatus = "running"
	GraphStatusStopped   GraphStatus = "stopped"
	GraphStatusError     GraphStatus = "error"
)

// RevisionStatus represents the lifecycle state of a revision.
// Terminal states (Applied, Failed) are immutable.
type RevisionStatus string

const (
	RevisionStatusPending  RevisionStatus = "pending"
	RevisionStatusApplying RevisionStatus = "applying"
	RevisionStatusApplied  RevisionStatus = "applied"
	RevisionStatusFailed   RevisionStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RevisionStatus) IsTerminal() bool {
	return s == RevisionStatusApplied || s == RevisionStatusFailed
}

// NodeKind classifies a template for live-update ordering and observers.
// The engine itself treats all nodes uniformly via the handle contract.
type NodeKind string

const (
	NodeKindRuntime NodeKind = "runtime"
	NodeKindAgent   NodeKind = "agent"
	NodeKindTool    NodeKind = "tool"
	NodeKindMCP     NodeKind = "mcp"
	NodeKindTrigger NodeKind = "trigger"
)

// InitialVersion is the version every graph starts at.
const InitialVersion = "1.0.0"

// Node is a single schema node: a template reference plus its opaque config.
type Node struct {
	ID       string         `json:"id"`
	Template string         `json:"template"`
	Config   map[string]any `json:"config,omitempty"`
}

// Edge is a directed connection between two schema nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Schema is the declarative structure of a graph.
type Schema struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (s *Schema) NodeByID(id string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// Graph is a named, versioned DAG of stateful nodes.
//
// Invariants: Version <= TargetVersion in patch order at all times;
// Version == TargetVersion iff no non-terminal revisions exist for the graph.
type Graph struct {
	ID            uuid.UUID   `json:"id"`
	Name          string      `json:"name"`
	Description   *string     `json:"description,omitempty"`
	Temporary     bool        `json:"temporary"`
	Schema        Schema      `json:"schema"`
	Version       string      `json:"version"`
	TargetVersion string      `json:"target_version"`
	Status        GraphStatus `json:"status"`
	Error         *string     `json:"error,omitempty"`
	CreatedBy     string      `json:"created_by"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Revision is a persisted, versioned proposal to transform a graph's schema.
//
// NewSchema is the three-way-merged result, never the raw client submission.
// ConfigurationDiff is the RFC-6902 patch from the head at creation to NewSchema.
type Revision struct {
	ID                uuid.UUID      `json:"id"`
	GraphID           uuid.UUID      `json:"graph_id"`
	BaseVersion       string         `json:"base_version"`
	ToVersion         string         `json:"to_version"`
	ClientSchema      Schema         `json:"client_schema"`
	NewSchema         Schema         `json:"new_schema"`
	ConfigurationDiff []byte         `json:"configuration_diff,omitempty"`
	Status            RevisionStatus `json:"status"`
	Error             *string        `json:"error,omitempty"`
	CreatedBy         string         `json:"created_by"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// RevisionFilter narrows revision listings.
type RevisionFilter struct {
	Status *RevisionStatus
	Limit  int
}

// GraphPatch is a partial update of a graph row. Nil fields are left untouched.
type GraphPatch struct {
	Name          *string
	Description   *string
	Schema        *Schema
	Version       *string
	TargetVersion *string
	Status        *GraphStatus
	Error         *string
	ClearError    bool
}

// RevisionPatch is a partial update of a revision row. Nil fields are left untouched.
type RevisionPatch struct {
	NewSchema         *Schema
	ConfigurationDiff []byte
	Status            *RevisionStatus
	Error             *string
}
