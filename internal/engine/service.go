package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
)

// CreateGraphRequest carries the inputs for creating a graph.
type CreateGraphRequest struct {
	Name        string
	Description *string
	Temporary   bool
	Schema      core.Schema
	Principal   string
}

// UpdateGraphRequest carries the inputs for updating a graph. Schema nil
// means a metadata-only update. CurrentVersion is the version the caller
// constructed the update against.
type UpdateGraphRequest struct {
	CurrentVersion string
	Schema         *core.Schema
	Name           *string
	Description    *string
}

// UpdateResponse is the result of an update: the graph as stored, plus the
// pending revision when the schema change was queued for live application.
type UpdateResponse struct {
	Graph    *core.Graph
	Revision *core.Revision
}

// Create validates and persists a new graph in status Created at the
// initial version. No nodes are built until Run.
func (e *Engine) Create(ctx context.Context, req CreateGraphRequest) (*core.Graph, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("graph name is required")
	}
	if err := e.validator.Validate(req.Schema); err != nil {
		return nil, err
	}

	g := &core.Graph{
		ID:            uuid.New(),
		Name:          req.Name,
		Description:   req.Description,
		Temporary:     req.Temporary,
		Schema:        schema.Normalize(req.Schema),
		Version:       core.InitialVersion,
		TargetVersion: core.InitialVersion,
		Status:        core.GraphStatusCreated,
		CreatedBy:     req.Principal,
	}
	if err := e.store.CreateGraph(ctx, g); err != nil {
		return nil, err
	}

	// Every version a client can later hold as a base must resolve to a
	// schema, including the initial one, so creation records an Applied
	// revision carrying the initial schema.
	if err := e.store.WithTx(ctx, func(tx core.RevisionTx) error {
		return tx.CreateRevision(ctx, e.appliedRevision(g.ID, core.InitialVersion, core.InitialVersion, g.Schema, req.Principal))
	}); err != nil {
		return nil, err
	}

	e.logger.Info("graph created", "graph_id", g.ID, "name", g.Name, "created_by", req.Principal)
	return g, nil
}

// appliedRevision builds the Applied revision row recording a version's
// schema for creation and direct (offline) schema updates.
func (e *Engine) appliedRevision(graphID uuid.UUID, baseVersion, toVersion string, s core.Schema, principal string) *core.Revision {
	return &core.Revision{
		ID:                uuid.New(),
		GraphID:           graphID,
		BaseVersion:       baseVersion,
		ToVersion:         toVersion,
		ClientSchema:      s,
		NewSchema:         s,
		ConfigurationDiff: []byte("[]"),
		Status:            core.RevisionStatusApplied,
		CreatedBy:         principal,
	}
}

// Update applies a metadata and/or schema update. Schema changes against a
// Running or Compiling graph go through the revision pipeline and return
// immediately with the revision still Pending; schema changes against a
// stopped graph apply directly. Metadata-only updates never touch versions.
func (e *Engine) Update(ctx context.Context, graphID uuid.UUID, req UpdateGraphRequest, principal string) (*UpdateResponse, error) {
	g, err := e.ownedGraph(ctx, graphID, principal)
	if err != nil {
		return nil, err
	}

	if req.Name != nil || req.Description != nil {
		err := e.store.WithTx(ctx, func(tx core.RevisionTx) error {
			return tx.UpdateGraph(ctx, graphID, core.GraphPatch{
				Name:        req.Name,
				Description: req.Description,
			})
		})
		if err != nil {
			return nil, err
		}
	}

	if req.Schema == nil {
		g, err = e.store.GetGraph(ctx, graphID)
		if err != nil {
			return nil, err
		}
		return &UpdateResponse{Graph: g}, nil
	}

	live := e.registry.GetStatus(graphID)
	if g.Status == core.GraphStatusRunning || g.Status == core.GraphStatusCompiling ||
		live == core.GraphStatusRunning || live == core.GraphStatusCompiling {
		rev, err := e.SubmitRevision(ctx, graphID, req.CurrentVersion, *req.Schema, principal)
		if err != nil {
			return nil, err
		}
		g, err = e.store.GetGraph(ctx, graphID)
		if err != nil {
			return nil, err
		}
		return &UpdateResponse{Graph: g, Revision: rev}, nil
	}

	// Not running: the schema replaces the stored one directly, still under
	// the row lock and version check so a stale client cannot clobber.
	err = e.store.WithTx(ctx, func(tx core.RevisionTx) error {
		locked, err := tx.GetGraphForUpdate(ctx, graphID)
		if err != nil {
			return err
		}
		if locked.Version != req.CurrentVersion {
			return core.NewEngineError(core.CodeVersionConflict,
				"graph is at version %s, update based on %s", locked.Version, req.CurrentVersion).
				WithDetail("current_version", locked.Version)
		}
		if err := e.validator.Validate(*req.Schema); err != nil {
			return err
		}
		next := schema.Normalize(*req.Schema)
		if schema.Equal(locked.Schema, next) {
			return nil
		}
		v := e.arbiter.Next(e.arbiter.Max(locked.Version, locked.TargetVersion))
		rev := e.appliedRevision(graphID, locked.Version, v, next, principal)
		diff, err := schema.Diff(locked.Schema, next)
		if err != nil {
			return err
		}
		rev.ConfigurationDiff = diff
		if err := tx.CreateRevision(ctx, rev); err != nil {
			return err
		}
		return tx.UpdateGraph(ctx, graphID, core.GraphPatch{
			Schema:        &next,
			Version:       &v,
			TargetVersion: &v,
		})
	})
	if err != nil {
		return nil, err
	}
	g, err = e.store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return &UpdateResponse{Graph: g}, nil
}

// FindByID returns the graph, scoped to the principal.
func (e *Engine) FindByID(ctx context.Context, graphID uuid.UUID, principal string) (*core.Graph, error) {
	return e.ownedGraph(ctx, graphID, principal)
}

// GetAll lists the principal's graphs.
func (e *Engine) GetAll(ctx context.Context, principal string) ([]*core.Graph, error) {
	return e.store.ListGraphs(ctx, principal)
}

// Run compiles the graph's persisted schema into live nodes. The persisted
// status transitions Created/Stopped/Error -> Compiling -> Running, or Error
// with the originating message on compile failure.
func (e *Engine) Run(ctx context.Context, graphID uuid.UUID, principal string) (*core.Graph, error) {
	g, err := e.ownedGraph(ctx, graphID, principal)
	if err != nil {
		return nil, err
	}
	if g.Status == core.GraphStatusRunning || g.Status == core.GraphStatusCompiling {
		return nil, core.NewEngineError(core.CodeGraphAlreadyRunning, "graph %s is already running", graphID)
	}

	if err := e.setStatus(ctx, graphID, core.GraphStatusCompiling, nil); err != nil {
		return nil, err
	}

	// Registered before building so the apply worker observes Compiling and
	// holds off live mutations until the build settles.
	cg := NewCompiledGraph(g.ID, core.GraphStatusCompiling)
	e.registry.Register(cg)

	if err := e.compiler.Compile(ctx, g, cg); err != nil {
		if derr := e.registry.Destroy(ctx, graphID); derr != nil {
			e.logger.Error("failed to drop partially compiled graph", "graph_id", graphID, "error", derr)
		}
		msg := err.Error()
		if serr := e.setStatus(ctx, graphID, core.GraphStatusError, &msg); serr != nil {
			e.logger.Error("failed to record compile error", "graph_id", graphID, "error", serr)
		}
		return nil, err
	}

	e.metrics.GraphsRunning.Inc()
	if err := e.setStatus(ctx, graphID, core.GraphStatusRunning, nil); err != nil {
		return nil, err
	}
	e.logger.Info("graph running", "graph_id", graphID, "nodes", len(cg.Nodes()))
	return e.store.GetGraph(ctx, graphID)
}

// Destroy stops a running graph: all nodes are torn down in reverse build
// order and the persisted status becomes Stopped. The schema and versions
// are untouched.
func (e *Engine) Destroy(ctx context.Context, graphID uuid.UUID, principal string) (*core.Graph, error) {
	g, err := e.ownedGraph(ctx, graphID, principal)
	if err != nil {
		return nil, err
	}
	if _, live := e.registry.Get(graphID); !live && g.Status != core.GraphStatusRunning && g.Status != core.GraphStatusError {
		return nil, core.NewEngineError(core.CodeGraphNotRunning, "graph %s is not running", graphID)
	}

	if err := e.registry.Destroy(ctx, graphID); err != nil {
		return nil, err
	}
	e.metrics.GraphsRunning.Dec()
	if err := e.setStatus(ctx, graphID, core.GraphStatusStopped, nil); err != nil {
		return nil, err
	}
	e.logger.Info("graph destroyed", "graph_id", graphID)
	return e.store.GetGraph(ctx, graphID)
}

// Delete removes the graph and its revisions. A running graph must be
// destroyed first, except temporary graphs, which are torn down inline.
func (e *Engine) Delete(ctx context.Context, graphID uuid.UUID, principal string) error {
	g, err := e.ownedGraph(ctx, graphID, principal)
	if err != nil {
		return err
	}

	if _, live := e.registry.Get(graphID); live || g.Status == core.GraphStatusRunning {
		if !g.Temporary {
			return core.NewEngineError(core.CodeGraphAlreadyRunning,
				"graph %s is running; destroy it before deleting", graphID)
		}
		if err := e.registry.Destroy(ctx, graphID); err != nil {
			return err
		}
		e.metrics.GraphsRunning.Dec()
	}

	if err := e.store.DeleteGraph(ctx, graphID); err != nil {
		return err
	}
	e.logger.Info("graph deleted", "graph_id", graphID, "temporary", g.Temporary)
	return nil
}

// ExecuteTrigger invokes a trigger node of a running graph.
func (e *Engine) ExecuteTrigger(ctx context.Context, graphID uuid.UUID, triggerID string, req core.TriggerRequest, principal string) (*core.TriggerResult, error) {
	if _, err := e.ownedGraph(ctx, graphID, principal); err != nil {
		return nil, err
	}

	cg, ok := e.registry.Get(graphID)
	if !ok || cg.Status() != core.GraphStatusRunning {
		return nil, core.NewEngineError(core.CodeGraphNotRunning, "graph %s is not running", graphID)
	}

	cn, ok := cg.Node(triggerID)
	if !ok {
		return nil, core.NewEngineError(core.CodeTriggerNotFound, "trigger %q not found in graph %s", triggerID, graphID)
	}
	if cn.Kind != core.NodeKindTrigger {
		return nil, core.NewEngineError(core.CodeInvalidNodeType, "node %q is a %s node, not a trigger", triggerID, cn.Kind)
	}
	trigger, ok := cn.Instance.(core.TriggerNode)
	if !ok || !trigger.Started() {
		return nil, core.NewEngineError(core.CodeTriggerNotStarted, "trigger %q is not started", triggerID)
	}

	return trigger.Invoke(ctx, req, func(nodeID string) any {
		if peer, ok := cg.Node(nodeID); ok {
			return peer.Instance
		}
		return nil
	})
}

// GetRevisions lists the graph's revisions, newest first.
func (e *Engine) GetRevisions(ctx context.Context, graphID uuid.UUID, filter core.RevisionFilter, principal string) ([]*core.Revision, error) {
	if _, err := e.ownedGraph(ctx, graphID, principal); err != nil {
		return nil, err
	}
	return e.store.ListRevisions(ctx, graphID, filter)
}

// GetRevisionByID returns one revision of the graph.
func (e *Engine) GetRevisionByID(ctx context.Context, graphID, revisionID uuid.UUID, principal string) (*core.Revision, error) {
	if _, err := e.ownedGraph(ctx, graphID, principal); err != nil {
		return nil, err
	}
	rev, err := e.store.GetRevisionByID(ctx, graphID, revisionID)
	if err != nil {
		if errors.Is(err, core.ErrRevisionNotFound) {
			return nil, core.NewEngineError(core.CodeGraphRevisionNotFound,
				"revision %s not found in graph %s", revisionID, graphID)
		}
		return nil, err
	}
	return rev, nil
}

func (e *Engine) ownedGraph(ctx context.Context, graphID uuid.UUID, principal string) (*core.Graph, error) {
	g, err := e.store.GetGraph(ctx, graphID)
	if err != nil {
		if errors.Is(err, core.ErrGraphNotFound) {
			return nil, core.NewEngineError(core.CodeGraphNotFound, "graph %s not found", graphID)
		}
		return nil, err
	}
	if principal != "" && g.CreatedBy != principal {
		return nil, core.NewEngineError(core.CodeGraphNotFound, "graph %s not found", graphID)
	}
	return g, nil
}

func (e *Engine) setStatus(ctx context.Context, graphID uuid.UUID, status core.GraphStatus, message *string) error {
	return e.store.WithTx(ctx, func(tx core.RevisionTx) error {
		patch := core.GraphPatch{Status: &status}
		if message != nil {
			patch.Error = message
		} else {
			patch.ClearError = true
		}
		return tx.UpdateGraph(ctx, graphID, patch)
	})
}
