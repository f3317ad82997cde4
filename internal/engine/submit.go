package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
)

// SubmitRevision validates, merges and persists a schema change proposal for
// the graph and enqueues it for application. The row lock taken by
// GetGraphForUpdate is the linearization point across submitters for the
// same graph: the loser of a race observes the winner's version.
func (e *Engine) SubmitRevision(ctx context.Context, graphID uuid.UUID, baseVersion string, clientSchema core.Schema, principal string) (*core.Revision, error) {
	started := time.Now()
	var rev *core.Revision

	err := e.store.WithTx(ctx, func(tx core.RevisionTx) error {
		g, err := e.lockOwnedGraph(ctx, tx, graphID, principal)
		if err != nil {
			return err
		}

		if g.Version != baseVersion {
			return core.NewEngineError(core.CodeVersionConflict,
				"graph is at version %s, submission based on %s", g.Version, baseVersion).
				WithDetail("current_version", g.Version)
		}

		if err := e.validator.Validate(clientSchema); err != nil {
			return err
		}

		headSchema, err := e.resolveHead(ctx, tx, g)
		if err != nil {
			return err
		}
		baseSchema, err := e.resolveBase(ctx, tx, g, baseVersion)
		if err != nil {
			return err
		}

		result := e.merger.Merge(baseSchema, headSchema, clientSchema)
		if !result.Success {
			return core.NewEngineError(core.CodeMergeConflict,
				"schema changed concurrently in %d place(s)", len(result.Conflicts)).
				WithDetail("conflicts", result.Conflicts)
		}

		diff, err := schema.Diff(headSchema, result.Merged)
		if err != nil {
			return err
		}
		if schema.IsEmpty(diff) {
			return core.NewEngineError(core.CodeRevisionWithoutChanges,
				"submitted schema contains no changes against the current head")
		}

		toVersion := e.arbiter.Next(e.arbiter.Max(g.Version, g.TargetVersion))
		rev = &core.Revision{
			ID:                uuid.New(),
			GraphID:           g.ID,
			BaseVersion:       baseVersion,
			ToVersion:         toVersion,
			ClientSchema:      schema.Normalize(clientSchema),
			NewSchema:         result.Merged,
			ConfigurationDiff: diff,
			Status:            core.RevisionStatusPending,
			CreatedBy:         principal,
		}
		if err := tx.CreateRevision(ctx, rev); err != nil {
			return err
		}
		return tx.UpdateGraph(ctx, g.ID, core.GraphPatch{TargetVersion: &toVersion})
	})

	e.metrics.SubmitDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		outcome := "error"
		if ee, ok := core.AsEngineError(err); ok {
			outcome = string(ee.Code)
		}
		e.metrics.RevisionsSubmitted.WithLabelValues(outcome).Inc()
		return nil, err
	}

	if err := e.queue.Enqueue(ctx, graphID, rev.ID); err != nil {
		// The revision is persisted; startup recovery will re-enqueue it.
		e.logger.Error("failed to enqueue revision",
			"graph_id", graphID, "revision_id", rev.ID, "error", err)
	}

	e.metrics.RevisionsSubmitted.WithLabelValues("accepted").Inc()
	e.logger.Info("revision submitted",
		"graph_id", graphID,
		"revision_id", rev.ID,
		"base_version", baseVersion,
		"to_version", rev.ToVersion,
		"created_by", principal)
	return rev, nil
}

// lockOwnedGraph reads the graph under its row lock and enforces ownership.
// A foreign principal gets the same answer as a missing graph.
func (e *Engine) lockOwnedGraph(ctx context.Context, tx core.RevisionTx, graphID uuid.UUID, principal string) (*core.Graph, error) {
	g, err := tx.GetGraphForUpdate(ctx, graphID)
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

// resolveHead returns the schema all pending revisions converge to: the
// graph schema when nothing is pending, otherwise the newest pending
// revision's merged schema.
func (e *Engine) resolveHead(ctx context.Context, tx core.RevisionTx, g *core.Graph) (core.Schema, error) {
	if g.TargetVersion == g.Version {
		return g.Schema, nil
	}
	rev, err := tx.GetRevisionAt(ctx, g.ID, g.TargetVersion)
	if err != nil {
		if errors.Is(err, core.ErrRevisionNotFound) {
			e.logger.Warn("target version has no revision, falling back to graph schema",
				"graph_id", g.ID, "target_version", g.TargetVersion)
			return g.Schema, nil
		}
		return core.Schema{}, err
	}
	return rev.NewSchema, nil
}

// resolveBase returns the schema the submitter constructed their proposal
// against.
func (e *Engine) resolveBase(ctx context.Context, tx core.RevisionTx, g *core.Graph, baseVersion string) (core.Schema, error) {
	if baseVersion == g.Version {
		return g.Schema, nil
	}
	rev, err := tx.GetRevisionAt(ctx, g.ID, baseVersion)
	if err != nil {
		if errors.Is(err, core.ErrRevisionNotFound) {
			return core.Schema{}, core.NewEngineError(core.CodeVersionNotFound,
				"no revision found for base version %s", baseVersion)
		}
		return core.Schema{}, err
	}
	return rev.NewSchema, nil
}
