package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
)

// applyJob is the queue processor: it applies one revision to its graph.
// It is re-entrant: a redelivered job re-reads graph and revision state and
// a terminal revision is acknowledged without further work.
func (e *Engine) applyJob(ctx context.Context, job core.QueueJob) error {
	started := time.Now()
	defer func() {
		e.metrics.ApplyDuration.Observe(time.Since(started).Seconds())
	}()

	rev, err := e.store.GetRevisionByID(ctx, job.GraphID, job.RevisionID)
	if err != nil {
		if errors.Is(err, core.ErrRevisionNotFound) {
			// The graph (and its revisions) vanished between enqueue and
			// apply. Nothing left to record.
			e.logger.Warn("revision disappeared before apply",
				"graph_id", job.GraphID, "revision_id", job.RevisionID)
			return nil
		}
		return err
	}
	if rev.Status.IsTerminal() {
		return nil
	}

	if rev.Status == core.RevisionStatusPending {
		applying := core.RevisionStatusApplying
		err := e.store.WithTx(ctx, func(tx core.RevisionTx) error {
			return tx.UpdateRevision(ctx, rev.ID, core.RevisionPatch{Status: &applying})
		})
		if err != nil {
			return err
		}
	}

	// An in-flight compile owns the live graph; give it a bounded window to
	// finish before mutating, then proceed regardless.
	e.waitWhileCompiling(ctx, job)

	err = e.store.WithTx(ctx, func(tx core.RevisionTx) error {
		g, err := tx.GetGraphForUpdate(ctx, job.GraphID)
		if err != nil {
			if errors.Is(err, core.ErrGraphNotFound) {
				return core.Unrecoverable(core.NewEngineError(core.CodeGraphNotFound,
					"graph %s not found", job.GraphID))
			}
			return err
		}

		newSchema := rev.NewSchema

		// Revisions queued behind others were merged against a head that
		// has since become the graph schema; merge again in case the applied
		// head diverged from the one the revision saw.
		if g.Version != rev.BaseVersion {
			merged, diff, err := e.remerge(ctx, tx, g, rev)
			if err != nil {
				return err
			}
			newSchema = merged
			if err := tx.UpdateRevision(ctx, rev.ID, core.RevisionPatch{
				NewSchema:         &merged,
				ConfigurationDiff: diff,
			}); err != nil {
				return err
			}
		}

		if cg, ok := e.registry.Get(g.ID); ok && cg.Status() == core.GraphStatusRunning {
			if err := e.liveUpdate(ctx, cg, newSchema); err != nil {
				return err
			}
		}
		// Graphs that are not running pick the new schema up on the next run.

		applied := core.RevisionStatusApplied
		if err := tx.UpdateRevision(ctx, rev.ID, core.RevisionPatch{Status: &applied}); err != nil {
			return err
		}
		return tx.UpdateGraph(ctx, g.ID, core.GraphPatch{
			Schema:     &newSchema,
			Version:    &rev.ToVersion,
			ClearError: true,
		})
	})
	if err != nil {
		return err
	}

	e.metrics.RevisionsApplied.Inc()
	e.logger.Info("revision applied",
		"graph_id", job.GraphID,
		"revision_id", job.RevisionID,
		"to_version", rev.ToVersion)
	return nil
}

func (e *Engine) waitWhileCompiling(ctx context.Context, job core.QueueJob) {
	deadline := time.Now().Add(e.compileWaitTimeout)
	for e.registry.GetStatus(job.GraphID) == core.GraphStatusCompiling {
		if time.Now().After(deadline) {
			e.logger.Warn("graph still compiling after wait timeout, proceeding",
				"graph_id", job.GraphID, "revision_id", job.RevisionID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.compileWaitInterval):
		}
	}
}

func (e *Engine) remerge(ctx context.Context, tx core.RevisionTx, g *core.Graph, rev *core.Revision) (core.Schema, []byte, error) {
	baseSchema, err := e.resolveBase(ctx, tx, g, rev.BaseVersion)
	if err != nil {
		if ee, ok := core.AsEngineError(err); ok && ee.Code == core.CodeVersionNotFound {
			return core.Schema{}, nil, core.Unrecoverable(err)
		}
		return core.Schema{}, nil, err
	}

	result := e.merger.Merge(baseSchema, g.Schema, rev.ClientSchema)
	if !result.Success {
		return core.Schema{}, nil, core.Unrecoverable(core.NewEngineError(core.CodeMergeConflict,
			"revision no longer merges against version %s", g.Version).
			WithDetail("conflicts", result.Conflicts))
	}

	diff, err := schema.Diff(g.Schema, result.Merged)
	if err != nil {
		return core.Schema{}, nil, err
	}
	return result.Merged, diff, nil
}

func (e *Engine) liveUpdate(ctx context.Context, cg *CompiledGraph, next core.Schema) error {
	plan, err := PlanUpdate(cg, next)
	if err != nil {
		return core.Unrecoverable(err)
	}
	if plan.Empty() {
		return nil
	}

	e.metrics.LiveUpdateNodes.WithLabelValues("remove").Add(float64(len(plan.Removals)))
	e.metrics.LiveUpdateNodes.WithLabelValues("rebuild").Add(float64(len(plan.Rebuilds)))

	if err := e.executor.Execute(ctx, cg, next, plan); err != nil {
		// The live graph may be partially updated; that is the accepted
		// degraded state. The failure path records it on the graph row.
		return err
	}
	return nil
}

// jobDead runs exactly when the queue gives up on a job: it records the
// terminal failure and repairs targetVersion, in a transaction independent
// from the rolled-back apply.
func (e *Engine) jobDead(ctx context.Context, job core.QueueJob, cause error) {
	reason := "error"
	if ee, ok := core.AsEngineError(cause); ok {
		reason = string(ee.Code)
	}
	e.metrics.RevisionsFailed.WithLabelValues(reason).Inc()

	rev, err := e.store.GetRevisionByID(ctx, job.GraphID, job.RevisionID)
	if err != nil || rev.Status.IsTerminal() {
		return
	}

	message := cause.Error()
	err = e.store.WithTx(ctx, func(tx core.RevisionTx) error {
		g, err := tx.GetGraphForUpdate(ctx, job.GraphID)
		if err != nil {
			return err
		}

		failed := core.RevisionStatusFailed
		if err := tx.UpdateRevision(ctx, rev.ID, core.RevisionPatch{
			Status: &failed,
			Error:  &message,
		}); err != nil {
			return err
		}

		// targetVersion tracks the newest revision that can still apply:
		// the max toVersion of the remaining pending revisions, or the
		// graph version when none remain.
		pending, err := tx.PendingRevisions(ctx, job.GraphID)
		if err != nil {
			return err
		}
		target := g.Version
		for _, p := range pending {
			if p.ID == rev.ID {
				continue
			}
			target = e.arbiter.Max(target, p.ToVersion)
		}

		patch := core.GraphPatch{TargetVersion: &target}
		var updateErr *UpdateError
		if errors.As(cause, &updateErr) {
			status := core.GraphStatusError
			msg := fmt.Sprintf("live update failed at node %q: %v", updateErr.NodeID, updateErr.Err)
			patch.Status = &status
			patch.Error = &msg
			if cg, ok := e.registry.Get(job.GraphID); ok {
				cg.SetStatus(core.GraphStatusError)
			}
		}
		return tx.UpdateGraph(ctx, g.ID, patch)
	})
	if err != nil {
		// The graph may be gone; still record the revision failure so the
		// terminal state always commits.
		if markErr := e.store.MarkRevisionFailed(ctx, rev.ID, message); markErr != nil {
			e.logger.Error("failed to record revision failure",
				"graph_id", job.GraphID, "revision_id", job.RevisionID, "error", markErr)
		}
	}

	e.logger.Error("revision failed",
		"graph_id", job.GraphID,
		"revision_id", job.RevisionID,
		"reason", reason,
		"error", cause)
}
