package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

func testGraph(createdBy string) *core.Graph {
	return &core.Graph{
		ID:   uuid.New(),
		Name: "g",
		Schema: core.Schema{
			Nodes: []core.Node{{ID: "a", Template: "t", Config: map[string]any{"k": "v"}}},
		},
		Version:       core.InitialVersion,
		TargetVersion: core.InitialVersion,
		Status:        core.GraphStatusCreated,
		CreatedBy:     createdBy,
	}
}

func testRevision(graphID uuid.UUID, toVersion string, status core.RevisionStatus) *core.Revision {
	return &core.Revision{
		ID:                uuid.New(),
		GraphID:           graphID,
		BaseVersion:       core.InitialVersion,
		ToVersion:         toVersion,
		ClientSchema:      core.Schema{},
		NewSchema:         core.Schema{},
		ConfigurationDiff: []byte("[]"),
		Status:            status,
	}
}

func TestMemoryStoreGraphCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := testGraph("user-1")
	require.NoError(t, store.CreateGraph(ctx, g))
	assert.False(t, g.CreatedAt.IsZero())

	got, err := store.GetGraph(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Name, got.Name)

	// Returned copies do not alias stored state.
	got.Schema.Nodes[0].Config["k"] = "mutated"
	again, err := store.GetGraph(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Schema.Nodes[0].Config["k"])

	mine, err := store.ListGraphs(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	theirs, err := store.ListGraphs(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, theirs)

	require.NoError(t, store.DeleteGraph(ctx, g.ID))
	_, err = store.GetGraph(ctx, g.ID)
	assert.ErrorIs(t, err, core.ErrGraphNotFound)
	assert.ErrorIs(t, store.DeleteGraph(ctx, g.ID), core.ErrGraphNotFound)
}

func TestMemoryStoreTxRollsBackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := testGraph("user-1")
	require.NoError(t, store.CreateGraph(ctx, g))

	v := "9.9.9"
	err := store.WithTx(ctx, func(tx core.RevisionTx) error {
		if err := tx.UpdateGraph(ctx, g.ID, core.GraphPatch{Version: &v}); err != nil {
			return err
		}
		if err := tx.CreateRevision(ctx, testRevision(g.ID, "1.0.1", core.RevisionStatusPending)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	got, err := store.GetGraph(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InitialVersion, got.Version, "update rolled back")
	revs, err := store.ListRevisions(ctx, g.ID, core.RevisionFilter{})
	require.NoError(t, err)
	assert.Empty(t, revs, "insert rolled back")
}

func TestMemoryStoreRevisionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := testGraph("user-1")
	require.NoError(t, store.CreateGraph(ctx, g))

	rev := testRevision(g.ID, "1.0.1", core.RevisionStatusPending)
	require.NoError(t, store.WithTx(ctx, func(tx core.RevisionTx) error {
		return tx.CreateRevision(ctx, rev)
	}))

	got, err := store.GetRevisionByID(ctx, g.ID, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RevisionStatusPending, got.Status)

	_, err = store.GetRevisionByID(ctx, uuid.New(), rev.ID)
	assert.ErrorIs(t, err, core.ErrRevisionNotFound, "revision is scoped to its graph")

	require.NoError(t, store.MarkRevisionFailed(ctx, rev.ID, "boom"))
	got, err = store.GetRevisionByID(ctx, g.ID, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RevisionStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", *got.Error)

	// Terminal revisions stay as they are.
	require.NoError(t, store.MarkRevisionFailed(ctx, rev.ID, "other"))
	got, _ = store.GetRevisionByID(ctx, g.ID, rev.ID)
	assert.Equal(t, "boom", *got.Error)
}

func TestMemoryStoreGetRevisionAtSkipsFailed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := testGraph("user-1")
	require.NoError(t, store.CreateGraph(ctx, g))

	failed := testRevision(g.ID, "1.0.1", core.RevisionStatusFailed)
	applied := testRevision(g.ID, "1.0.1", core.RevisionStatusApplied)
	applied.NewSchema = core.Schema{Nodes: []core.Node{{ID: "real", Template: "t"}}}

	require.NoError(t, store.WithTx(ctx, func(tx core.RevisionTx) error {
		if err := tx.CreateRevision(ctx, failed); err != nil {
			return err
		}
		return tx.CreateRevision(ctx, applied)
	}))

	err := store.WithTx(ctx, func(tx core.RevisionTx) error {
		got, err := tx.GetRevisionAt(ctx, g.ID, "1.0.1")
		if err != nil {
			return err
		}
		assert.Equal(t, applied.ID, got.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreResetStuckRevisions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := testGraph("user-1")
	require.NoError(t, store.CreateGraph(ctx, g))

	stuck := testRevision(g.ID, "1.0.1", core.RevisionStatusApplying)
	pending := testRevision(g.ID, "1.0.2", core.RevisionStatusPending)
	done := testRevision(g.ID, "1.0.3", core.RevisionStatusApplied)
	require.NoError(t, store.WithTx(ctx, func(tx core.RevisionTx) error {
		for _, r := range []*core.Revision{stuck, pending, done} {
			if err := tx.CreateRevision(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	revs, err := store.ResetStuckRevisions(ctx)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	for _, r := range revs {
		assert.Equal(t, core.RevisionStatusPending, r.Status)
	}
}

func TestMemoryStoreDeleteGraphCascades(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g := testGraph("user-1")
	require.NoError(t, store.CreateGraph(ctx, g))
	rev := testRevision(g.ID, "1.0.1", core.RevisionStatusPending)
	require.NoError(t, store.WithTx(ctx, func(tx core.RevisionTx) error {
		return tx.CreateRevision(ctx, rev)
	}))

	require.NoError(t, store.DeleteGraph(ctx, g.ID))
	_, err := store.GetRevisionByID(ctx, g.ID, rev.ID)
	assert.ErrorIs(t, err, core.ErrRevisionNotFound)
}
