// Package repository provides the revision store implementations: PostgreSQL
// for production and an in-memory store for tests and single-node setups.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
)

// MemoryStore is an in-memory core.RevisionStore. A store-wide mutex held
// for the duration of each transaction stands in for row-level locks: it is
// coarser than Postgres but gives the same serialization guarantee the
// engine relies on. Mutations are rolled back by restoring a snapshot.
type MemoryStore struct {
	mu        sync.Mutex
	graphs    map[uuid.UUID]*core.Graph
	revisions map[uuid.UUID]*core.Revision
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs:    make(map[uuid.UUID]*core.Graph),
		revisions: make(map[uuid.UUID]*core.Revision),
	}
}

var _ core.RevisionStore = (*MemoryStore)(nil)

// WithTx runs fn holding the store lock. On error every mutation fn made is
// discarded.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx core.RevisionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshotGraphs := make(map[uuid.UUID]*core.Graph, len(s.graphs))
	for id, g := range s.graphs {
		snapshotGraphs[id] = copyGraph(g)
	}
	snapshotRevisions := make(map[uuid.UUID]*core.Revision, len(s.revisions))
	for id, r := range s.revisions {
		snapshotRevisions[id] = copyRevision(r)
	}

	if err := fn(&memoryTx{store: s}); err != nil {
		s.graphs = snapshotGraphs
		s.revisions = snapshotRevisions
		return err
	}
	return nil
}

// CreateGraph persists a new graph.
func (s *MemoryStore) CreateGraph(ctx context.Context, g *core.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stored := copyGraph(g)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.graphs[g.ID] = stored
	g.CreatedAt = now
	g.UpdatedAt = now
	return nil
}

// GetGraph returns a copy of the graph.
func (s *MemoryStore) GetGraph(ctx context.Context, id uuid.UUID) (*core.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[id]
	if !ok {
		return nil, core.ErrGraphNotFound
	}
	return copyGraph(g), nil
}

// ListGraphs returns the principal's graphs, newest first. An empty
// principal lists everything.
func (s *MemoryStore) ListGraphs(ctx context.Context, createdBy string) ([]*core.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Graph
	for _, g := range s.graphs {
		if createdBy == "" || g.CreatedBy == createdBy {
			out = append(out, copyGraph(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteGraph removes the graph and all its revisions.
func (s *MemoryStore) DeleteGraph(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[id]; !ok {
		return core.ErrGraphNotFound
	}
	delete(s.graphs, id)
	for revID, rev := range s.revisions {
		if rev.GraphID == id {
			delete(s.revisions, revID)
		}
	}
	return nil
}

// GetRevisionByID returns a copy of the revision.
func (s *MemoryStore) GetRevisionByID(ctx context.Context, graphID, revisionID uuid.UUID) (*core.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.revisions[revisionID]
	if !ok || rev.GraphID != graphID {
		return nil, core.ErrRevisionNotFound
	}
	return copyRevision(rev), nil
}

// ListRevisions returns the graph's revisions, newest first.
func (s *MemoryStore) ListRevisions(ctx context.Context, graphID uuid.UUID, filter core.RevisionFilter) ([]*core.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Revision
	for _, rev := range s.revisions {
		if rev.GraphID != graphID {
			continue
		}
		if filter.Status != nil && rev.Status != *filter.Status {
			continue
		}
		out = append(out, copyRevision(rev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MarkRevisionFailed records a terminal failure outside any caller
// transaction. Terminal revisions are left untouched.
func (s *MemoryStore) MarkRevisionFailed(ctx context.Context, revisionID uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.revisions[revisionID]
	if !ok {
		return core.ErrRevisionNotFound
	}
	if rev.Status.IsTerminal() {
		return nil
	}
	rev.Status = core.RevisionStatusFailed
	rev.Error = &message
	rev.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetStuckRevisions moves Applying revisions back to Pending and returns
// all non-terminal revisions in creation order.
func (s *MemoryStore) ResetStuckRevisions(ctx context.Context) ([]*core.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Revision
	for _, rev := range s.revisions {
		if rev.Status == core.RevisionStatusApplying {
			rev.Status = core.RevisionStatusPending
			rev.UpdatedAt = time.Now().UTC()
		}
		if rev.Status == core.RevisionStatusPending {
			out = append(out, copyRevision(rev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memoryTx struct {
	store *MemoryStore
}

var _ core.RevisionTx = (*memoryTx)(nil)

func (t *memoryTx) GetGraphForUpdate(ctx context.Context, id uuid.UUID) (*core.Graph, error) {
	g, ok := t.store.graphs[id]
	if !ok {
		return nil, core.ErrGraphNotFound
	}
	return copyGraph(g), nil
}

func (t *memoryTx) UpdateGraph(ctx context.Context, id uuid.UUID, patch core.GraphPatch) error {
	g, ok := t.store.graphs[id]
	if !ok {
		return core.ErrGraphNotFound
	}
	if patch.Name != nil {
		g.Name = *patch.Name
	}
	if patch.Description != nil {
		g.Description = patch.Description
	}
	if patch.Schema != nil {
		g.Schema = schema.Clone(*patch.Schema)
	}
	if patch.Version != nil {
		g.Version = *patch.Version
	}
	if patch.TargetVersion != nil {
		g.TargetVersion = *patch.TargetVersion
	}
	if patch.Status != nil {
		g.Status = *patch.Status
	}
	if patch.Error != nil {
		g.Error = patch.Error
	} else if patch.ClearError {
		g.Error = nil
	}
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memoryTx) CreateRevision(ctx context.Context, rev *core.Revision) error {
	now := time.Now().UTC()
	stored := copyRevision(rev)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	t.store.revisions[rev.ID] = stored
	rev.CreatedAt = now
	rev.UpdatedAt = now
	return nil
}

func (t *memoryTx) UpdateRevision(ctx context.Context, id uuid.UUID, patch core.RevisionPatch) error {
	rev, ok := t.store.revisions[id]
	if !ok {
		return core.ErrRevisionNotFound
	}
	if patch.NewSchema != nil {
		rev.NewSchema = schema.Clone(*patch.NewSchema)
	}
	if patch.ConfigurationDiff != nil {
		rev.ConfigurationDiff = append([]byte(nil), patch.ConfigurationDiff...)
	}
	if patch.Status != nil {
		rev.Status = *patch.Status
	}
	if patch.Error != nil {
		rev.Error = patch.Error
	}
	rev.UpdatedAt = time.Now().UTC()
	return nil
}

// GetRevisionAt skips Failed revisions: they never became a version, and
// their to_version may have been reassigned. The newest match wins.
func (t *memoryTx) GetRevisionAt(ctx context.Context, graphID uuid.UUID, version string) (*core.Revision, error) {
	var found *core.Revision
	for _, rev := range t.store.revisions {
		if rev.GraphID != graphID || rev.ToVersion != version || rev.Status == core.RevisionStatusFailed {
			continue
		}
		if found == nil || rev.CreatedAt.After(found.CreatedAt) {
			found = rev
		}
	}
	if found == nil {
		return nil, core.ErrRevisionNotFound
	}
	return copyRevision(found), nil
}

func (t *memoryTx) PendingRevisions(ctx context.Context, graphID uuid.UUID) ([]*core.Revision, error) {
	var out []*core.Revision
	for _, rev := range t.store.revisions {
		if rev.GraphID == graphID && !rev.Status.IsTerminal() {
			out = append(out, copyRevision(rev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyGraph(g *core.Graph) *core.Graph {
	out := *g
	out.Schema = schema.Clone(g.Schema)
	if g.Description != nil {
		d := *g.Description
		out.Description = &d
	}
	if g.Error != nil {
		e := *g.Error
		out.Error = &e
	}
	return &out
}

func copyRevision(r *core.Revision) *core.Revision {
	out := *r
	out.ClientSchema = schema.Clone(r.ClientSchema)
	out.NewSchema = schema.Clone(r.NewSchema)
	out.ConfigurationDiff = append([]byte(nil), r.ConfigurationDiff...)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}
