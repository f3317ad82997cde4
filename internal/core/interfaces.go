package core

import (
	"context"

	"github.com/google/uuid"
)

// RevisionStore is durable CRUD for graphs and revisions.
//
// All mutations run inside a transaction opened by WithTx. A transaction that
// reads a graph via GetGraphForUpdate holds serial access to that row until
// commit; concurrent submitters for the same graph serialize there.
type RevisionStore interface {
	WithTx(ctx context.Context, fn func(tx RevisionTx) error) error

	CreateGraph(ctx context.Context, g *Graph) error
	GetGraph(ctx context.Context, id uuid.UUID) (*Graph, error)
	ListGraphs(ctx context.Context, createdBy string) ([]*Graph, error)
	DeleteGraph(ctx context.Context, id uuid.UUID) error

	GetRevisionByID(ctx context.Context, graphID, revisionID uuid.UUID) (*Revision, error)
	ListRevisions(ctx context.Context, graphID uuid.UUID, filter RevisionFilter) ([]*Revision, error)

	// MarkRevisionFailed records a terminal failure in its own transaction so
	// the failure record commits even when the apply transaction rolled back.
	MarkRevisionFailed(ctx context.Context, revisionID uuid.UUID, message string) error

	// ResetStuckRevisions moves rows left in Applying back to Pending and
	// returns every Pending revision, the reset ones included, in creation
	// order, for at-least-once recovery after a crash.
	ResetStuckRevisions(ctx context.Context) ([]*Revision, error)
}

// RevisionTx is the transactional view of the store.
type RevisionTx interface {
	// GetGraphForUpdate reads the graph row under a row-level write lock held
	// until the transaction commits.
	GetGraphForUpdate(ctx context.Context, id uuid.UUID) (*Graph, error)
	UpdateGraph(ctx context.Context, id uuid.UUID, patch GraphPatch) error

	CreateRevision(ctx context.Context, rev *Revision) error
	UpdateRevision(ctx context.Context, id uuid.UUID, patch RevisionPatch) error

	// GetRevisionAt returns the newest non-Failed revision whose ToVersion
	// equals version.
	GetRevisionAt(ctx context.Context, graphID uuid.UUID, version string) (*Revision, error)
	// PendingRevisions returns non-terminal revisions ordered by creation time.
	PendingRevisions(ctx context.Context, graphID uuid.UUID) ([]*Revision, error)
}

// QueueJob is one unit of revision application work.
type QueueJob struct {
	GraphID    uuid.UUID
	RevisionID uuid.UUID
	Attempt    int
}

// Processor applies a queued revision. Returning nil acknowledges the job;
// a recoverable error triggers redelivery with backoff; an error wrapped with
// Unrecoverable marks the job failed without retry.
type Processor func(ctx context.Context, job QueueJob) error

// DeadHandler is invoked exactly when the queue gives up on a job: on an
// unrecoverable error or when retries are exhausted.
type DeadHandler func(ctx context.Context, job QueueJob, cause error)

// RevisionQueue is a durable FIFO-per-graph job queue with at-least-once
// delivery. Per-graph concurrency is 1: two revisions for the same graph
// never execute concurrently. Cross-graph parallelism is permitted.
type RevisionQueue interface {
	Enqueue(ctx context.Context, graphID, revisionID uuid.UUID) error
	Start(ctx context.Context) error
	Stop() error
}

// ConnectionSpec declares the connection kinds a template requires.
type ConnectionSpec struct {
	RequiredInbound  []NodeKind
	RequiredOutbound []NodeKind
}

// PeerRef is a weak reference to a neighbouring compiled node: the engine
// hands templates the peer's identity and live instance, never ownership.
type PeerRef struct {
	NodeID   string
	Template string
	Kind     NodeKind
	Instance any
}

// NodeInit is the fully-resolved input a handle builds a node from. For the
// same (GraphID, NodeID) the derived external resource identity is stable, so
// retried creates reattach to pre-existing resources instead of leaking them.
type NodeInit struct {
	GraphID    uuid.UUID
	NodeID     string
	Config     map[string]any
	Upstream   []PeerRef
	Downstream []PeerRef
}

// NodeHandle is the lifecycle contract every template exposes to the engine.
type NodeHandle interface {
	// Create produces a fully-initialized node instance.
	Create(ctx context.Context, init NodeInit) (any, error)
	// Configure requests in-place reconfiguration. It must be idempotent on
	// the same init and may return ErrRecreateRequired.
	Configure(ctx context.Context, next NodeInit, instance any) error
	// Destroy releases all underlying resources within bounded time and must
	// not fail on a partially-initialized node.
	Destroy(ctx context.Context, instance any) error
}

// Template describes a node type: its kind, config validation and handle.
type Template interface {
	Name() string
	Kind() NodeKind
	ValidateConfig(config map[string]any) error
	Connections() ConnectionSpec
	Handle() NodeHandle
}

// TemplateRegistry resolves template names declared in schemas.
type TemplateRegistry interface {
	Get(name string) (Template, error)
	Names() []string
}
