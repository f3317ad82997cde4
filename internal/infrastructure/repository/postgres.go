package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// PostgresStore implements core.RevisionStore for PostgreSQL. Row-level
// write locks (SELECT ... FOR UPDATE) inside pgx transactions are the
// serialization point for concurrent submitters on the same graph.
type PostgresStore struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *StoreMetrics
}

// StoreMetrics contains Prometheus metrics for store operations.
type StoreMetrics struct {
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewPostgresStore creates a PostgreSQL revision store.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger,
		metrics: &StoreMetrics{
			QueryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "graphflow_store_query_duration_seconds",
					Help:    "Duration of revision store queries",
					Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
				},
				[]string{"operation"},
			),
			QueryErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "graphflow_store_query_errors_total",
					Help: "Total number of revision store query errors",
				},
				[]string{"operation"},
			),
		},
	}
}

var _ core.RevisionStore = (*PostgresStore)(nil)

const graphColumns = `id, name, description, temporary, schema, version, target_version, status, error, created_by, created_at, updated_at`

const revisionColumns = `id, graph_id, base_version, to_version, client_schema, new_schema, configuration_diff, status, error, created_by, created_at, updated_at`

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx core.RevisionTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if v := recover(); v != nil {
			//nolint:errcheck // Rollback on panic is best-effort
			tx.Rollback(ctx)
			panic(v)
		}
	}()

	if err := fn(&postgresTx{tx: tx, store: s}); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			err = fmt.Errorf("%w: rolling back transaction: %v", err, rerr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CreateGraph persists a new graph.
func (s *PostgresStore) CreateGraph(ctx context.Context, g *core.Graph) error {
	defer s.observe("create_graph", time.Now())

	schemaJSON, err := json.Marshal(g.Schema)
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}

	query := `
		INSERT INTO graphs (id, name, description, temporary, schema, version, target_version, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err = s.pool.QueryRow(ctx, query,
		g.ID, g.Name, g.Description, g.Temporary, schemaJSON,
		g.Version, g.TargetVersion, g.Status, g.CreatedBy,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues("create_graph").Inc()
		return fmt.Errorf("failed to insert graph: %w", err)
	}
	return nil
}

// GetGraph returns the graph without locking it.
func (s *PostgresStore) GetGraph(ctx context.Context, id uuid.UUID) (*core.Graph, error) {
	defer s.observe("get_graph", time.Now())
	row := s.pool.QueryRow(ctx, `SELECT `+graphColumns+` FROM graphs WHERE id = $1`, id)
	return scanGraph(row)
}

// ListGraphs returns the principal's graphs, newest first. An empty
// principal lists everything.
func (s *PostgresStore) ListGraphs(ctx context.Context, createdBy string) ([]*core.Graph, error) {
	defer s.observe("list_graphs", time.Now())

	query := `SELECT ` + graphColumns + ` FROM graphs`
	args := []any{}
	if createdBy != "" {
		query += ` WHERE created_by = $1`
		args = append(args, createdBy)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues("list_graphs").Inc()
		return nil, fmt.Errorf("failed to query graphs: %w", err)
	}
	defer rows.Close()

	var out []*core.Graph
	for rows.Next() {
		g, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGraph removes the graph; revisions follow via ON DELETE CASCADE.
func (s *PostgresStore) DeleteGraph(ctx context.Context, id uuid.UUID) error {
	defer s.observe("delete_graph", time.Now())
	tag, err := s.pool.Exec(ctx, `DELETE FROM graphs WHERE id = $1`, id)
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues("delete_graph").Inc()
		return fmt.Errorf("failed to delete graph: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrGraphNotFound
	}
	return nil
}

// GetRevisionByID returns one revision of the graph.
func (s *PostgresStore) GetRevisionByID(ctx context.Context, graphID, revisionID uuid.UUID) (*core.Revision, error) {
	defer s.observe("get_revision", time.Now())
	row := s.pool.QueryRow(ctx,
		`SELECT `+revisionColumns+` FROM graph_revisions WHERE id = $1 AND graph_id = $2`,
		revisionID, graphID)
	return scanRevision(row)
}

// ListRevisions returns the graph's revisions, newest first.
func (s *PostgresStore) ListRevisions(ctx context.Context, graphID uuid.UUID, filter core.RevisionFilter) ([]*core.Revision, error) {
	defer s.observe("list_revisions", time.Now())

	query := `SELECT ` + revisionColumns + ` FROM graph_revisions WHERE graph_id = $1`
	args := []any{graphID}
	if filter.Status != nil {
		query += ` AND status = $2`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues("list_revisions").Inc()
		return nil, fmt.Errorf("failed to query revisions: %w", err)
	}
	defer rows.Close()

	var out []*core.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// MarkRevisionFailed records a terminal failure in its own transaction.
// Already-terminal revisions are left untouched.
func (s *PostgresStore) MarkRevisionFailed(ctx context.Context, revisionID uuid.UUID, message string) error {
	defer s.observe("mark_revision_failed", time.Now())
	_, err := s.pool.Exec(ctx, `
		UPDATE graph_revisions
		SET status = $1, error = $2, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($4, $5)`,
		core.RevisionStatusFailed, message, revisionID,
		core.RevisionStatusApplied, core.RevisionStatusFailed)
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues("mark_revision_failed").Inc()
		return fmt.Errorf("failed to mark revision failed: %w", err)
	}
	return nil
}

// ResetStuckRevisions moves Applying rows back to Pending and returns every
// non-terminal revision in creation order for re-enqueueing.
func (s *PostgresStore) ResetStuckRevisions(ctx context.Context) ([]*core.Revision, error) {
	defer s.observe("reset_stuck_revisions", time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE graph_revisions SET status = $1, updated_at = NOW() WHERE status = $2`,
		core.RevisionStatusPending, core.RevisionStatusApplying)
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues("reset_stuck_revisions").Inc()
		return nil, fmt.Errorf("failed to reset stuck revisions: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+revisionColumns+` FROM graph_revisions WHERE status = $1 ORDER BY created_at ASC`,
		core.RevisionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending revisions: %w", err)
	}
	defer rows.Close()

	var out []*core.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) observe(operation string, start time.Time) {
	s.metrics.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

type postgresTx struct {
	tx    pgx.Tx
	store *PostgresStore
}

var _ core.RevisionTx = (*postgresTx)(nil)

// GetGraphForUpdate reads the graph row under FOR UPDATE; the lock is held
// until the surrounding transaction commits.
func (t *postgresTx) GetGraphForUpdate(ctx context.Context, id uuid.UUID) (*core.Graph, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+graphColumns+` FROM graphs WHERE id = $1 FOR UPDATE`, id)
	return scanGraph(row)
}

func (t *postgresTx) UpdateGraph(ctx context.Context, id uuid.UUID, patch core.GraphPatch) error {
	set := []string{"updated_at = NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Name != nil {
		set = append(set, "name = "+arg(*patch.Name))
	}
	if patch.Description != nil {
		set = append(set, "description = "+arg(*patch.Description))
	}
	if patch.Schema != nil {
		schemaJSON, err := json.Marshal(*patch.Schema)
		if err != nil {
			return fmt.Errorf("marshaling schema: %w", err)
		}
		set = append(set, "schema = "+arg(schemaJSON))
	}
	if patch.Version != nil {
		set = append(set, "version = "+arg(*patch.Version))
	}
	if patch.TargetVersion != nil {
		set = append(set, "target_version = "+arg(*patch.TargetVersion))
	}
	if patch.Status != nil {
		set = append(set, "status = "+arg(*patch.Status))
	}
	if patch.Error != nil {
		set = append(set, "error = "+arg(*patch.Error))
	} else if patch.ClearError {
		set = append(set, "error = NULL")
	}

	query := "UPDATE graphs SET " + joinSet(set) + " WHERE id = " + arg(id)
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update graph: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrGraphNotFound
	}
	return nil
}

func (t *postgresTx) CreateRevision(ctx context.Context, rev *core.Revision) error {
	clientJSON, err := json.Marshal(rev.ClientSchema)
	if err != nil {
		return fmt.Errorf("marshaling client schema: %w", err)
	}
	newJSON, err := json.Marshal(rev.NewSchema)
	if err != nil {
		return fmt.Errorf("marshaling new schema: %w", err)
	}

	query := `
		INSERT INTO graph_revisions (id, graph_id, base_version, to_version, client_schema, new_schema, configuration_diff, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err = t.tx.QueryRow(ctx, query,
		rev.ID, rev.GraphID, rev.BaseVersion, rev.ToVersion,
		clientJSON, newJSON, rev.ConfigurationDiff, rev.Status, rev.CreatedBy,
	).Scan(&rev.CreatedAt, &rev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert revision: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateRevision(ctx context.Context, id uuid.UUID, patch core.RevisionPatch) error {
	set := []string{"updated_at = NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.NewSchema != nil {
		newJSON, err := json.Marshal(*patch.NewSchema)
		if err != nil {
			return fmt.Errorf("marshaling new schema: %w", err)
		}
		set = append(set, "new_schema = "+arg(newJSON))
	}
	if patch.ConfigurationDiff != nil {
		set = append(set, "configuration_diff = "+arg(patch.ConfigurationDiff))
	}
	if patch.Status != nil {
		set = append(set, "status = "+arg(*patch.Status))
	}
	if patch.Error != nil {
		set = append(set, "error = "+arg(*patch.Error))
	}

	query := "UPDATE graph_revisions SET " + joinSet(set) + " WHERE id = " + arg(id)
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update revision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRevisionNotFound
	}
	return nil
}

// GetRevisionAt resolves the schema a version refers to. Failed revisions
// never became a version, so they are skipped; the newest match wins when a
// failed to_version was reassigned.
func (t *postgresTx) GetRevisionAt(ctx context.Context, graphID uuid.UUID, version string) (*core.Revision, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+revisionColumns+` FROM graph_revisions
		WHERE graph_id = $1 AND to_version = $2 AND status != $3
		ORDER BY created_at DESC
		LIMIT 1`,
		graphID, version, core.RevisionStatusFailed)
	return scanRevision(row)
}

func (t *postgresTx) PendingRevisions(ctx context.Context, graphID uuid.UUID) ([]*core.Revision, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+revisionColumns+` FROM graph_revisions
		WHERE graph_id = $1 AND status IN ($2, $3)
		ORDER BY created_at ASC`,
		graphID, core.RevisionStatusPending, core.RevisionStatusApplying)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending revisions: %w", err)
	}
	defer rows.Close()

	var out []*core.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func joinSet(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func scanGraph(row pgx.Row) (*core.Graph, error) {
	g := &core.Graph{}
	var schemaJSON []byte
	err := row.Scan(
		&g.ID, &g.Name, &g.Description, &g.Temporary, &schemaJSON,
		&g.Version, &g.TargetVersion, &g.Status, &g.Error,
		&g.CreatedBy, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrGraphNotFound
		}
		return nil, fmt.Errorf("failed to scan graph: %w", err)
	}
	if err := json.Unmarshal(schemaJSON, &g.Schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	return g, nil
}

func scanRevision(row pgx.Row) (*core.Revision, error) {
	rev := &core.Revision{}
	var clientJSON, newJSON []byte
	err := row.Scan(
		&rev.ID, &rev.GraphID, &rev.BaseVersion, &rev.ToVersion,
		&clientJSON, &newJSON, &rev.ConfigurationDiff,
		&rev.Status, &rev.Error, &rev.CreatedBy, &rev.CreatedAt, &rev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrRevisionNotFound
		}
		return nil, fmt.Errorf("failed to scan revision: %w", err)
	}
	if err := json.Unmarshal(clientJSON, &rev.ClientSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client schema: %w", err)
	}
	if err := json.Unmarshal(newJSON, &rev.NewSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal new schema: %w", err)
	}
	return rev, nil
}
