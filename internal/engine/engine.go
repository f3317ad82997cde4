package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/merge"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
	"github.com/vitaliisemenov/graphflow/internal/core/version"
	"github.com/vitaliisemenov/graphflow/pkg/metrics"
)

const (
	defaultCompileWaitTimeout  = 3 * time.Minute
	defaultCompileWaitInterval = 5 * time.Second
)

// Options configures the engine. The queue is built through BuildQueue so
// its processor is bound exactly once, at construction: the engine hands the
// factory its apply and dead-letter closures and keeps the result.
type Options struct {
	Store      core.RevisionStore
	Templates  core.TemplateRegistry
	BuildQueue func(process core.Processor, dead core.DeadHandler) core.RevisionQueue
	Logger     *slog.Logger
	Metrics    *metrics.EngineMetrics

	// CompileWaitTimeout bounds how long applyRevision waits for an
	// in-flight compile before proceeding regardless.
	CompileWaitTimeout  time.Duration
	CompileWaitInterval time.Duration
}

// Engine is the revision orchestrator and public component surface of the
// live graph revision engine.
type Engine struct {
	store     core.RevisionStore
	queue     core.RevisionQueue
	templates core.TemplateRegistry
	compiler  *Compiler
	executor  *Executor
	registry  *NodeRegistry
	validator *schema.Validator
	merger    *merge.Merger
	arbiter   version.Arbiter
	logger    *slog.Logger
	metrics   *metrics.EngineMetrics

	compileWaitTimeout  time.Duration
	compileWaitInterval time.Duration
}

// New assembles an engine from its collaborators.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("template registry is required")
	}
	if opts.BuildQueue == nil {
		return nil, fmt.Errorf("queue factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewEngineMetrics()
	}

	validator := schema.NewValidator(opts.Templates)
	compiler := NewCompiler(opts.Templates, logger)

	e := &Engine{
		store:               opts.Store,
		templates:           opts.Templates,
		compiler:            compiler,
		executor:            NewExecutor(compiler, logger),
		registry:            NewNodeRegistry(logger),
		validator:           validator,
		merger:              &merge.Merger{Validate: validator.Validate},
		logger:              logger,
		metrics:             m,
		compileWaitTimeout:  opts.CompileWaitTimeout,
		compileWaitInterval: opts.CompileWaitInterval,
	}
	if e.compileWaitTimeout <= 0 {
		e.compileWaitTimeout = defaultCompileWaitTimeout
	}
	if e.compileWaitInterval <= 0 {
		e.compileWaitInterval = defaultCompileWaitInterval
	}

	e.queue = opts.BuildQueue(e.applyJob, e.jobDead)
	return e, nil
}

// Registry exposes the node registry for observers.
func (e *Engine) Registry() *NodeRegistry { return e.registry }

// Start recovers interrupted work and starts the queue worker.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recovering pending revisions: %w", err)
	}
	return e.queue.Start(ctx)
}

// Stop stops the queue worker. The current job finishes; the rest is
// redelivered on the next start.
func (e *Engine) Stop() error {
	return e.queue.Stop()
}

// recover re-enqueues revisions that were Pending or stuck Applying when
// the previous process stopped. applyRevision is re-entrant, so redelivering
// an already-delivered job is safe.
func (e *Engine) recover(ctx context.Context) error {
	revs, err := e.store.ResetStuckRevisions(ctx)
	if err != nil {
		return err
	}
	for _, rev := range revs {
		if err := e.queue.Enqueue(ctx, rev.GraphID, rev.ID); err != nil {
			return fmt.Errorf("re-enqueueing revision %s: %w", rev.ID, err)
		}
		e.logger.Info("re-enqueued interrupted revision",
			"graph_id", rev.GraphID, "revision_id", rev.ID)
	}
	return nil
}
