package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/pkg/metrics"
)

// MemoryQueue is an in-process core.RevisionQueue. Jobs survive only as long
// as the process; everything else matches the durable queue's contract, so
// engine tests exercise the same ordering and retry behaviour.
type MemoryQueue struct {
	cfg     Config
	process core.Processor
	dead    core.DeadHandler
	logger  *slog.Logger
	metrics *metrics.QueueMetrics

	mu      sync.Mutex
	queues  map[uuid.UUID][]core.QueueJob
	active  map[uuid.UUID]bool
	started bool
	ctx     context.Context

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryQueue creates an in-memory queue. The processor and dead handler
// are bound here, once; there is no half-initialized setter state.
func NewMemoryQueue(cfg Config, process core.Processor, dead core.DeadHandler, logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		cfg:     cfg.withDefaults(),
		process: process,
		dead:    dead,
		logger:  logger,
		metrics: metrics.NewQueueMetrics(),
		queues:  make(map[uuid.UUID][]core.QueueJob),
		active:  make(map[uuid.UUID]bool),
		stopCh:  make(chan struct{}),
	}
}

var _ core.RevisionQueue = (*MemoryQueue)(nil)

// Enqueue appends a job to the graph's FIFO and starts a drainer for the
// graph if none is running.
func (q *MemoryQueue) Enqueue(ctx context.Context, graphID, revisionID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queues[graphID] = append(q.queues[graphID], core.QueueJob{
		GraphID:    graphID,
		RevisionID: revisionID,
		Attempt:    1,
	})
	q.metrics.Enqueued.Inc()

	if q.started && !q.active[graphID] {
		q.active[graphID] = true
		q.wg.Add(1)
		go q.drainGraph(graphID)
	}
	return nil
}

// Start begins processing. Jobs enqueued before Start are picked up now.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue already started")
	}
	q.started = true
	q.ctx = ctx

	for graphID := range q.queues {
		if len(q.queues[graphID]) > 0 && !q.active[graphID] {
			q.active[graphID] = true
			q.wg.Add(1)
			go q.drainGraph(graphID)
		}
	}
	return nil
}

// Stop stops processing after in-flight jobs finish.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
	return nil
}

// drainGraph processes the graph's jobs strictly in order; it is the only
// goroutine touching that graph's queue head, which is the per-graph
// concurrency=1 guarantee.
func (q *MemoryQueue) drainGraph(graphID uuid.UUID) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		jobs := q.queues[graphID]
		if len(jobs) == 0 {
			q.active[graphID] = false
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		ctx := q.ctx
		q.mu.Unlock()

		select {
		case <-q.stopCh:
			// The job stays queued; a restarted queue redelivers it.
			q.mu.Lock()
			q.active[graphID] = false
			q.mu.Unlock()
			return
		default:
		}

		q.metrics.Delivered.Inc()
		q.metrics.InFlight.Inc()
		err := q.process(ctx, job)
		q.metrics.InFlight.Dec()

		if err == nil {
			q.popHead(graphID)
			continue
		}

		if q.cfg.giveUp(err, job.Attempt) {
			q.metrics.Dead.Inc()
			q.logger.Warn("giving up on job",
				"graph_id", graphID, "revision_id", job.RevisionID,
				"attempt", job.Attempt, "error", err)
			if q.dead != nil {
				q.dead(ctx, job, err)
			}
			q.popHead(graphID)
			continue
		}

		q.metrics.Retried.Inc()
		q.logger.Warn("job failed, retrying",
			"graph_id", graphID, "revision_id", job.RevisionID,
			"attempt", job.Attempt, "error", err)

		q.mu.Lock()
		if len(q.queues[graphID]) > 0 {
			q.queues[graphID][0].Attempt = job.Attempt + 1
		}
		q.mu.Unlock()

		select {
		case <-q.stopCh:
			q.mu.Lock()
			q.active[graphID] = false
			q.mu.Unlock()
			return
		case <-time.After(q.cfg.delay(job.Attempt)):
		}
	}
}

func (q *MemoryQueue) popHead(graphID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if jobs := q.queues[graphID]; len(jobs) > 0 {
		q.queues[graphID] = jobs[1:]
	}
}
