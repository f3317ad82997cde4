package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/pkg/metrics"
)

const (
	keyPrefix  = "graphflow:queue:"
	keyReady   = keyPrefix + "ready"
	keyDelayed = keyPrefix + "delayed"

	readyPollTimeout = time.Second
)

// RedisQueue is a durable core.RevisionQueue on Redis. Each graph owns a
// FIFO list of jobs; a shared ready list carries graph ids with work and a
// delayed sorted set holds graphs backing off after a failure. A job stays
// at its list head until it succeeds or is given up on, so a crash mid-apply
// redelivers it (at-least-once).
//
// Per-graph concurrency=1 is enforced in-process: a single engine instance
// is authoritative per graph, so an in-memory guard suffices.
type RedisQueue struct {
	client  *redis.Client
	cfg     Config
	process core.Processor
	dead    core.DeadHandler
	logger  *slog.Logger
	metrics *metrics.QueueMetrics

	mu      sync.Mutex
	busy    map[string]bool
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type redisJob struct {
	RevisionID uuid.UUID `json:"revision_id"`
	Attempt    int       `json:"attempt"`
}

// NewRedisQueue creates a Redis-backed queue. The processor and dead
// handler are bound here, once.
func NewRedisQueue(client *redis.Client, cfg Config, process core.Processor, dead core.DeadHandler, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:  client,
		cfg:     cfg.withDefaults(),
		process: process,
		dead:    dead,
		logger:  logger,
		metrics: metrics.NewQueueMetrics(),
		busy:    make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

var _ core.RevisionQueue = (*RedisQueue)(nil)

func graphKey(graphID string) string { return keyPrefix + "graph:" + graphID }

// Enqueue appends the job to the graph's list and signals the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, graphID, revisionID uuid.UUID) error {
	payload, err := json.Marshal(redisJob{RevisionID: revisionID, Attempt: 1})
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, graphKey(graphID.String()), payload)
	pipe.LPush(ctx, keyReady, graphID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	q.metrics.Enqueued.Inc()
	return nil
}

// Start launches the worker pool and the delayed-job promoter.
func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue already started")
	}
	q.started = true

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.promoter(ctx)
	return nil
}

// Stop stops the workers after their in-flight jobs finish. Everything else
// stays in Redis for the next start.
func (q *RedisQueue) Stop() error {
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

// worker pops graph ids off the ready list and drains each popped graph's
// list with drainGraph.
func (q *RedisQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		res, err := q.client.BLPop(ctx, readyPollTimeout, keyReady).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			q.logger.Error("ready poll failed", "worker_id", id, "error", err)
			select {
			case <-q.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		graphID := res[1]

		if !q.acquire(graphID) {
			// Another worker is on this graph; its drain loop will pick the
			// remaining jobs up.
			continue
		}
		q.drainGraph(ctx, graphID)
		q.release(graphID)
	}
}

func (q *RedisQueue) acquire(graphID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busy[graphID] {
		return false
	}
	q.busy[graphID] = true
	return true
}

func (q *RedisQueue) release(graphID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, graphID)
}

// drainGraph processes jobs from the graph's list head until it is empty or
// the head is backing off.
func (q *RedisQueue) drainGraph(ctx context.Context, graphID string) {
	gid, err := uuid.Parse(graphID)
	if err != nil {
		q.logger.Error("dropping malformed graph id from ready list", "graph_id", graphID)
		return
	}

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		payload, err := q.client.LIndex(ctx, graphKey(graphID), 0).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.logger.Error("failed to read job", "graph_id", graphID, "error", err)
			}
			return
		}

		var job redisJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Error("dropping malformed job", "graph_id", graphID, "error", err)
			q.client.LPop(ctx, graphKey(graphID))
			continue
		}

		q.metrics.Delivered.Inc()
		q.metrics.InFlight.Inc()
		procErr := q.process(ctx, core.QueueJob{GraphID: gid, RevisionID: job.RevisionID, Attempt: job.Attempt})
		q.metrics.InFlight.Dec()

		if procErr == nil {
			q.client.LPop(ctx, graphKey(graphID))
			continue
		}

		if q.cfg.giveUp(procErr, job.Attempt) {
			q.metrics.Dead.Inc()
			q.logger.Warn("giving up on job",
				"graph_id", graphID, "revision_id", job.RevisionID,
				"attempt", job.Attempt, "error", procErr)
			if q.dead != nil {
				q.dead(ctx, core.QueueJob{GraphID: gid, RevisionID: job.RevisionID, Attempt: job.Attempt}, procErr)
			}
			q.client.LPop(ctx, graphKey(graphID))
			continue
		}

		// Recoverable failure: bump the attempt on the stored head and park
		// the whole graph in the delayed set so FIFO order is preserved.
		q.metrics.Retried.Inc()
		job.Attempt++
		updated, err := json.Marshal(job)
		if err == nil {
			q.client.LSet(ctx, graphKey(graphID), 0, updated)
		}
		readyAt := time.Now().Add(q.cfg.delay(job.Attempt - 1))
		q.client.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: graphID,
		})
		q.logger.Warn("job failed, retrying",
			"graph_id", graphID, "revision_id", job.RevisionID,
			"attempt", job.Attempt-1, "retry_at", readyAt, "error", procErr)
		return
	}
}

// promoter moves graphs whose backoff expired from the delayed set back to
// the ready list.
func (q *RedisQueue) promoter(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
			Min: "-inf", Max: now,
		}).Result()
		if err != nil || len(due) == 0 {
			continue
		}

		for _, graphID := range due {
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, keyDelayed, graphID)
			pipe.LPush(ctx, keyReady, graphID)
			if _, err := pipe.Exec(ctx); err != nil {
				q.logger.Error("failed to promote delayed graph", "graph_id", graphID, "error", err)
			}
		}
	}
}
