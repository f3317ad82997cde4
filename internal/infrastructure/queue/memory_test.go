package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// recorder collects processed jobs and scripts per-revision outcomes.
type recorder struct {
	mu        sync.Mutex
	processed []core.QueueJob
	dead      []core.QueueJob
	failures  map[uuid.UUID][]error
	block     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{failures: make(map[uuid.UUID][]error)}
}

func (r *recorder) process(ctx context.Context, job core.QueueJob) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, job)
	if errs := r.failures[job.RevisionID]; len(errs) > 0 {
		err := errs[0]
		r.failures[job.RevisionID] = errs[1:]
		return err
	}
	return nil
}

func (r *recorder) deadHandler(ctx context.Context, job core.QueueJob, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, job)
}

func (r *recorder) processedIDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, len(r.processed))
	for i, j := range r.processed {
		out[i] = j.RevisionID
	}
	return out
}

func (r *recorder) deadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dead)
}

func testConfig() Config {
	return Config{MaxAttempts: 3, BackoffBase: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestMemoryQueueFIFOPerGraph(t *testing.T) {
	rec := newRecorder()
	q := NewMemoryQueue(testConfig(), rec.process, rec.deadHandler, nil)

	graphID := uuid.New()
	ctx := context.Background()
	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		revID := uuid.New()
		want = append(want, revID)
		require.NoError(t, q.Enqueue(ctx, graphID, revID))
	}

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		return len(rec.processedIDs()) == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.processedIDs(), "jobs for one graph process strictly in order")
}

func TestMemoryQueuePerGraphConcurrencyIsOne(t *testing.T) {
	var mu sync.Mutex
	inFlight := make(map[uuid.UUID]int)
	maxInFlight := 0

	process := func(ctx context.Context, job core.QueueJob) error {
		mu.Lock()
		inFlight[job.GraphID]++
		if inFlight[job.GraphID] > maxInFlight {
			maxInFlight = inFlight[job.GraphID]
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight[job.GraphID]--
		mu.Unlock()
		return nil
	}

	q := NewMemoryQueue(testConfig(), process, nil, nil)
	ctx := context.Background()
	graphID := uuid.New()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, graphID, uuid.New()))
	}
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight[graphID] == 0 && maxInFlight >= 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "the same graph never processes two jobs at once")
}

func TestMemoryQueueCrossGraphParallelism(t *testing.T) {
	started := make(chan uuid.UUID, 2)
	release := make(chan struct{})

	process := func(ctx context.Context, job core.QueueJob) error {
		started <- job.GraphID
		<-release
		return nil
	}

	q := NewMemoryQueue(testConfig(), process, nil, nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), uuid.New()))
	require.NoError(t, q.Enqueue(ctx, uuid.New(), uuid.New()))

	// Both graphs start without either finishing: they run in parallel.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs for different graphs did not run concurrently")
		}
	}
	close(release)
}

func TestMemoryQueueRetriesWithBackoffThenSucceeds(t *testing.T) {
	rec := newRecorder()
	revID := uuid.New()
	rec.failures[revID] = []error{assert.AnError, assert.AnError}

	q := NewMemoryQueue(testConfig(), rec.process, rec.deadHandler, nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), revID))

	require.Eventually(t, func() bool {
		return len(rec.processedIDs()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.deadCount(), "job recovered before exhausting attempts")

	rec.mu.Lock()
	attempts := []int{rec.processed[0].Attempt, rec.processed[1].Attempt, rec.processed[2].Attempt}
	rec.mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestMemoryQueueExhaustedRetriesGoToDeadHandler(t *testing.T) {
	rec := newRecorder()
	revID := uuid.New()
	rec.failures[revID] = []error{assert.AnError, assert.AnError, assert.AnError}

	q := NewMemoryQueue(testConfig(), rec.process, rec.deadHandler, nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), revID))

	require.Eventually(t, func() bool {
		return rec.deadCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.processedIDs(), 3, "MaxAttempts deliveries before giving up")
}

func TestMemoryQueueUnrecoverableSkipsRetries(t *testing.T) {
	rec := newRecorder()
	revID := uuid.New()
	rec.failures[revID] = []error{core.Unrecoverable(assert.AnError)}

	q := NewMemoryQueue(testConfig(), rec.process, rec.deadHandler, nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.NoError(t, q.Enqueue(ctx, uuid.New(), revID))

	require.Eventually(t, func() bool {
		return rec.deadCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.processedIDs(), 1, "unrecoverable errors are never retried")
}

func TestMemoryQueueLaterJobsProceedAfterDeadJob(t *testing.T) {
	rec := newRecorder()
	badRev := uuid.New()
	goodRev := uuid.New()
	rec.failures[badRev] = []error{core.Unrecoverable(assert.AnError)}

	q := NewMemoryQueue(testConfig(), rec.process, rec.deadHandler, nil)
	ctx := context.Background()
	graphID := uuid.New()
	require.NoError(t, q.Enqueue(ctx, graphID, badRev))
	require.NoError(t, q.Enqueue(ctx, graphID, goodRev))
	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	require.Eventually(t, func() bool {
		ids := rec.processedIDs()
		return len(ids) == 2 && ids[1] == goodRev
	}, 2*time.Second, 5*time.Millisecond)
}
