// Package queue provides the revision queue implementations: a Redis-backed
// durable queue for production and an in-memory queue for tests.
//
// Both implementations share the contract the engine relies on: FIFO per
// graph, per-graph concurrency of exactly one, at-least-once delivery,
// exponential backoff on recoverable failures and a dead handler invoked
// once when a job is given up on.
package queue

import (
	"math"
	"time"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// Config holds retry and concurrency settings shared by the queue
// implementations.
type Config struct {
	// MaxAttempts is the number of deliveries before a job is given up on.
	MaxAttempts int
	// BackoffBase is the delay before the first redelivery.
	BackoffBase time.Duration
	// BackoffFactor multiplies the delay per subsequent attempt.
	BackoffFactor float64
	// Workers is the number of Redis queue workers and so bounds its
	// cross-graph parallelism. The in-memory queue does not use it: it runs
	// one drainer per graph that has jobs.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// delay returns the backoff before redelivering a job that has failed
// attempt times.
func (c Config) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(c.BackoffBase) * math.Pow(c.BackoffFactor, float64(attempt-1)))
}

// giveUp reports whether a failed delivery ends the job: either the error
// is marked unrecoverable or MaxAttempts deliveries have been made.
func (c Config) giveUp(err error, attempt int) bool {
	return core.IsUnrecoverable(err) || attempt >= c.MaxAttempts
}
