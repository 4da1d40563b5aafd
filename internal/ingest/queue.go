package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/observability"
)

// Job is one unit of queued work. It reports through the publisher and
// returns an error to fail the job. A job may publish its own terminal
// event with result extras; otherwise the queue publishes one from the
// returned error.
type Job func(ctx context.Context, progress *Publisher) error

// handleRetention keeps a finished job's progress stream subscribable
// for late pollers before the handle is dropped.
const handleRetention = 5 * time.Minute

type jobHandle struct {
	publisher *Publisher
	cancel    context.CancelFunc
}

// Queue runs ingestion jobs on a bounded worker pool. Each job gets a
// uuid, a cancellable context and a progress stream keyed by that id.
type Queue struct {
	sem    *semaphore.Weighted
	mirror Mirror
	logger *observability.Logger
	buffer int

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*jobHandle
}

// NewQueue creates a queue sized by the ingestion config.
func NewQueue(cfg config.IngestionConfig, mirror Mirror, logger *observability.Logger) *Queue {
	workers := cfg.MaxConcurrentJobs
	if workers <= 0 {
		workers = 2
	}
	buffer := cfg.ProgressBufferSize
	if logger == nil {
		logger = observability.NopLogger()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Queue{
		sem:     semaphore.NewWeighted(int64(workers)),
		mirror:  mirror,
		logger:  logger.WithComponent("ingest.queue"),
		buffer:  buffer,
		baseCtx: baseCtx,
		stop:    stop,
		jobs:    make(map[string]*jobHandle),
	}
}

// Enqueue admits a job and returns its id. The job starts as soon as a
// worker slot frees up; its stream is readable via Progress right away.
func (q *Queue) Enqueue(name string, job Job) string {
	jobID := uuid.NewString()
	jobCtx, cancel := context.WithCancel(q.baseCtx)
	publisher := NewPublisher(jobID, q.buffer, q.mirror, q.logger)

	q.mu.Lock()
	q.jobs[jobID] = &jobHandle{publisher: publisher, cancel: cancel}
	q.mu.Unlock()

	publisher.Queued("queued: " + name)
	q.logger.Info().Str("job_id", jobID).Str("job", name).Msg("job enqueued")

	q.wg.Add(1)
	go q.run(jobCtx, cancel, jobID, name, job, publisher)
	return jobID
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, jobID, name string, job Job, publisher *Publisher) {
	defer q.wg.Done()
	defer q.release(jobID)
	defer cancel()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		publisher.Fail(failureMessage(err))
		return
	}
	defer q.sem.Release(1)

	start := time.Now()
	if err := job(ctx, publisher); err != nil {
		publisher.Fail(failureMessage(err))
		q.logger.Error().Str("job_id", jobID).Str("job", name).Err(err).Msg("job failed")
		return
	}

	publisher.Done("completed", nil)
	q.logger.Info().
		Str("job_id", jobID).
		Str("job", name).
		Dur("took", time.Since(start)).
		Msg("job completed")
}

// failureMessage maps cancellation onto the stable "cancelled" marker
// so callers and stored error messages agree on the spelling.
func failureMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}

// release drops the job handle after a grace period so late subscribers
// can still read the closed stream.
func (q *Queue) release(jobID string) {
	time.AfterFunc(handleRetention, func() {
		q.mu.Lock()
		delete(q.jobs, jobID)
		q.mu.Unlock()
	})
}

// Progress returns the job's event stream; ok is false for unknown or
// long-finished ids.
func (q *Queue) Progress(jobID string) (<-chan ProgressEvent, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	return h.publisher.Events(), true
}

// Cancel asks a job to stop. Cancellation is cooperative: the job
// observes its context at the next suspension point and fails with
// "cancelled". Unknown ids return false.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.RLock()
	h, ok := q.jobs[jobID]
	q.mu.RUnlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Shutdown waits for in-flight jobs up to ctx's deadline, then cancels
// whatever is still running.
func (q *Queue) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.stop()
		return nil
	case <-ctx.Done():
		q.stop()
		return ctx.Err()
	}
}
