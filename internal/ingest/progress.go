// Package ingest runs document ingestion jobs: a bounded worker queue,
// per-source pipelines (PDF, web crawl, agentic, YouTube, raw text) and
// a progress stream per job.
package ingest

import (
	"context"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/cache"
	"github.com/noetic-labs/knowledge-core/internal/observability"
)

// JobState tracks a job through the queue.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// ProgressEvent is one update on a job's progress stream.
type ProgressEvent struct {
	JobID      string         `json:"job_id"`
	State      JobState       `json:"state"`
	Step       string         `json:"step,omitempty"`
	Current    int            `json:"current"`
	Total      int            `json:"total"`
	Percentage float64        `json:"percentage"`
	Message    string         `json:"message,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e ProgressEvent) Terminal() bool {
	return e.State == JobStateCompleted || e.State == JobStateFailed
}

// Mirror publishes progress events beyond the process boundary.
// *cache.RedisClient satisfies it.
type Mirror interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// mirrorTimeout bounds each pub/sub publish so a slow Redis cannot
// stall the job that is reporting.
const mirrorTimeout = 2 * time.Second

// Publisher is the progress stream of one job. Events go to a bounded
// in-process channel and, when a mirror is configured, to the job's
// Redis pub/sub channel. A full channel drops intermediate events; the
// terminal event always lands, evicting buffered events if it must.
// The channel closes after the terminal event.
//
// Publishing is expected from the job's goroutine only; the guard
// against a second terminal event keeps the queue's fallback terminal
// harmless after a pipeline already reported its own.
type Publisher struct {
	jobID  string
	ch     chan ProgressEvent
	mirror Mirror
	logger *observability.Logger
	done   bool
}

// NewPublisher creates the progress stream for one job.
func NewPublisher(jobID string, buffer int, mirror Mirror, logger *observability.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Publisher{
		jobID:  jobID,
		ch:     make(chan ProgressEvent, buffer),
		mirror: mirror,
		logger: logger.WithComponent("ingest.progress"),
	}
}

// JobID returns the owning job's id.
func (p *Publisher) JobID() string { return p.jobID }

// Events returns the receive side of the stream. It closes after the
// terminal event.
func (p *Publisher) Events() <-chan ProgressEvent { return p.ch }

// Queued reports that the job was accepted and is waiting for a worker.
func (p *Publisher) Queued(message string) {
	p.publish(ProgressEvent{State: JobStateQueued, Message: message})
}

// Update reports progress within a step. Percentage is on the job-wide
// 0..100 scale; current/total are step-local.
func (p *Publisher) Update(step string, current, total int, percentage float64, message string, extra map[string]any) {
	p.publish(ProgressEvent{
		State:      JobStateRunning,
		Step:       step,
		Current:    current,
		Total:      total,
		Percentage: percentage,
		Message:    message,
		Extra:      extra,
	})
}

// Done ends the stream successfully.
func (p *Publisher) Done(message string, extra map[string]any) {
	p.publish(ProgressEvent{
		State:      JobStateCompleted,
		Step:       "done",
		Percentage: 100,
		Message:    message,
		Extra:      extra,
	})
}

// Fail ends the stream with an error.
func (p *Publisher) Fail(errMsg string) {
	p.publish(ProgressEvent{
		State:   JobStateFailed,
		Message: errMsg,
		Error:   errMsg,
	})
}

func (p *Publisher) publish(ev ProgressEvent) {
	if p.done {
		return
	}
	ev.JobID = p.jobID

	if ev.Terminal() {
		p.done = true
		p.deliverTerminal(ev)
	} else {
		select {
		case p.ch <- ev:
		default:
			// Slow consumer; a later update carries fresher state anyway.
		}
	}

	if p.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := p.mirror.Publish(ctx, cache.ProgressChannel(p.jobID), ev); err != nil {
			p.logger.Debug().Str("job_id", p.jobID).Err(err).Msg("progress mirror publish failed")
		}
	}
}

// deliverTerminal sends the terminal event even when the buffer is
// full, evicting the oldest buffered events until it fits, then closes
// the stream.
func (p *Publisher) deliverTerminal(ev ProgressEvent) {
	for {
		select {
		case p.ch <- ev:
			close(p.ch)
			return
		default:
		}
		select {
		case <-p.ch:
		default:
		}
	}
}
