package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pasogott/cortana-vision/metrics"
	"github.com/pasogott/cortana-vision/models"
)

// JobHandler processes one claimed job. Returning nil acks the job;
// returning an error nacks it (a FatalError goes straight to failed).
type JobHandler func(ctx context.Context, job *models.Job) error

// Worker polls the queue for one job type and runs a handler per job.
// Several workers of the same type may run in parallel; the queue's
// claim statement is the only coordination between them.
type Worker struct {
	queue        *Queue
	jobType      string
	handler      JobHandler
	pollInterval time.Duration
}

func NewWorker(queue *Queue, jobType string, pollInterval time.Duration, handler JobHandler) *Worker {
	return &Worker{
		queue:        queue,
		jobType:      jobType,
		handler:      handler,
		pollInterval: pollInterval,
	}
}

// Run polls until ctx is cancelled. Cancellation is graceful: the
// current job is finished and acked or nacked before Run returns.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("job_type", w.jobType).Dur("poll_interval", w.pollInterval).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("job_type", w.jobType).Msg("worker stopped")
			return
		default:
		}

		job, err := w.queue.Claim(w.jobType)
		if errors.Is(err, ErrNoJob) {
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval):
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("job_type", w.jobType).Msg("claim failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval):
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	start := time.Now()
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	log.Info().Str("job_id", job.ID).Str("job_type", job.JobType).
		Str("video_id", job.VideoID).Int("retry", job.RetryCount).Msg("processing job")

	if err := w.handler(ctx, job); err != nil {
		metrics.JobsProcessed.WithLabelValues(job.JobType, "error").Inc()
		if nackErr := w.queue.Nack(job.ID, err); nackErr != nil {
			log.Error().Err(nackErr).Str("job_id", job.ID).Msg("nack failed")
		}
		// Advisory backoff: sleep before the next poll so a
		// persistently failing upstream is not hammered.
		delay := w.queue.RetryDelay(job.RetryCount)
		log.Warn().Err(err).Str("job_id", job.ID).Dur("backoff", delay).Msg("job failed")
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		return
	}

	if err := w.queue.Ack(job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("ack failed")
		return
	}

	metrics.JobsProcessed.WithLabelValues(job.JobType, "ok").Inc()
	metrics.JobDuration.WithLabelValues(job.JobType).Observe(time.Since(start).Seconds())
	log.Info().Str("job_id", job.ID).Str("job_type", job.JobType).
		Dur("took", time.Since(start)).Msg("job done")
}
