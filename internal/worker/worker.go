// Package worker drains the job queue one bounded tick at a time.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/queue"
)

const (
	MaxJobsPerTick = 2
	TickTimeout    = 55 * time.Second
)

// Processor runs a single job to a terminal status.
type Processor interface {
	Process(ctx context.Context, jobID, blobURL string) job.Status
}

// JobOutcome is the per-job line of a tick summary.
type JobOutcome struct {
	JobID     string     `json:"jobId"`
	Status    job.Status `json:"status"`
	ElapsedMS int64      `json:"elapsed"`
}

// Summary describes one tick.
type Summary struct {
	Processed      int          `json:"processed"`
	Jobs           []JobOutcome `json:"jobs"`
	ElapsedMS      int64        `json:"elapsed"`
	RemainingQueue int64        `json:"remainingQueue"`
}

type Worker struct {
	queue   *queue.Queue
	jobs    *job.Store
	proc    Processor
	maxJobs int
	timeout time.Duration
}

func New(q *queue.Queue, jobs *job.Store, proc Processor) *Worker {
	return &Worker{queue: q, jobs: jobs, proc: proc, maxJobs: MaxJobsPerTick, timeout: TickTimeout}
}

// Tick dequeues and processes up to MaxJobsPerTick jobs within TickTimeout.
// Jobs still running at the deadline are failed with TIMEOUT by the processor.
func (w *Worker) Tick(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{Jobs: []JobOutcome{}}

	n, err := w.queue.Length(ctx)
	if err != nil {
		return sum, err
	}
	if n == 0 {
		return sum, nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	for i := 0; i < w.maxJobs; i++ {
		if time.Since(start) >= w.timeout || ctx.Err() != nil {
			slog.Warn("worker tick out of time", "processed", sum.Processed)
			break
		}
		id, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			return sum, fmt.Errorf("worker dequeue: %w", err)
		}
		if !ok {
			break
		}
		if out, ran := w.runOne(ctx, id); ran {
			sum.Processed++
			sum.Jobs = append(sum.Jobs, out)
		}
	}

	sum.ElapsedMS = time.Since(start).Milliseconds()
	remaining, err := w.queue.Length(context.WithoutCancel(ctx))
	if err != nil {
		slog.Warn("worker: read remaining queue", "error", err)
	}
	sum.RemainingQueue = remaining
	slog.Info("worker tick done", "processed", sum.Processed, "remaining", remaining, "elapsed_ms", sum.ElapsedMS)
	return sum, nil
}

func (w *Worker) runOne(ctx context.Context, id string) (JobOutcome, bool) {
	defer w.queue.Done(context.WithoutCancel(ctx), id)
	log := slog.With("job_id", id)

	owned, err := w.queue.InFlight(ctx, id)
	if err != nil || !owned {
		log.Warn("worker: dequeued job not owned, skipping", "error", err)
		return JobOutcome{}, false
	}
	j, err := w.jobs.Get(ctx, id)
	if err != nil {
		log.Error("worker: load job", "error", err)
		return JobOutcome{}, false
	}
	if j == nil || len(j.BlobURLs) == 0 {
		log.Warn("worker: discarding job without uploads")
		return JobOutcome{}, false
	}

	start := time.Now()
	status := w.proc.Process(ctx, id, j.BlobURLs[0])
	return JobOutcome{JobID: id, Status: status, ElapsedMS: time.Since(start).Milliseconds()}, true
}

// Run ticks every interval until ctx is cancelled. It serves deployments
// without an external scheduler.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	slog.Info("worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker received shutdown signal, stopping")
			return
		case <-t.C:
			if _, err := w.Tick(ctx); err != nil {
				slog.Error("worker tick failed", "error", err)
			}
		}
	}
}
