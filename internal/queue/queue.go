package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/kv"
)

// PerJobEstimate is the wait time quoted per queue position.
const PerJobEstimate = 30 * time.Second

// Admission describes where a job landed in the queue.
type Admission struct {
	Position      int64         `json:"position"`
	QueueLength   int64         `json:"queueLength"`
	EstimatedWait time.Duration `json:"-"`
}

// EstimatedWait returns the quoted wait for a 1-based queue position.
func EstimatedWait(position int64) time.Duration {
	if position < 1 {
		return 0
	}
	return time.Duration(position) * PerJobEstimate
}

// Queue is a FIFO of job ids kept in the shared KV, plus the set of ids a
// worker currently owns.
type Queue struct {
	kv   kv.Store
	jobs *job.Store
}

// New creates a new Queue.
func New(store kv.Store, jobs *job.Store) *Queue {
	return &Queue{kv: store, jobs: jobs}
}

// Enqueue appends id unless it is already waiting or in flight, then marks
// the job queued. A member key taken with SetNX makes admission atomic across
// processes; it is released by Done.
func (q *Queue) Enqueue(ctx context.Context, id string) (Admission, error) {
	admitted, err := q.kv.SetNX(ctx, kv.QueueMemberKey(id), "1", kv.QueueMemberTTL)
	if err != nil {
		return Admission{}, fmt.Errorf("enqueue %s: %w", id, err)
	}
	var pos int64
	if admitted {
		pos, err = q.kv.Push(ctx, kv.QueueKey, id)
		if err != nil {
			_ = q.kv.Del(context.WithoutCancel(ctx), kv.QueueMemberKey(id))
			return Admission{}, fmt.Errorf("enqueue %s: %w", id, err)
		}
		slog.Info("job queued", "job_id", id, "position", pos)
	} else if pos, err = q.Position(ctx, id); err != nil {
		return Admission{}, err
	}
	if _, err := q.jobs.MarkQueued(ctx, id); err != nil {
		slog.Warn("failed to mark job queued", "job_id", id, "error", err)
	}

	length, err := q.Length(ctx)
	if err != nil {
		return Admission{}, err
	}
	return Admission{Position: pos, QueueLength: length, EstimatedWait: EstimatedWait(pos)}, nil
}

// Dequeue pops the head of the queue into the in-flight set.
func (q *Queue) Dequeue(ctx context.Context) (string, bool, error) {
	id, ok, err := q.kv.PopTo(ctx, kv.QueueKey, kv.InFlightKey)
	if err != nil {
		return "", false, fmt.Errorf("dequeue: %w", err)
	}
	return id, ok, nil
}

// Done removes id from the in-flight set and releases its admission. It is
// called whether or not processing succeeded.
func (q *Queue) Done(ctx context.Context, id string) {
	if err := q.kv.SetRemove(ctx, kv.InFlightKey, id); err != nil {
		slog.Warn("failed to clear in-flight job", "job_id", id, "error", err)
	}
	if err := q.kv.Del(ctx, kv.QueueMemberKey(id)); err != nil {
		slog.Warn("failed to release queue admission", "job_id", id, "error", err)
	}
}

func (q *Queue) Length(ctx context.Context) (int64, error) {
	n, err := q.kv.Len(ctx, kv.QueueKey)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Position returns the 1-based position of id, or 0 when it is not waiting.
func (q *Queue) Position(ctx context.Context, id string) (int64, error) {
	idx, err := q.kv.Index(ctx, kv.QueueKey, id)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return idx + 1, nil
}

func (q *Queue) InFlight(ctx context.Context, id string) (bool, error) {
	ok, err := q.kv.SetContains(ctx, kv.InFlightKey, id)
	if err != nil {
		return false, fmt.Errorf("in-flight lookup: %w", err)
	}
	return ok, nil
}

func (q *Queue) InFlightCount(ctx context.Context) (int64, error) {
	n, err := q.kv.SetCard(ctx, kv.InFlightKey)
	if err != nil {
		return 0, fmt.Errorf("in-flight count: %w", err)
	}
	return n, nil
}
