package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fundgate/fundgate/internal/kv"
)

// ErrNotFound is returned by mutations on a job that does not exist or has
// expired.
var ErrNotFound = errors.New("job not found")

// Store persists job records in the shared KV under status-dependent TTLs and
// maintains the email index used to resume active jobs.
//
// Mutations are read-modify-write without transactions. Writes never move a
// job out of a terminal status.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store, now: func() time.Time { return time.Now().UTC() }}
}

// Create writes a pending job and its email index.
func (s *Store) Create(ctx context.Context, id string, meta Metadata) (*Job, error) {
	now := s.now()
	j := &Job{
		ID:        id,
		Status:    StatusPending,
		Progress:  "Waiting for upload",
		Metadata:  meta,
		BlobURLs:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Get returns the job with the given id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	raw, ok, err := s.kv.Get(ctx, kv.JobKey(id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return Unmarshal([]byte(raw))
}

// UpdateProgress records a progress phrase. With a blob URL it appends the
// upload and leaves the status alone; without one it marks a pending or
// queued job as processing. Terminal jobs are returned unchanged, as are
// uploads already recorded or beyond the authorized file count.
func (s *Store) UpdateProgress(ctx context.Context, id, phrase, blobURL string) (*Job, error) {
	j, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return j, nil
	}
	if blobURL != "" {
		if slices.Contains(j.BlobURLs, blobURL) {
			return j, nil
		}
		if len(j.BlobURLs) >= j.FileCount {
			slog.Warn("upload beyond authorized file count ignored", "job_id", id, "file_count", j.FileCount)
			return j, nil
		}
	}
	j.Progress = phrase
	if blobURL != "" {
		j.BlobURLs = append(j.BlobURLs, blobURL)
	} else {
		j.Status = StatusProcessing
	}
	if err := s.put(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// IncrementFileCount bumps the authorized upload count and returns it.
func (s *Store) IncrementFileCount(ctx context.Context, id string) (int, error) {
	j, err := s.mustGet(ctx, id)
	if err != nil {
		return 0, err
	}
	j.FileCount++
	if err := s.put(ctx, j); err != nil {
		return 0, err
	}
	return j.FileCount, nil
}

// MarkQueued moves a pending job to queued. Jobs already past pending are
// returned unchanged.
func (s *Store) MarkQueued(ctx context.Context, id string) (*Job, error) {
	j, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusPending {
		return j, nil
	}
	j.Status = StatusQueued
	j.Progress = "Waiting in queue"
	if err := s.put(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Complete stores the result. It is a no-op on a job that is already terminal.
func (s *Store) Complete(ctx context.Context, id string, result Result) error {
	return s.finish(ctx, id, func(j *Job) {
		j.Status = StatusComplete
		j.Progress = "Complete"
		j.Result = &result
	})
}

// Fail stores the error. It is a no-op on a job that is already terminal.
func (s *Store) Fail(ctx context.Context, id string, info ErrorInfo) error {
	return s.finish(ctx, id, func(j *Job) {
		j.Status = StatusError
		j.Progress = "Failed"
		j.Error = &info
	})
}

func (s *Store) finish(ctx context.Context, id string, apply func(*Job)) error {
	j, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		slog.Debug("job already terminal", "job_id", id, "status", j.Status)
		return nil
	}
	apply(j)
	now := s.now()
	j.CompletedAt = &now
	if err := s.put(ctx, j); err != nil {
		return err
	}
	s.dropEmailIndex(ctx, j)
	return nil
}

// FindActiveByEmail returns the pending, queued or processing job indexed
// under email, or nil.
func (s *Store) FindActiveByEmail(ctx context.Context, email string) (*Job, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	id, ok, err := s.kv.Get(ctx, kv.EmailJobKey(email))
	if err != nil {
		return nil, fmt.Errorf("get email index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	j, err := s.Get(ctx, id)
	if err != nil || j == nil {
		return nil, err
	}
	if !j.Status.IsActive() {
		return nil, nil
	}
	return j, nil
}

func (s *Store) mustGet(ctx context.Context, id string) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

func (s *Store) put(ctx context.Context, j *Job) error {
	j.UpdatedAt = s.now()
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	ttl := j.Status.TTL()
	if err := s.kv.Set(ctx, kv.JobKey(j.ID), string(data), ttl); err != nil {
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	if j.Status.IsActive() && j.Metadata.Email != "" {
		if err := s.kv.Set(ctx, kv.EmailJobKey(j.Metadata.Email), j.ID, ttl); err != nil {
			slog.Warn("failed to refresh email index", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

func (s *Store) dropEmailIndex(ctx context.Context, j *Job) {
	if j.Metadata.Email == "" {
		return
	}
	key := kv.EmailJobKey(j.Metadata.Email)
	current, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok || current != j.ID {
		return
	}
	if err := s.kv.Del(ctx, key); err != nil {
		slog.Warn("failed to delete email index", "job_id", j.ID, "error", err)
	}
}
