// Package upload authorizes client-direct blob uploads against a job and
// records them once the blob store confirms completion.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fundgate/fundgate/internal/blob"
	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/queue"
)

// Signer issues client tokens and verifies upload callbacks.
type Signer interface {
	GenerateClientToken(opts blob.ClientTokenOptions) (string, error)
	VerifyCallback(body []byte, signature string) bool
}

// ClientPayload is the opaque string the browser attaches to a token request.
type ClientPayload struct {
	JobID string `json:"jobId"`
}

// TokenPayload is embedded in the client token and echoed back on completion.
type TokenPayload struct {
	JobID     string `json:"jobId"`
	FileIndex int    `json:"fileIndex"`
}

// ErrBadSignature is returned for upload callbacks that fail verification.
var ErrBadSignature = errors.New("invalid upload callback signature")

type Gateway struct {
	jobs        *job.Store
	queue       *queue.Queue
	signer      Signer
	callbackURL string
}

func NewGateway(jobs *job.Store, q *queue.Queue, signer Signer, callbackURL string) *Gateway {
	return &Gateway{jobs: jobs, queue: q, signer: signer, callbackURL: callbackURL}
}

// Authorize checks the job named in the client payload, reserves a file
// slot and returns a client token restricted to PDFs under the size limit.
func (g *Gateway) Authorize(ctx context.Context, p blob.GenerateTokenPayload) (string, error) {
	var cp ClientPayload
	if err := json.Unmarshal([]byte(p.ClientPayload), &cp); err != nil || !job.ValidID(cp.JobID) {
		return "", job.Failf(job.CodeValidation, "Upload request is missing a valid job id.", err)
	}

	j, err := g.jobs.Get(ctx, cp.JobID)
	if err != nil {
		return "", job.Fail(job.CodeSystemError, err)
	}
	if j == nil || j.Status.IsTerminal() {
		return "", job.Fail(job.CodeJobNotFound, nil)
	}
	if j.FileCount >= job.MaxFilesPerJob {
		return "", job.Fail(job.CodeMaxFilesExceeded, nil)
	}

	n, err := g.jobs.IncrementFileCount(ctx, cp.JobID)
	if err != nil {
		return "", job.Fail(job.CodeSystemError, err)
	}
	if n > job.MaxFilesPerJob {
		return "", job.Fail(job.CodeMaxFilesExceeded, nil)
	}

	tp, err := json.Marshal(TokenPayload{JobID: cp.JobID, FileIndex: n})
	if err != nil {
		return "", job.Fail(job.CodeSystemError, err)
	}
	opts := blob.ClientTokenOptions{
		Pathname:            p.Pathname,
		AllowedContentTypes: []string{"application/pdf"},
		MaximumSizeInBytes:  blob.MaxFileSize,
		AddRandomSuffix:     true,
	}
	opts.SetCallback(g.callbackURL, string(tp))

	token, err := g.signer.GenerateClientToken(opts)
	if err != nil {
		return "", job.Fail(job.CodeUploadFailed, err)
	}
	slog.Info("upload authorized", "job_id", cp.JobID, "file_index", n)
	return token, nil
}

// Complete records an uploaded blob and queues the job once every authorized
// upload has arrived. An unreadable token payload is logged and dropped.
func (g *Gateway) Complete(ctx context.Context, p blob.UploadCompletedPayload) error {
	var tp TokenPayload
	if err := json.Unmarshal([]byte(p.TokenPayload), &tp); err != nil || tp.JobID == "" {
		slog.Warn("upload callback with unreadable token payload", "url", p.Blob.URL, "error", err)
		return nil
	}

	j, err := g.jobs.UpdateProgress(ctx, tp.JobID, "Upload complete…", p.Blob.URL)
	if err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	slog.Info("upload recorded", "job_id", tp.JobID, "file_index", tp.FileIndex, "uploaded", len(j.BlobURLs), "authorized", j.FileCount)

	if j.Status == job.StatusPending && len(j.BlobURLs) >= j.FileCount {
		if _, err := g.queue.Enqueue(ctx, tp.JobID); err != nil {
			return fmt.Errorf("queue job: %w", err)
		}
	}
	return nil
}

// Handle dispatches a raw blob store event and returns the response body.
func (g *Gateway) Handle(ctx context.Context, body []byte, signature string) (any, error) {
	var ev blob.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, job.Fail(job.CodeInvalidJSON, err)
	}

	switch ev.Type {
	case blob.EventGenerateClientToken:
		var p blob.GenerateTokenPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, job.Fail(job.CodeInvalidJSON, err)
		}
		token, err := g.Authorize(ctx, p)
		if err != nil {
			return nil, err
		}
		return map[string]string{"type": ev.Type, "clientToken": token}, nil

	case blob.EventUploadCompleted:
		if !g.signer.VerifyCallback(body, signature) {
			return nil, ErrBadSignature
		}
		var p blob.UploadCompletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, job.Fail(job.CodeInvalidJSON, err)
		}
		if err := g.Complete(ctx, p); err != nil {
			return nil, job.Fail(job.CodeUploadFailed, err)
		}
		return map[string]string{"type": ev.Type, "response": "ok"}, nil

	default:
		return nil, job.Failf(job.CodeValidation, fmt.Sprintf("Unknown upload event %q.", ev.Type), nil)
	}
}
