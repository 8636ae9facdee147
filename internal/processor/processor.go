// Package processor runs one uploaded credit report through download, parse,
// identity checks and underwriting, and records the terminal outcome.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"time"

	"github.com/fundgate/fundgate/internal/blob"
	"github.com/fundgate/fundgate/internal/breaker"
	"github.com/fundgate/fundgate/internal/credit"
	"github.com/fundgate/fundgate/internal/dedupe"
	"github.com/fundgate/fundgate/internal/followup"
	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/parser"
	"github.com/fundgate/fundgate/internal/redirect"
	"github.com/fundgate/fundgate/internal/underwrite"
)

const (
	// MinPDFBytes is the smallest download accepted as a full report.
	MinPDFBytes = 40 << 10
	// DefaultTimeout bounds one Process call end to end.
	DefaultTimeout = 5 * time.Minute

	finalizeTimeout = 30 * time.Second
)

// Blobs reads and deletes uploaded files.
type Blobs interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, urls ...string) error
}

// Followups receives side effects that must not block completion.
type Followups interface {
	Dispatch(t followup.Task)
}

type Config struct {
	Timeout        time.Duration
	MinPDFBytes    int
	VerifyIdentity bool
}

type Processor struct {
	jobs        *job.Store
	blobs       Blobs
	parser      parser.Parser
	underwriter underwrite.Underwriter
	redirects   *redirect.Builder
	dedupe      *dedupe.Index
	followups   Followups
	cfg         Config
	now         func() time.Time
}

type Deps struct {
	Jobs        *job.Store
	Blobs       Blobs
	Parser      parser.Parser
	Underwriter underwrite.Underwriter
	Redirects   *redirect.Builder
	Dedupe      *dedupe.Index
	Followups   Followups
}

func New(d Deps, cfg Config) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinPDFBytes <= 0 {
		cfg.MinPDFBytes = MinPDFBytes
	}
	if d.Underwriter == nil {
		d.Underwriter = underwrite.Default
	}
	return &Processor{
		jobs:        d.Jobs,
		blobs:       d.Blobs,
		parser:      d.Parser,
		underwriter: d.Underwriter,
		redirects:   d.Redirects,
		dedupe:      d.Dedupe,
		followups:   d.Followups,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Process runs jobID against blobURL and returns the job's resulting status.
// Failures are recorded on the job; uploaded blobs are deleted afterwards in
// every case.
func (p *Processor) Process(ctx context.Context, jobID, blobURL string) job.Status {
	start := time.Now()
	log := slog.With("job_id", jobID)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	type outcome struct {
		status job.Status
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		status, err := p.run(ctx, jobID, blobURL)
		done <- outcome{status, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: job.Fail(job.CodeTimeout, ctx.Err())}
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()

	if out.err != nil {
		info := job.Classify(out.err)
		if err := p.jobs.Fail(fctx, jobID, info); err != nil {
			log.Error("failed to record job failure", "code", info.Code, "error", err)
		}
		log.Warn("job failed", "code", info.Code, "error", out.err, "elapsed_ms", time.Since(start).Milliseconds())
		out.status = job.StatusError
	} else {
		log.Info("job finished", "status", out.status, "elapsed_ms", time.Since(start).Milliseconds())
	}

	p.cleanup(fctx, jobID, blobURL)
	return out.status
}

func (p *Processor) run(ctx context.Context, jobID, blobURL string) (job.Status, error) {
	log := slog.With("job_id", jobID)

	j, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return "", job.Fail(job.CodeSystemError, err)
	}
	if j == nil {
		return "", job.Fail(job.CodeJobNotFound, nil)
	}
	if j.Status.IsTerminal() {
		log.Info("skipping job that is already terminal", "status", j.Status)
		return j.Status, nil
	}
	meta := j.Metadata

	p.progress(ctx, jobID, "Downloading file…")
	data, err := p.blobs.Get(ctx, blobURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", job.Fail(job.CodeTimeout, err)
		}
		return "", job.Failf(job.CodeUploadFailed, "We could not read your uploaded file.", err)
	}
	if len(data) < p.cfg.MinPDFBytes {
		return "", job.Fail(job.CodePDFTooSmall, nil)
	}

	p.progress(ctx, jobID, "Analyzing credit report…")
	res, err := p.parser.Parse(ctx, data, path.Base(blob.PathFromURL(blobURL)))
	switch {
	case err == nil:
	case breaker.IsOpen(err):
		return "", job.Failf(job.CodeParseFailed, err.Error(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return "", job.Fail(job.CodeTimeout, err)
	default:
		return "", job.Fail(job.CodeParseFailed, err)
	}
	if !res.OK {
		msg := res.Reason
		if msg == "" {
			msg = job.CodeParseFailed.Message()
		}
		return "", job.Failf(job.CodeParseFailed, msg, nil)
	}

	var parsed credit.Bureaus
	if res.Bureaus != nil {
		parsed = *res.Bureaus
	}
	bureaus, err := credit.Merge(parsed)
	if err != nil {
		var dup *credit.DuplicateBureauError
		if errors.As(err, &dup) {
			return "", job.Fail(job.CodeDuplicateBureau, err)
		}
		return "", job.Fail(job.CodeInvalidPDF, err)
	}

	v, err := credit.Verify(meta.Name, bureaus, credit.VerifyOptions{CheckName: p.cfg.VerifyIdentity, Now: p.now()})
	switch {
	case errors.Is(err, credit.ErrIdentityMismatch):
		return "", job.Fail(job.CodeIdentityMismatch, err)
	case errors.Is(err, credit.ErrReportTooOld):
		return "", job.Fail(job.CodeReportTooOld, err)
	case err != nil:
		return "", job.Fail(job.CodeSystemError, err)
	}
	for _, w := range v.Warnings {
		log.Warn("identity check warning", "warning", w)
	}

	p.progress(ctx, jobID, "Running analysis…")
	verdict := p.underwriter.Underwrite(bureaus, meta.BusinessAgeMonths)
	suggestions := underwrite.Suggest(verdict, underwrite.LLCFacts{HasLLC: meta.HasLLC, LLCAgeMonths: meta.LLCAgeMonths})
	rd := p.redirects.Build(verdict, bureaus, meta.RefID, suggestions)

	// Past the deadline Process has already failed the job with TIMEOUT.
	if err := ctx.Err(); err != nil {
		return "", job.Fail(job.CodeTimeout, err)
	}
	result := job.Result{Redirect: rd, Underwrite: verdict, Bureaus: bureaus, Suggestions: suggestions}
	if err := p.jobs.Complete(ctx, jobID, result); err != nil {
		return "", job.Fail(job.CodeSystemError, err)
	}
	if err := ctx.Err(); err != nil {
		return "", job.Fail(job.CodeTimeout, err)
	}

	if p.followups != nil {
		p.followups.Dispatch(followup.Task{
			JobID:    jobID,
			Metadata: meta,
			Redirect: rd,
			Verdict:  verdict,
			Bureaus:  bureaus,
		})
	}
	if p.dedupe != nil {
		keys := dedupe.KeysFor(meta.Email, meta.Phone, meta.DeviceID, rd.RefID)
		if err := p.dedupe.Store(ctx, keys, rd); err != nil {
			log.Warn("failed to store dedupe record", "error", err)
		}
	}
	return job.StatusComplete, nil
}

func (p *Processor) progress(ctx context.Context, jobID, phrase string) {
	if _, err := p.jobs.UpdateProgress(ctx, jobID, phrase, ""); err != nil {
		slog.Warn("failed to update progress", "job_id", jobID, "progress", phrase, "error", err)
	}
}

// cleanup deletes every blob recorded on the job, including over-admitted
// uploads that were never processed.
func (p *Processor) cleanup(ctx context.Context, jobID, blobURL string) {
	urls := []string{blobURL}
	if j, err := p.jobs.Get(ctx, jobID); err == nil && j != nil {
		for _, u := range j.BlobURLs {
			if u != blobURL {
				urls = append(urls, u)
			}
		}
	}
	if err := p.blobs.Delete(ctx, urls...); err != nil {
		slog.Warn("failed to delete blobs", "job_id", jobID, "count", len(urls), "error", err)
	}
}
