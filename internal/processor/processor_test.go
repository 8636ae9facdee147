package processor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundgate/fundgate/internal/breaker"
	"github.com/fundgate/fundgate/internal/credit"
	"github.com/fundgate/fundgate/internal/dedupe"
	"github.com/fundgate/fundgate/internal/followup"
	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/kv"
	"github.com/fundgate/fundgate/internal/parser"
	"github.com/fundgate/fundgate/internal/redirect"
)

type memBlobs struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
}

func (m *memBlobs) Get(_ context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[url]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (m *memBlobs) Delete(_ context.Context, urls ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, urls...)
	return nil
}

func (m *memBlobs) deletedURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

type recordingFollowups struct {
	mu    sync.Mutex
	tasks []followup.Task
}

func (r *recordingFollowups) Dispatch(t followup.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

func (r *recordingFollowups) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

type fixture struct {
	proc      *Processor
	jobs      *job.Store
	blobs     *memBlobs
	dedupe    *dedupe.Index
	followups *recordingFollowups
}

func newFixture(t *testing.T, p parser.Parser, cfg Config) fixture {
	t.Helper()
	backend, err := kv.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	f := fixture{
		jobs:      job.NewStore(backend),
		blobs:     &memBlobs{files: map[string][]byte{}},
		dedupe:    dedupe.NewIndex(backend),
		followups: &recordingFollowups{},
	}
	f.proc = New(Deps{
		Jobs:      f.jobs,
		Blobs:     f.blobs,
		Parser:    p,
		Redirects: redirect.NewBuilder(redirect.Config{BaseURL: "https://app.example.com"}),
		Dedupe:    f.dedupe,
		Followups: f.followups,
	}, cfg)
	return f
}

// seed creates a queued job with one uploaded blob of the given size.
func (f fixture) seed(t *testing.T, id string, meta job.Metadata, size int) string {
	t.Helper()
	ctx := context.Background()
	url := "https://blob.example.com/" + id + ".pdf"
	f.blobs.files[url] = bytes.Repeat([]byte("x"), size)
	_, err := f.jobs.Create(ctx, id, meta)
	require.NoError(t, err)
	_, err = f.jobs.IncrementFileCount(ctx, id)
	require.NoError(t, err)
	_, err = f.jobs.UpdateProgress(ctx, id, "Upload complete…", url)
	require.NoError(t, err)
	_, err = f.jobs.MarkQueued(ctx, id)
	require.NoError(t, err)
	return url
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

func reportParser(b credit.Bureaus) parser.Func {
	return func(ctx context.Context, pdf []byte, filename string) (credit.ParseResult, error) {
		return credit.ParseResult{OK: true, Bureaus: &b}, nil
	}
}

func johnDoe(score int) credit.Bureaus {
	return credit.Bureaus{Experian: &credit.Bureau{
		Score:          score,
		UtilizationPct: 25,
		Names:          []string{"JOHN DOE"},
		ReportDate:     today(),
	}}
}

func mustGet(t *testing.T, f fixture, id string) *job.Job {
	t.Helper()
	j, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestProcess_HappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reportParser(johnDoe(720)), Config{VerifyIdentity: true})
	meta := job.Metadata{Email: "a@b.com", Phone: "5551112222", Name: "John Doe", DeviceID: "dev-1"}
	url := f.seed(t, "job_happy", meta, 60<<10)

	status := f.proc.Process(context.Background(), "job_happy", url)

	assert.Equal(t, job.StatusComplete, status)
	j := mustGet(t, f, "job_happy")
	require.Equal(t, job.StatusComplete, j.Status)
	require.NotNil(t, j.Result)
	assert.Equal(t, redirect.PathFunding, j.Result.Redirect.Path)
	assert.True(t, j.Result.Underwrite.Fundable)
	assert.NotEmpty(t, j.Result.Redirect.RefID)
	assert.NotNil(t, j.CompletedAt)

	assert.Equal(t, []string{url}, f.blobs.deletedURLs())
	require.Len(t, f.followups.tasks, 1)
	assert.Equal(t, "job_happy", f.followups.tasks[0].JobID)

	rec, err := f.dedupe.Check(context.Background(), dedupe.KeysFor("a@b.com", "5551112222", "", ""))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, redirect.PathFunding, rec.Redirect.Path)

	rec, err = f.dedupe.LookupByRef(context.Background(), j.Result.Redirect.RefID)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestProcess_PDFSizeBoundary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reportParser(johnDoe(720)), Config{})

	small := f.seed(t, "job_small", job.Metadata{Email: "s@b.com"}, MinPDFBytes-1)
	assert.Equal(t, job.StatusError, f.proc.Process(context.Background(), "job_small", small))
	assert.Equal(t, job.CodePDFTooSmall, mustGet(t, f, "job_small").Error.Code)

	exact := f.seed(t, "job_exact", job.Metadata{Email: "e@b.com"}, MinPDFBytes)
	assert.Equal(t, job.StatusComplete, f.proc.Process(context.Background(), "job_exact", exact))
}

func TestProcess_IdentityMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reportParser(johnDoe(720)), Config{VerifyIdentity: true})
	url := f.seed(t, "job_id", job.Metadata{Email: "j@b.com", Name: "Jane Smith"}, 60<<10)

	assert.Equal(t, job.StatusError, f.proc.Process(context.Background(), "job_id", url))
	j := mustGet(t, f, "job_id")
	assert.Equal(t, job.CodeIdentityMismatch, j.Error.Code)
	assert.Nil(t, j.Result)
	assert.Empty(t, f.followups.tasks)
	assert.Equal(t, []string{url}, f.blobs.deletedURLs())
}

func TestProcess_IdentityCheckDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reportParser(johnDoe(720)), Config{VerifyIdentity: false})
	url := f.seed(t, "job_noid", job.Metadata{Email: "j@b.com", Name: "Jane Smith"}, 60<<10)
	assert.Equal(t, job.StatusComplete, f.proc.Process(context.Background(), "job_noid", url))
}

func TestProcess_ReportTooOld(t *testing.T) {
	t.Parallel()
	b := johnDoe(720)
	b.Experian.ReportDate = time.Now().UTC().AddDate(0, 0, -31).Format("2006-01-02")
	f := newFixture(t, reportParser(b), Config{VerifyIdentity: true})
	url := f.seed(t, "job_old", job.Metadata{Email: "o@b.com", Name: "John Doe"}, 60<<10)

	f.proc.Process(context.Background(), "job_old", url)
	assert.Equal(t, job.CodeReportTooOld, mustGet(t, f, "job_old").Error.Code)
}

func TestProcess_ParserOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		parser  parser.Func
		code    job.Code
		message string
	}{
		{
			name: "rejected document",
			parser: func(context.Context, []byte, string) (credit.ParseResult, error) {
				return credit.ParseResult{OK: false, Reason: "This is not a credit report."}, nil
			},
			code:    job.CodeParseFailed,
			message: "This is not a credit report.",
		},
		{
			name: "upstream error",
			parser: func(context.Context, []byte, string) (credit.ParseResult, error) {
				return credit.ParseResult{}, &parser.StatusError{Code: 502}
			},
			code:    job.CodeParseFailed,
			message: job.CodeParseFailed.Message(),
		},
		{
			name: "no bureau slots",
			parser: func(context.Context, []byte, string) (credit.ParseResult, error) {
				return credit.ParseResult{OK: true, Bureaus: &credit.Bureaus{}}, nil
			},
			code:    job.CodeInvalidPDF,
			message: job.CodeInvalidPDF.Message(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.parser, Config{})
			url := f.seed(t, "job_p", job.Metadata{Email: "p@b.com"}, 60<<10)

			assert.Equal(t, job.StatusError, f.proc.Process(context.Background(), "job_p", url))
			j := mustGet(t, f, "job_p")
			assert.Equal(t, tt.code, j.Error.Code)
			assert.Equal(t, tt.message, j.Error.Message)
		})
	}
}

func TestProcess_BreakerOutage(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	inner := parser.Func(func(context.Context, []byte, string) (credit.ParseResult, error) {
		calls.Add(1)
		return credit.ParseResult{}, &parser.StatusError{Code: 503}
	})
	guarded := parser.NewGuarded(inner, breaker.New("parser", 3, 30*time.Second))
	f := newFixture(t, guarded, Config{})

	for _, id := range []string{"job_o1", "job_o2", "job_o3", "job_o4"} {
		url := f.seed(t, id, job.Metadata{Email: id + "@b.com"}, 60<<10)
		f.proc.Process(context.Background(), id, url)
		assert.Equal(t, job.CodeParseFailed, mustGet(t, f, id).Error.Code)
	}

	assert.Equal(t, int32(3), calls.Load(), "fourth job must not reach the parser")
	assert.Contains(t, mustGet(t, f, "job_o4").Error.Message, "try again in")
}

func TestProcess_Timeout(t *testing.T) {
	t.Parallel()
	slow := parser.Func(func(context.Context, []byte, string) (credit.ParseResult, error) {
		time.Sleep(500 * time.Millisecond)
		return credit.ParseResult{OK: true, Bureaus: &credit.Bureaus{Experian: &credit.Bureau{Score: 720}}}, nil
	})
	f := newFixture(t, slow, Config{Timeout: 50 * time.Millisecond})
	url := f.seed(t, "job_slow", job.Metadata{Email: "slow@b.com"}, 60<<10)

	start := time.Now()
	status := f.proc.Process(context.Background(), "job_slow", url)

	assert.Equal(t, job.StatusError, status)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, job.CodeTimeout, mustGet(t, f, "job_slow").Error.Code)
	assert.Equal(t, []string{url}, f.blobs.deletedURLs())

	// The abandoned run must not overwrite the terminal error or hand the
	// verdict to the CRM and dedupe index.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, job.StatusError, mustGet(t, f, "job_slow").Status)
	assert.Zero(t, f.followups.count())
	rec, err := f.dedupe.Check(context.Background(), dedupe.KeysFor("slow@b.com", "", "", ""))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestProcess_MissingJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reportParser(johnDoe(720)), Config{})
	assert.Equal(t, job.StatusError, f.proc.Process(context.Background(), "job_gone", "https://blob.example.com/x.pdf"))
	assert.Equal(t, []string{"https://blob.example.com/x.pdf"}, f.blobs.deletedURLs())
}

func TestProcess_DeletesEveryUpload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, reportParser(johnDoe(720)), Config{})
	url := f.seed(t, "job_many", job.Metadata{Email: "m@b.com"}, 60<<10)
	_, err := f.jobs.IncrementFileCount(context.Background(), "job_many")
	require.NoError(t, err)
	_, err = f.jobs.UpdateProgress(context.Background(), "job_many", "Upload complete…", "https://blob.example.com/extra.pdf")
	require.NoError(t, err)

	f.proc.Process(context.Background(), "job_many", url)
	assert.ElementsMatch(t, []string{url, "https://blob.example.com/extra.pdf"}, f.blobs.deletedURLs())
}
