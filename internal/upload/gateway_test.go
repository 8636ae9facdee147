package upload

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundgate/fundgate/internal/blob"
	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/kv"
	"github.com/fundgate/fundgate/internal/queue"
)

type fakeSigner struct {
	issued []blob.ClientTokenOptions
	valid  bool
}

func (f *fakeSigner) GenerateClientToken(opts blob.ClientTokenOptions) (string, error) {
	f.issued = append(f.issued, opts)
	return "client-token", nil
}

func (f *fakeSigner) VerifyCallback(body []byte, signature string) bool { return f.valid }

type fixture struct {
	gw     *Gateway
	jobs   *job.Store
	queue  *queue.Queue
	signer *fakeSigner
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	backend, err := kv.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	jobs := job.NewStore(backend)
	q := queue.New(backend, jobs)
	signer := &fakeSigner{valid: true}
	return fixture{
		gw:     NewGateway(jobs, q, signer, "https://app.example.com/blob-upload"),
		jobs:   jobs,
		queue:  q,
		signer: signer,
	}
}

func tokenRequest(jobID string) blob.GenerateTokenPayload {
	cp, _ := json.Marshal(ClientPayload{JobID: jobID})
	return blob.GenerateTokenPayload{Pathname: "report.pdf", ClientPayload: string(cp)}
}

func codeOf(t *testing.T, err error) job.Code {
	t.Helper()
	var je *job.Error
	require.True(t, errors.As(err, &je), "expected *job.Error, got %v", err)
	return je.Code
}

func TestAuthorize_FourthUploadRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.jobs.Create(ctx, "job_a1", job.Metadata{Email: "a@b.com"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		tok, err := f.gw.Authorize(ctx, tokenRequest("job_a1"))
		require.NoError(t, err)
		assert.Equal(t, "client-token", tok)
	}
	_, err = f.gw.Authorize(ctx, tokenRequest("job_a1"))
	assert.Equal(t, job.CodeMaxFilesExceeded, codeOf(t, err))

	require.Len(t, f.signer.issued, 3)
	last := f.signer.issued[2]
	assert.Equal(t, []string{"application/pdf"}, last.AllowedContentTypes)
	assert.Equal(t, int64(blob.MaxFileSize), last.MaximumSizeInBytes)
	var tp TokenPayload
	require.NoError(t, json.Unmarshal([]byte(last.OnUploadCompleted.TokenPayload), &tp))
	assert.Equal(t, TokenPayload{JobID: "job_a1", FileIndex: 3}, tp)
}

func TestAuthorize_Rejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.gw.Authorize(ctx, blob.GenerateTokenPayload{ClientPayload: "not json"})
	assert.Equal(t, job.CodeValidation, codeOf(t, err))

	_, err = f.gw.Authorize(ctx, tokenRequest("job_missing"))
	assert.Equal(t, job.CodeJobNotFound, codeOf(t, err))
}

func TestComplete_QueuesWhenAllUploadsArrive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.jobs.Create(ctx, "job_c1", job.Metadata{Email: "c@b.com"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := f.gw.Authorize(ctx, tokenRequest("job_c1"))
		require.NoError(t, err)
	}

	done := func(idx int, url string) {
		tp, _ := json.Marshal(TokenPayload{JobID: "job_c1", FileIndex: idx})
		require.NoError(t, f.gw.Complete(ctx, blob.UploadCompletedPayload{
			Blob:         blob.UploadedBlob{URL: url},
			TokenPayload: string(tp),
		}))
	}

	done(1, "https://blob/1.pdf")
	j, _ := f.jobs.Get(ctx, "job_c1")
	assert.Equal(t, job.StatusPending, j.Status)
	n, _ := f.queue.Length(ctx)
	assert.Zero(t, n, "not queued until every authorized upload arrives")

	done(2, "https://blob/2.pdf")
	j, _ = f.jobs.Get(ctx, "job_c1")
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.Equal(t, []string{"https://blob/1.pdf", "https://blob/2.pdf"}, j.BlobURLs)
	pos, _ := f.queue.Position(ctx, "job_c1")
	assert.Equal(t, int64(1), pos)
}

func TestComplete_RepeatedCallbackRecordedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.jobs.Create(ctx, "job_r1", job.Metadata{Email: "r@b.com"})
	require.NoError(t, err)
	_, err = f.gw.Authorize(ctx, tokenRequest("job_r1"))
	require.NoError(t, err)

	tp, _ := json.Marshal(TokenPayload{JobID: "job_r1", FileIndex: 1})
	payload := blob.UploadCompletedPayload{
		Blob:         blob.UploadedBlob{URL: "https://blob.example/report-abc.pdf"},
		TokenPayload: string(tp),
	}
	require.NoError(t, f.gw.Complete(ctx, payload))
	require.NoError(t, f.gw.Complete(ctx, payload))

	j, err := f.jobs.Get(ctx, "job_r1")
	require.NoError(t, err)
	assert.Equal(t, 1, j.FileCount)
	assert.Equal(t, []string{"https://blob.example/report-abc.pdf"}, j.BlobURLs)
	n, _ := f.queue.Length(ctx)
	assert.Equal(t, int64(1), n)

	// A callback for an upload that never reserved a slot is dropped too.
	payload.Blob.URL = "https://blob.example/stray.pdf"
	require.NoError(t, f.gw.Complete(ctx, payload))
	j, _ = f.jobs.Get(ctx, "job_r1")
	assert.Len(t, j.BlobURLs, 1)
}

func TestComplete_UnreadablePayloadIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	assert.NoError(t, f.gw.Complete(context.Background(), blob.UploadCompletedPayload{TokenPayload: "garbage"}))
}

func TestHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.jobs.Create(ctx, "job_h1", job.Metadata{Email: "h@b.com"})
	require.NoError(t, err)

	req := tokenRequest("job_h1")
	payload, _ := json.Marshal(req)
	body, _ := json.Marshal(blob.Event{Type: blob.EventGenerateClientToken, Payload: payload})
	out, err := f.gw.Handle(ctx, body, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"type": blob.EventGenerateClientToken, "clientToken": "client-token"}, out)

	f.signer.valid = false
	tp, _ := json.Marshal(TokenPayload{JobID: "job_h1", FileIndex: 1})
	payload, _ = json.Marshal(blob.UploadCompletedPayload{Blob: blob.UploadedBlob{URL: "https://blob/h.pdf"}, TokenPayload: string(tp)})
	body, _ = json.Marshal(blob.Event{Type: blob.EventUploadCompleted, Payload: payload})
	_, err = f.gw.Handle(ctx, body, "bad")
	assert.ErrorIs(t, err, ErrBadSignature)

	f.signer.valid = true
	out, err = f.gw.Handle(ctx, body, "good")
	require.NoError(t, err)
	assert.Equal(t, "ok", out.(map[string]string)["response"])

	_, err = f.gw.Handle(ctx, []byte(`{"type":"blob.other","payload":{}}`), "")
	assert.Equal(t, job.CodeValidation, codeOf(t, err))
}
