package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fundgate/fundgate/internal/blob"
	"github.com/fundgate/fundgate/internal/breaker"
	"github.com/fundgate/fundgate/internal/dedupe"
	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/kv"
	"github.com/fundgate/fundgate/internal/lock"
	"github.com/fundgate/fundgate/internal/queue"
	"github.com/fundgate/fundgate/internal/upload"
	"github.com/fundgate/fundgate/internal/worker"
)

const (
	maxBodyBytes      = 1 << 20
	cronUserAgent     = "vercel-cron/"
	healthPingTimeout = 2 * time.Second
)

// Ticker runs one worker pass.
type Ticker interface {
	Tick(ctx context.Context) (worker.Summary, error)
}

// UploadEvents handles raw blob store callbacks.
type UploadEvents interface {
	Handle(ctx context.Context, body []byte, signature string) (any, error)
}

// BlobDeleter removes uploads that will never be processed.
type BlobDeleter interface {
	Delete(ctx context.Context, urls ...string) error
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	KV      kv.Store
	Jobs    *job.Store
	Queue   *queue.Queue
	Dedupe  *dedupe.Index
	Locker  *lock.Locker
	Uploads UploadEvents
	Blobs   BlobDeleter
	Worker  Ticker
	Breaker *breaker.Breaker
}

// Options tune request admission.
type Options struct {
	CronSecret     string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	Deps
	opts Options
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(d Deps, opts Options) *Handler {
	return &Handler{Deps: d, opts: opts}
}

// RegisterRoutes registers all API routes on mux. Methods are checked inside
// each handler so that mismatches get a JSON body.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/upload-token", RateLimit(h.opts.RateLimitRPS, h.opts.RateLimitBurst)(http.HandlerFunc(h.UploadToken)))
	mux.HandleFunc("/blob-upload", h.BlobUpload)
	mux.HandleFunc("/start-processing", h.StartProcessing)
	mux.HandleFunc("/job-status", h.JobStatus)
	mux.HandleFunc("/process-worker", h.ProcessWorker)
	mux.HandleFunc("/result", h.Result)
	mux.HandleFunc("/health", h.Health)
}

// UploadToken handles POST /upload-token. It short-circuits on a dedupe hit,
// resumes an active job for the same email, or creates a new one.
func (h *Handler) UploadToken(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var meta job.Metadata
	if !decodeJSON(w, r, &meta) {
		return
	}
	meta.Sanitize()
	if meta.Email == "" {
		writeFailure(w, http.StatusOK, job.CodeEmailRequired, "")
		return
	}
	ctx := r.Context()
	log := slog.With("req_id", RequestIDFrom(ctx))

	if !meta.ForceReprocess && h.Dedupe != nil {
		rec, err := h.Dedupe.Check(ctx, dedupe.KeysFor(meta.Email, meta.Phone, meta.DeviceID, meta.RefID))
		if err != nil {
			log.Warn("dedupe check failed", "error", err)
		}
		if rec != nil {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deduped": true, "redirect": rec.Redirect})
			return
		}
	}

	active, err := h.Jobs.FindActiveByEmail(ctx, meta.Email)
	if err != nil {
		log.Warn("active job lookup failed", "error", err)
	}
	if active != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": active.ID, "resumed": true, "status": active.Status})
		return
	}

	acquired, err := h.Locker.Acquire(ctx, meta.Email)
	if err != nil {
		log.Error("upload lock failed", "error", err)
		writeFailure(w, http.StatusOK, job.CodeJobCreateFailed, "")
		return
	}
	if !acquired {
		writeFailure(w, http.StatusOK, job.CodeConcurrentUpload, "")
		return
	}
	defer h.Locker.Release(context.WithoutCancel(ctx), meta.Email)

	id := job.NewID()
	if _, err := h.Jobs.Create(ctx, id, meta); err != nil {
		log.Error("job create failed", "error", err)
		writeFailure(w, http.StatusOK, job.CodeJobCreateFailed, "")
		return
	}
	log.Info("job created", "job_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": id, "resumed": false})
}

// BlobUpload handles the blob store's token and completion callbacks.
func (h *Handler) BlobUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, job.CodeInvalidJSON, "")
		return
	}

	out, err := h.Uploads.Handle(r.Context(), body, r.Header.Get(blob.SignatureHeader))
	if err != nil {
		if errors.Is(err, upload.ErrBadSignature) {
			writeFailure(w, http.StatusUnauthorized, job.CodeUnauthorized, "")
			return
		}
		slog.Warn("blob upload callback rejected", "req_id", RequestIDFrom(r.Context()), "error", err)
		info := job.Classify(err)
		writeFailure(w, http.StatusBadRequest, info.Code, info.Message)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type startRequest struct {
	JobID string `json:"jobId"`
}

// StartProcessing handles POST /start-processing. Calls for a job that is
// already queued or further along return its current state.
func (h *Handler) StartProcessing(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !job.ValidID(req.JobID) {
		writeFailure(w, http.StatusBadRequest, job.CodeInvalidJobID, "")
		return
	}
	ctx := r.Context()
	log := slog.With("req_id", RequestIDFrom(ctx), "job_id", req.JobID)

	j, err := h.Jobs.Get(ctx, req.JobID)
	if err != nil {
		log.Error("job lookup failed", "error", err)
		writeFailure(w, http.StatusOK, job.CodeProcessingInitFailed, "")
		return
	}
	if j == nil {
		writeFailure(w, http.StatusOK, job.CodeJobNotFound, "")
		return
	}
	if j.Status != job.StatusPending {
		h.writeProjection(w, r, j)
		return
	}
	if len(j.BlobURLs) == 0 {
		writeFailure(w, http.StatusOK, job.CodeNoFiles, "")
		return
	}

	if !j.Metadata.ForceReprocess && h.Dedupe != nil {
		m := j.Metadata
		rec, err := h.Dedupe.Check(ctx, dedupe.KeysFor(m.Email, m.Phone, m.DeviceID, m.RefID))
		if err != nil {
			log.Warn("dedupe check failed", "error", err)
		}
		if rec != nil {
			if err := h.Jobs.Complete(ctx, j.ID, job.Result{Redirect: rec.Redirect}); err != nil {
				log.Warn("failed to complete deduped job", "error", err)
			}
			if h.Blobs != nil {
				if err := h.Blobs.Delete(ctx, j.BlobURLs...); err != nil {
					log.Warn("failed to delete deduped uploads", "error", err)
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"ok": true, "status": job.StatusComplete, "deduped": true, "redirect": rec.Redirect,
			})
			return
		}
	}

	adm, err := h.Queue.Enqueue(ctx, j.ID)
	if err != nil {
		log.Error("enqueue failed", "error", err)
		writeFailure(w, http.StatusOK, job.CodeProcessingInitFailed, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"status":        job.StatusQueued,
		"position":      adm.Position,
		"queueLength":   adm.QueueLength,
		"estimatedWait": int(adm.EstimatedWait.Seconds()),
	})
}

// JobStatus handles GET /job-status?jobId=.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("jobId")
	if !job.ValidID(id) {
		writeFailure(w, http.StatusBadRequest, job.CodeInvalidJobID, "")
		return
	}
	j, err := h.Jobs.Get(r.Context(), id)
	if err != nil {
		slog.Error("job lookup failed", "req_id", RequestIDFrom(r.Context()), "job_id", id, "error", err)
		writeFailure(w, http.StatusInternalServerError, job.CodeSystemError, "")
		return
	}
	if j == nil {
		writeFailure(w, http.StatusNotFound, job.CodeJobNotFound, "")
		return
	}
	h.writeProjection(w, r, j)
}

// writeProjection renders the status-dependent view of a job.
func (h *Handler) writeProjection(w http.ResponseWriter, r *http.Request, j *job.Job) {
	resp := map[string]any{
		"ok":        true,
		"jobId":     j.ID,
		"status":    j.Status,
		"createdAt": j.CreatedAt,
		"updatedAt": j.UpdatedAt,
	}
	if j.Progress != "" {
		resp["progress"] = j.Progress
	}
	switch j.Status {
	case job.StatusComplete:
		resp["result"] = j.Result
		resp["completedAt"] = j.CompletedAt
	case job.StatusError:
		resp["error"] = j.Error
		resp["completedAt"] = j.CompletedAt
	case job.StatusQueued:
		ctx := r.Context()
		pos, err := h.Queue.Position(ctx, j.ID)
		if err != nil {
			slog.Warn("queue position lookup failed", "job_id", j.ID, "error", err)
		}
		length, err := h.Queue.Length(ctx)
		if err != nil {
			slog.Warn("queue length lookup failed", "job_id", j.ID, "error", err)
		}
		resp["position"] = pos
		resp["queueLength"] = length
		resp["estimatedWait"] = int(queue.EstimatedWait(pos).Seconds())
	default:
		resp["fileCount"] = j.FileCount
		resp["uploadedFiles"] = len(j.BlobURLs)
	}
	writeJSON(w, http.StatusOK, resp)
}

type tickResponse struct {
	OK bool `json:"ok"`
	worker.Summary
}

// ProcessWorker handles the scheduler tick.
func (h *Handler) ProcessWorker(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if !h.cronAuthorized(r) {
		writeFailure(w, http.StatusUnauthorized, job.CodeUnauthorized, "")
		return
	}
	sum, err := h.Worker.Tick(context.WithoutCancel(r.Context()))
	if err != nil {
		slog.Error("worker tick failed", "req_id", RequestIDFrom(r.Context()), "error", err)
		writeFailure(w, http.StatusInternalServerError, job.CodeSystemError, "")
		return
	}
	writeJSON(w, http.StatusOK, tickResponse{OK: true, Summary: sum})
}

// cronAuthorized requires the bearer secret whenever one is configured. The
// scheduler user agent alone is accepted only on deployments without a secret.
func (h *Handler) cronAuthorized(r *http.Request) bool {
	if h.opts.CronSecret == "" {
		return strings.HasPrefix(r.Header.Get("User-Agent"), cronUserAgent)
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.CronSecret)) == 1
}

// Result handles GET /result?refId= for shared result pages.
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	refID := strings.TrimSpace(r.URL.Query().Get("refId"))
	if refID == "" {
		writeFailure(w, http.StatusBadRequest, job.CodeValidation, "refId is required.")
		return
	}
	rec, err := h.Dedupe.LookupByRef(r.Context(), refID)
	if err != nil {
		slog.Warn("result lookup failed", "req_id", RequestIDFrom(r.Context()), "error", err)
	}
	if rec == nil {
		writeFailure(w, http.StatusNotFound, job.CodeJobNotFound, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "redirect": rec.Redirect})
}

// Health reports KV reachability and the parser breaker state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	resp := map[string]any{"status": "ok", "kv": "ok"}
	status := http.StatusOK
	if err := h.KV.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["kv"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.Breaker != nil {
		resp["parser"] = h.Breaker.State()
	}
	writeJSON(w, status, resp)
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeFailure(w, http.StatusMethodNotAllowed, job.CodeMethodNotAllowed, "")
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFailure(w, http.StatusBadRequest, job.CodeInvalidJSON, "")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeFailure(w http.ResponseWriter, status int, code job.Code, message string) {
	if message == "" {
		message = code.Message()
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": message, "code": code})
}
