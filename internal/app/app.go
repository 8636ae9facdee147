// Package app wires configuration into the running pipeline. It is shared by
// the HTTP server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fundgate/fundgate/internal/api"
	"github.com/fundgate/fundgate/internal/blob"
	"github.com/fundgate/fundgate/internal/breaker"
	"github.com/fundgate/fundgate/internal/config"
	"github.com/fundgate/fundgate/internal/crm"
	"github.com/fundgate/fundgate/internal/dedupe"
	"github.com/fundgate/fundgate/internal/followup"
	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/kv"
	"github.com/fundgate/fundgate/internal/lock"
	"github.com/fundgate/fundgate/internal/parser"
	"github.com/fundgate/fundgate/internal/processor"
	"github.com/fundgate/fundgate/internal/queue"
	"github.com/fundgate/fundgate/internal/redirect"
	"github.com/fundgate/fundgate/internal/upload"
	"github.com/fundgate/fundgate/internal/worker"
)

const purgeInterval = 10 * time.Minute

type App struct {
	Config    *config.Config
	KV        kv.Store
	Jobs      *job.Store
	Queue     *queue.Queue
	Dedupe    *dedupe.Index
	Locker    *lock.Locker
	Breaker   *breaker.Breaker
	Blob      *blob.Client
	Followups *followup.Dispatcher
	Processor *processor.Processor
	Worker    *worker.Worker
	Gateway   *upload.Gateway
}

// OpenStore connects the configured KV backend.
func OpenStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch cfg.KVBackend {
	case config.BackendSQLite:
		return kv.NewSQLiteStore(cfg.KVSQLitePath)
	case config.BackendRedis:
		return kv.NewRedisStore(ctx, cfg.KVURL, cfg.KVToken)
	default:
		return nil, fmt.Errorf("unknown KV backend %q", cfg.KVBackend)
	}
}

// New builds every component. ctx bounds background follow-up retries and
// should live as long as the process.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open kv: %w", err)
	}

	blobs, err := blob.New(blob.Config{Token: cfg.BlobToken, APIURL: cfg.BlobAPIURL})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("blob client: %w", err)
	}

	llm, err := parser.NewOpenAI(parser.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.OpenAITimeout,
	}, slog.Default())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("parser: %w", err)
	}
	brk := breaker.New("parser", breaker.DefaultThreshold, breaker.DefaultCoolDown)
	p := parser.NewCached(parser.NewGuarded(llm, brk), store, kv.ParseCacheTTL)

	jobs := job.NewStore(store)
	q := queue.New(store, jobs)
	idx := dedupe.NewIndex(store)

	crmClient := crm.New(crm.Config{
		APIKey:     cfg.CRMAPIKey,
		LocationID: cfg.CRMLocationID,
		BaseURL:    cfg.CRMBaseURL,
	})
	followups := followup.New(ctx, crmClient, followup.Config{LettersURL: cfg.LettersWebhookURL})

	redirects := redirect.NewBuilder(redirect.Config{
		BaseURL:           cfg.RedirectBaseURL,
		FundableURL:       cfg.RedirectFundableURL,
		NotFundableURL:    cfg.RedirectNotFundableURL,
		AffiliateEnabled:  cfg.AffiliateEnabled,
		AffiliateTemplate: cfg.AffiliateTemplate,
	})

	proc := processor.New(processor.Deps{
		Jobs:      jobs,
		Blobs:     blobs,
		Parser:    p,
		Redirects: redirects,
		Dedupe:    idx,
		Followups: followups,
	}, processor.Config{VerifyIdentity: cfg.IdentityVerification})

	return &App{
		Config:    cfg,
		KV:        store,
		Jobs:      jobs,
		Queue:     q,
		Dedupe:    idx,
		Locker:    lock.New(store),
		Breaker:   brk,
		Blob:      blobs,
		Followups: followups,
		Processor: proc,
		Worker:    worker.New(q, jobs, proc),
		Gateway:   upload.NewGateway(jobs, q, blobs, cfg.CallbackURL()),
	}, nil
}

// Handler returns the HTTP surface with its middleware chain.
func (a *App) Handler() http.Handler {
	h := api.NewHandler(api.Deps{
		KV:      a.KV,
		Jobs:    a.Jobs,
		Queue:   a.Queue,
		Dedupe:  a.Dedupe,
		Locker:  a.Locker,
		Uploads: a.Gateway,
		Blobs:   a.Blob,
		Worker:  a.Worker,
		Breaker: a.Breaker,
	}, api.Options{
		CronSecret:     a.Config.CronSecret,
		RateLimitRPS:   a.Config.RateLimitRPS,
		RateLimitBurst: a.Config.RateLimitBurst,
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	origins := a.Config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return api.Chain(mux,
		api.CORS(origins),
		api.RequestID,
		api.Logging,
		api.Recover,
	)
}

// StartMaintenance purges expired rows when running on the SQLite backend.
// Redis expires keys itself.
func (a *App) StartMaintenance(ctx context.Context) {
	sq, ok := a.KV.(*kv.SQLiteStore)
	if !ok {
		return
	}
	go func() {
		t := time.NewTicker(purgeInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := sq.PurgeExpired(ctx)
				if err != nil {
					slog.Warn("purge expired keys", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("purged expired keys", "count", n)
				}
			}
		}
	}()
}

// Close waits for in-flight follow-ups and closes the KV store.
func (a *App) Close() error {
	a.Followups.Wait()
	return a.KV.Close()
}
