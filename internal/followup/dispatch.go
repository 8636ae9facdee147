// Package followup runs the side effects of a completed analysis (CRM sync
// and dispute-letter delivery) in the background so they never hold up or
// change a job's verdict.
package followup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fundgate/fundgate/internal/credit"
	"github.com/fundgate/fundgate/internal/crm"
	"github.com/fundgate/fundgate/internal/job"
	"github.com/fundgate/fundgate/internal/redirect"
	"github.com/fundgate/fundgate/internal/underwrite"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// CRM is the contact store the dispatcher writes to.
type CRM interface {
	UpsertContact(ctx context.Context, c crm.Contact) (crm.UpsertResult, error)
	UploadLetters(ctx context.Context, contactID string, urls []string, path string) error
}

// Task carries everything the side effects need about one completed job.
type Task struct {
	JobID    string
	Metadata job.Metadata
	Redirect redirect.Redirect
	Verdict  underwrite.Verdict
	Bureaus  credit.Bureaus
}

type Config struct {
	// LettersURL receives the letter-generation request. Empty disables letters.
	LettersURL string
	// AllowPrivate permits letter endpoints on loopback or private addresses.
	AllowPrivate bool
	Attempts     int
	RetryBase    time.Duration
}

// Dispatcher fans tasks out to background goroutines. Retries stop when the
// context given to New is cancelled.
type Dispatcher struct {
	ctx    context.Context
	crm    CRM
	cfg    Config
	client *http.Client
	wg     sync.WaitGroup
}

func New(ctx context.Context, c CRM, cfg Config) *Dispatcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = retryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = retryBase
	}
	return &Dispatcher{ctx: ctx, crm: c, cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

// Dispatch schedules t and returns immediately.
func (d *Dispatcher) Dispatch(t Task) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(t)
	}()
}

// Wait blocks until every dispatched task has finished or given up.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(t Task) {
	log := slog.With("job_id", t.JobID)

	var contactID string
	err := d.retry(func() error {
		res, err := d.crm.UpsertContact(d.ctx, contactFor(t))
		if err != nil {
			return err
		}
		contactID = res.ContactID
		return nil
	})
	if err != nil {
		log.Warn("followup: crm upsert gave up", "error", err)
	} else {
		log.Info("followup: crm contact synced", "contact_id", contactID)
	}

	if d.cfg.LettersURL == "" {
		return
	}
	if !d.cfg.AllowPrivate {
		if err := validateURL(d.cfg.LettersURL); err != nil {
			log.Warn("followup: rejected letters URL", "url", d.cfg.LettersURL, "error", err)
			return
		}
	}

	payload, err := json.Marshal(lettersRequest{
		JobID:    t.JobID,
		Path:     t.Redirect.Path,
		RefID:    t.Redirect.RefID,
		Name:     t.Metadata.Name,
		Email:    t.Metadata.Email,
		Bureaus:  t.Bureaus,
		Fundable: t.Verdict.Fundable,
	})
	if err != nil {
		log.Error("followup: encode letters request", "error", err)
		return
	}

	var urls []string
	if err := d.retry(func() error {
		var err error
		urls, err = d.postLetters(payload)
		return err
	}); err != nil {
		log.Error("followup: letters: all retries exhausted", "url", d.cfg.LettersURL, "error", err)
		return
	}
	if contactID == "" || len(urls) == 0 {
		return
	}
	if err := d.retry(func() error {
		return d.crm.UploadLetters(d.ctx, contactID, urls, t.Redirect.Path)
	}); err != nil {
		log.Warn("followup: letters upload to crm gave up", "error", err)
		return
	}
	log.Info("followup: letters delivered", "count", len(urls))
}

type lettersRequest struct {
	JobID    string         `json:"jobId"`
	Path     string         `json:"path"`
	RefID    string         `json:"refId"`
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Bureaus  credit.Bureaus `json:"bureaus"`
	Fundable bool           `json:"fundable"`
}

func contactFor(t Task) crm.Contact {
	first, last := crm.SplitName(t.Metadata.Name)
	m := t.Verdict.Metrics
	return crm.Contact{
		Email:       t.Metadata.Email,
		Phone:       t.Metadata.Phone,
		FirstName:   first,
		LastName:    last,
		CompanyName: t.Metadata.BusinessName,
		Source:      "fundgate",
		Tags:        []string{"credit-analyzed", "path-" + t.Redirect.Path},
		CustomFields: map[string]string{
			"ref_id":          t.Redirect.RefID,
			"result_url":      t.Redirect.ResultURL,
			"min_score":       strconv.Itoa(m.MinScore),
			"max_utilization": strconv.FormatFloat(m.MaxUtilization, 'f', -1, 64),
			"funding_min":     strconv.FormatFloat(t.Verdict.Totals.Min, 'f', -1, 64),
			"funding_max":     strconv.FormatFloat(t.Verdict.Totals.Max, 'f', -1, 64),
		},
	}
}

// retry runs fn with full-jitter exponential backoff.
func (d *Dispatcher) retry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		if d.ctx.Err() != nil {
			return d.ctx.Err()
		}
		if err = fn(); err == nil {
			return nil
		}
		slog.Warn("followup attempt failed", "attempt", attempt, "error", err)
		if attempt < d.cfg.Attempts {
			select {
			case <-time.After(jitter(d.cfg.RetryBase, attempt)):
			case <-d.ctx.Done():
				return d.ctx.Err()
			}
		}
	}
	return err
}

// jitter returns a random duration between 0 and min(retryCap, base * 2^attempt).
func jitter(base time.Duration, attempt int) time.Duration {
	exp := base * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (d *Dispatcher) postLetters(payload []byte) ([]string, error) {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, d.cfg.LettersURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	var out struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode letters response: %w", err)
	}
	return out.URLs, nil
}
