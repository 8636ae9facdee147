package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fundgate/fundgate/internal/credit"
	"github.com/fundgate/fundgate/internal/redirect"
	"github.com/fundgate/fundgate/internal/underwrite"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// MaxFilesPerJob caps upload authorizations for a single job.
const MaxFilesPerJob = 3

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// IsActive reports whether a job in this status can still be resumed.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusQueued || s == StatusProcessing
}

func (s Status) valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// TTL is the key lifetime applied on every write of a job in this status.
func (s Status) TTL() time.Duration {
	switch s {
	case StatusPending:
		return 5 * time.Minute
	case StatusComplete:
		return 60 * time.Minute
	case StatusError:
		return 30 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// Metadata holds the user-supplied facts captured at job creation.
type Metadata struct {
	Email             string `json:"email"`
	Phone             string `json:"phone,omitempty"`
	Name              string `json:"name,omitempty"`
	BusinessName      string `json:"businessName,omitempty"`
	BusinessAgeMonths int    `json:"businessAgeMonths,omitempty"`
	LLCAgeMonths      int    `json:"llcAgeMonths,omitempty"`
	HasLLC            bool   `json:"hasLLC,omitempty"`
	RefID             string `json:"refId,omitempty"`
	DeviceID          string `json:"deviceId,omitempty"`
	ForceReprocess    bool   `json:"forceReprocess,omitempty"`
}

const maxFieldLen = 200

// Sanitize trims every string field, strips control characters, bounds
// lengths and normalizes the email.
func (m *Metadata) Sanitize() {
	for _, f := range []*string{&m.Email, &m.Phone, &m.Name, &m.BusinessName, &m.RefID, &m.DeviceID} {
		*f = clean(*f)
	}
	m.Email = NormalizeEmail(m.Email)
	if m.BusinessAgeMonths < 0 {
		m.BusinessAgeMonths = 0
	}
	if m.LLCAgeMonths < 0 {
		m.LLCAgeMonths = 0
	}
}

func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen]
	}
	return s
}

// NormalizeEmail lowercases and trims an email for use in keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type ErrorInfo struct {
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

// Result is stored on a job once it completes.
type Result struct {
	Redirect    redirect.Redirect       `json:"redirect"`
	Underwrite  underwrite.Verdict      `json:"underwrite"`
	Bureaus     credit.Bureaus          `json:"bureaus"`
	Suggestions []underwrite.Suggestion `json:"suggestions"`
}

type Job struct {
	ID          string     `json:"jobId"`
	Status      Status     `json:"status"`
	Progress    string     `json:"progress,omitempty"`
	Metadata    Metadata   `json:"metadata"`
	BlobURLs    []string   `json:"blobUrls"`
	FileCount   int        `json:"fileCount"`
	Result      *Result    `json:"result,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Unmarshal strictly decodes a stored job record.
func Unmarshal(data []byte) (*Job, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var j Job
	if err := dec.Decode(&j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.ID == "" {
		return nil, fmt.Errorf("decode job: missing jobId")
	}
	if !j.Status.valid() {
		return nil, fmt.Errorf("decode job %s: unknown status %q", j.ID, j.Status)
	}
	return &j, nil
}
