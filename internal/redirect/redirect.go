// Package redirect builds the verdict artifact a user is sent to once their
// report has been analysed.
package redirect

import (
	"crypto/rand"
	"encoding/hex"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fundgate/fundgate/internal/credit"
	"github.com/fundgate/fundgate/internal/underwrite"
)

const (
	PathFunding = "funding"
	PathRepair  = "repair"

	// ValidityDays is how long a verdict is reused before a new upload is required.
	ValidityDays = 30
)

// Redirect is the verdict artifact stored with a completed job and in the
// dedupe index.
type Redirect struct {
	Path          string                  `json:"path"`
	ResultURL     string                  `json:"resultUrl"`
	RefID         string                  `json:"refId"`
	AffiliateLink string                  `json:"affiliateLink,omitempty"`
	LastUpload    time.Time               `json:"lastUpload"`
	DaysRemaining int                     `json:"daysRemaining"`
	Suggestions   []underwrite.Suggestion `json:"suggestions"`
}

type Config struct {
	BaseURL           string
	FundableURL       string
	NotFundableURL    string
	AffiliateEnabled  bool
	AffiliateTemplate string
}

// Builder assembles Redirects from verdicts.
type Builder struct {
	cfg Config
	now func() time.Time
}

func NewBuilder(cfg Config) *Builder {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.FundableURL == "" {
		cfg.FundableURL = base + "/funding"
	}
	if cfg.NotFundableURL == "" {
		cfg.NotFundableURL = base + "/repair"
	}
	if cfg.AffiliateTemplate == "" {
		cfg.AffiliateTemplate = base + "/partners?ref={refId}"
	}
	return &Builder{cfg: cfg, now: time.Now}
}

// Build produces the Redirect for a verdict. An empty refID is replaced by a
// freshly derived one.
func (b *Builder) Build(v underwrite.Verdict, bureaus credit.Bureaus, refID string, suggestions []underwrite.Suggestion) Redirect {
	if refID == "" {
		refID = NewRefID()
	}
	path, target := PathRepair, b.cfg.NotFundableURL
	if v.Fundable {
		path, target = PathFunding, b.cfg.FundableURL
	}

	r := Redirect{
		Path:          path,
		ResultURL:     withQuery(target, summaryQuery(v, bureaus, refID)),
		RefID:         refID,
		LastUpload:    b.now().UTC(),
		DaysRemaining: ValidityDays,
		Suggestions:   suggestions,
	}
	if b.cfg.AffiliateEnabled {
		r.AffiliateLink = strings.ReplaceAll(b.cfg.AffiliateTemplate, "{refId}", url.QueryEscape(refID))
	}
	return r
}

// Refresh returns a copy of r with DaysRemaining recomputed against now.
func (r Redirect) Refresh(now time.Time) Redirect {
	r.DaysRemaining = DaysRemaining(r.LastUpload, now)
	return r
}

// DaysRemaining is max(0, 30 - whole days since lastUpload), capped at 30.
func DaysRemaining(lastUpload, now time.Time) int {
	elapsed := int(math.Floor(now.Sub(lastUpload).Hours() / 24))
	d := ValidityDays - elapsed
	if d < 0 {
		return 0
	}
	if d > ValidityDays {
		return ValidityDays
	}
	return d
}

// NewRefID returns "ref-" followed by a base36 timestamp and random hex.
func NewRefID() string {
	return "ref-" + strconv.FormatInt(time.Now().UnixMilli(), 36) + randomHex(4)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func summaryQuery(v underwrite.Verdict, bureaus credit.Bureaus, refID string) url.Values {
	q := url.Values{}
	for _, name := range bureaus.Present() {
		bm := v.Metrics.PerBureau[name]
		p := name.Short() + "_"
		q.Set(p+"score", num(float64(bm.Score)))
		q.Set(p+"util", num(bm.UtilizationPct))
		q.Set(p+"inq", num(float64(bm.Inquiries)))
		q.Set(p+"neg", num(float64(bm.Negatives)))
		q.Set(p+"late", num(float64(bm.Lates)))
	}
	q.Set("score", num(float64(v.Metrics.MinScore)))
	q.Set("util", num(v.Metrics.MaxUtilization))
	q.Set("inq", num(float64(v.Metrics.Inquiries)))
	q.Set("neg", num(float64(v.Metrics.Negatives)))
	q.Set("late", num(float64(v.Metrics.Lates)))
	q.Set("fund_min", num(v.Totals.Min))
	q.Set("fund_max", num(v.Totals.Max))
	q.Set("ref", refID)
	return q
}

// num formats f for a query string; non-finite values become 0.
func num(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		f = 0
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func withQuery(target string, q url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target + "?" + q.Encode()
	}
	existing := u.Query()
	for k, vs := range q {
		existing[k] = vs
	}
	u.RawQuery = existing.Encode()
	return u.String()
}
