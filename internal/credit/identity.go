package credit

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// MaxReportAge is the oldest report accepted, measured in whole days.
const MaxReportAge = 30 * 24 * time.Hour

var (
	ErrIdentityMismatch = errors.New("name on report does not match applicant")
	ErrReportTooOld     = errors.New("credit report is older than 30 days")
)

var reportDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// NormalizeName lowercases s, strips punctuation and collapses whitespace.
// "DOE, JOHN A." becomes "john a doe".
func NormalizeName(s string) string {
	if last, first, ok := strings.Cut(s, ","); ok {
		s = first + " " + last
	}
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NamesMatch compares two full names. The last names must be equal, the first
// names must be equal or one must be the other's initial, and middle names are
// ignored.
func NamesMatch(expected, reported string) bool {
	a := strings.Fields(NormalizeName(expected))
	b := strings.Fields(NormalizeName(reported))
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if len(a) == 1 || len(b) == 1 {
		return strings.Join(a, " ") == strings.Join(b, " ")
	}
	if a[len(a)-1] != b[len(b)-1] {
		return false
	}
	fa, fb := a[0], b[0]
	if fa == fb {
		return true
	}
	if len(fa) == 1 || len(fb) == 1 {
		return fa[0] == fb[0]
	}
	return false
}

// ParseReportDate accepts the date formats bureaus print on reports.
func ParseReportDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range reportDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// LatestReportDate returns the most recent parseable report date across bureaus.
func (b Bureaus) LatestReportDate() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, name := range b.Present() {
		t, ok := ParseReportDate(b.Get(name).ReportDate)
		if !ok {
			continue
		}
		if !found || t.After(latest) {
			latest, found = t, true
		}
	}
	return latest, found
}

// ReportAgeDays is the number of whole calendar days between date and now.
func ReportAgeDays(date, now time.Time) int {
	d := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(n.Sub(d).Hours() / 24)
}

// Verification is the outcome of an identity check that did not fail outright.
type Verification struct {
	NameMatched bool
	ReportDate  time.Time
	Warnings    []string
}

// VerifyOptions controls which identity checks run.
type VerifyOptions struct {
	CheckName bool
	Now       time.Time
}

// Verify checks the applicant's name against every name any bureau reported
// and that the newest report is at most 30 days old. Missing data produces a
// warning rather than an error.
func Verify(expectedName string, b Bureaus, opts VerifyOptions) (Verification, error) {
	var v Verification

	if opts.CheckName {
		var reported []string
		for _, name := range b.Present() {
			reported = append(reported, b.Get(name).Names...)
		}
		switch {
		case strings.TrimSpace(expectedName) == "":
			v.Warnings = append(v.Warnings, "no applicant name supplied")
		case len(reported) == 0:
			v.Warnings = append(v.Warnings, "no names found on report")
		default:
			for _, r := range reported {
				if NamesMatch(expectedName, r) {
					v.NameMatched = true
					break
				}
			}
			if !v.NameMatched {
				return v, ErrIdentityMismatch
			}
		}
	}

	latest, ok := b.LatestReportDate()
	if !ok {
		v.Warnings = append(v.Warnings, "no report date found")
		return v, nil
	}
	v.ReportDate = latest
	if ReportAgeDays(latest, opts.Now) > int(MaxReportAge/(24*time.Hour)) {
		return v, ErrReportTooOld
	}
	return v, nil
}
