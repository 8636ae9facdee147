// Package underwrite holds the default funding-eligibility rules and the
// suggestion generator. Both are pure functions over parsed bureau data.
package underwrite

import (
	"math"

	"github.com/fundgate/fundgate/internal/credit"
)

const (
	MinFundableScore     = 680
	MaxFundableUtilPct   = 30.0
	MaxFundableInquiries = 6
)

// Underwriter computes a verdict from merged bureau data.
type Underwriter interface {
	Underwrite(bureaus credit.Bureaus, businessAgeMonths int) Verdict
}

// Func adapts a plain function to Underwriter.
type Func func(bureaus credit.Bureaus, businessAgeMonths int) Verdict

func (f Func) Underwrite(b credit.Bureaus, months int) Verdict { return f(b, months) }

type BureauMetrics struct {
	Score          int     `json:"score"`
	UtilizationPct float64 `json:"utilization_pct"`
	Inquiries      int     `json:"inquiries"`
	Negatives      int     `json:"negatives"`
	Lates          int     `json:"lates"`
}

type Metrics struct {
	PerBureau      map[credit.BureauName]BureauMetrics `json:"per_bureau"`
	MinScore       int                                 `json:"min_score"`
	MaxScore       int                                 `json:"max_score"`
	MaxUtilization float64                             `json:"max_utilization"`
	Inquiries      int                                 `json:"inquiries"`
	Negatives      int                                 `json:"negatives"`
	Lates          int                                 `json:"lates"`
}

type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Personal struct {
	Eligible bool  `json:"eligible"`
	Funding  Range `json:"funding"`
}

type Business struct {
	Eligible  bool  `json:"eligible"`
	AgeMonths int   `json:"age_months"`
	Funding   Range `json:"funding"`
}

type Optimization struct {
	Actions []string `json:"actions"`
}

// Verdict is the underwriting result persisted with a completed job.
type Verdict struct {
	Fundable     bool         `json:"fundable"`
	Metrics      Metrics      `json:"metrics"`
	Personal     Personal     `json:"personal"`
	Business     Business     `json:"business"`
	Totals       Range        `json:"totals"`
	Optimization Optimization `json:"optimization"`
}

// Default is the built-in rule set.
var Default Underwriter = Func(Evaluate)

// Evaluate applies the default rules: every reported bureau must clear the
// score floor, stay under the utilization ceiling and carry no negatives or
// late payments.
func Evaluate(b credit.Bureaus, businessAgeMonths int) Verdict {
	m := Metrics{PerBureau: map[credit.BureauName]BureauMetrics{}}
	first := true
	for _, name := range b.Present() {
		bu := b.Get(name)
		util := finite(bu.UtilizationPct)
		m.PerBureau[name] = BureauMetrics{
			Score:          bu.Score,
			UtilizationPct: util,
			Inquiries:      bu.Inquiries,
			Negatives:      bu.Negatives,
			Lates:          bu.LatePaymentEvents,
		}
		if first || bu.Score < m.MinScore {
			m.MinScore = bu.Score
		}
		if first || bu.Score > m.MaxScore {
			m.MaxScore = bu.Score
		}
		m.MaxUtilization = math.Max(m.MaxUtilization, util)
		m.Inquiries += bu.Inquiries
		m.Negatives += bu.Negatives
		m.Lates += bu.LatePaymentEvents
		first = false
	}

	v := Verdict{Metrics: m}
	if first {
		return v
	}

	v.Personal.Eligible = m.MinScore >= MinFundableScore &&
		m.MaxUtilization <= MaxFundableUtilPct &&
		m.Negatives == 0 &&
		m.Lates == 0 &&
		m.Inquiries/len(m.PerBureau) <= MaxFundableInquiries
	if v.Personal.Eligible {
		v.Personal.Funding = personalRange(m.MinScore)
	}

	v.Business.AgeMonths = businessAgeMonths
	if v.Personal.Eligible && businessAgeMonths >= 6 {
		v.Business.Eligible = true
		v.Business.Funding = businessRange(businessAgeMonths)
	}

	v.Fundable = v.Personal.Eligible
	v.Totals = Range{
		Min: v.Personal.Funding.Min + v.Business.Funding.Min,
		Max: v.Personal.Funding.Max + v.Business.Funding.Max,
	}
	v.Optimization.Actions = optimizationActions(m)
	return v
}

func personalRange(score int) Range {
	switch {
	case score >= 760:
		return Range{Min: 75000, Max: 150000}
	case score >= 720:
		return Range{Min: 50000, Max: 100000}
	case score >= 700:
		return Range{Min: 25000, Max: 75000}
	default:
		return Range{Min: 10000, Max: 50000}
	}
}

func businessRange(months int) Range {
	if months >= 24 {
		return Range{Min: 50000, Max: 150000}
	}
	return Range{Min: 10000, Max: 50000}
}

func optimizationActions(m Metrics) []string {
	var out []string
	if m.MaxUtilization > 10 {
		out = append(out, "Pay revolving balances below 10% utilization before applying")
	}
	if m.Negatives > 0 {
		out = append(out, "Dispute or resolve negative items")
	}
	if m.Lates > 0 {
		out = append(out, "Request goodwill removal of late payments")
	}
	if m.Inquiries > 0 {
		out = append(out, "Remove unauthorized hard inquiries")
	}
	return out
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
