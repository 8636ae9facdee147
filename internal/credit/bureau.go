package credit

import (
	"errors"
	"fmt"
)

type BureauName string

const (
	Experian   BureauName = "experian"
	Equifax    BureauName = "equifax"
	TransUnion BureauName = "transunion"
)

// AllBureaus lists the bureaus in the order they are reported.
var AllBureaus = []BureauName{Experian, Equifax, TransUnion}

// Short returns the two-letter prefix used in result URLs.
func (n BureauName) Short() string {
	switch n {
	case Experian:
		return "ex"
	case Equifax:
		return "eq"
	case TransUnion:
		return "tu"
	}
	return string(n)
}

type Tradeline struct {
	Creditor     string  `json:"creditor"`
	AccountType  string  `json:"account_type,omitempty"`
	Status       string  `json:"status,omitempty"`
	Balance      float64 `json:"balance"`
	Limit        float64 `json:"limit"`
	OpenedDate   string  `json:"opened_date,omitempty"`
	LatePayments int     `json:"late_payments"`
}

// Bureau is the structured data extracted for one credit bureau.
type Bureau struct {
	Score             int         `json:"score"`
	UtilizationPct    float64     `json:"utilization_pct"`
	Inquiries         int         `json:"inquiries"`
	Negatives         int         `json:"negatives"`
	LatePaymentEvents int         `json:"late_payment_events"`
	Names             []string    `json:"names"`
	Addresses         []string    `json:"addresses"`
	Employers         []string    `json:"employers"`
	Tradelines        []Tradeline `json:"tradelines"`
	ReportDate        string      `json:"reportDate"`
}

// Bureaus holds one slot per bureau; a nil slot means the report did not
// contain that bureau.
type Bureaus struct {
	Experian   *Bureau `json:"experian"`
	Equifax    *Bureau `json:"equifax"`
	TransUnion *Bureau `json:"transunion"`
}

// Get returns the slot for name.
func (b Bureaus) Get(name BureauName) *Bureau {
	switch name {
	case Experian:
		return b.Experian
	case Equifax:
		return b.Equifax
	case TransUnion:
		return b.TransUnion
	}
	return nil
}

func (b *Bureaus) set(name BureauName, v *Bureau) {
	switch name {
	case Experian:
		b.Experian = v
	case Equifax:
		b.Equifax = v
	case TransUnion:
		b.TransUnion = v
	}
}

// Present returns the names of the non-nil slots.
func (b Bureaus) Present() []BureauName {
	var out []BureauName
	for _, name := range AllBureaus {
		if b.Get(name) != nil {
			out = append(out, name)
		}
	}
	return out
}

// ParseResult is what a Parser returns for one PDF. When OK is false, Reason
// carries a user-facing explanation.
type ParseResult struct {
	OK      bool     `json:"ok"`
	Reason  string   `json:"reason,omitempty"`
	Bureaus *Bureaus `json:"bureaus,omitempty"`
}

var ErrNoBureaus = errors.New("no bureau data found in report")

// DuplicateBureauError reports a bureau present in more than one uploaded report.
type DuplicateBureauError struct {
	Bureau BureauName
}

func (e *DuplicateBureauError) Error() string {
	return fmt.Sprintf("bureau %s appears in more than one report", e.Bureau)
}

// Merge combines the bureau slots of one or more parsed reports. A bureau
// reported twice is rejected, and at least one slot must be present.
func Merge(reports ...Bureaus) (Bureaus, error) {
	var merged Bureaus
	for _, r := range reports {
		for _, name := range r.Present() {
			if merged.Get(name) != nil {
				return Bureaus{}, &DuplicateBureauError{Bureau: name}
			}
			merged.set(name, r.Get(name))
		}
	}
	if len(merged.Present()) == 0 {
		return Bureaus{}, ErrNoBureaus
	}
	return merged, nil
}
