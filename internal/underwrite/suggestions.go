package underwrite

import "fmt"

// Suggestion is one piece of advice shown on the result page.
type Suggestion struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// LLCFacts are the applicant's business-entity facts used by Suggest.
type LLCFacts struct {
	HasLLC       bool
	LLCAgeMonths int
}

// Suggest turns a verdict into ordered, user-facing advice.
func Suggest(v Verdict, llc LLCFacts) []Suggestion {
	var out []Suggestion
	m := v.Metrics

	if v.Fundable {
		out = append(out, Suggestion{
			Title:       "You qualify for funding",
			Description: fmt.Sprintf("Your profile supports an estimated $%.0f to $%.0f in funding.", v.Totals.Min, v.Totals.Max),
		})
	}
	if m.MinScore > 0 && m.MinScore < MinFundableScore {
		out = append(out, Suggestion{
			Title:       "Raise your lowest score",
			Description: fmt.Sprintf("Your lowest bureau score is %d. Lenders look for %d or higher on every bureau.", m.MinScore, MinFundableScore),
		})
	}
	if m.MaxUtilization > MaxFundableUtilPct {
		out = append(out, Suggestion{
			Title:       "Lower your utilization",
			Description: fmt.Sprintf("Revolving utilization peaks at %.0f%%. Bring it under %.0f%%.", m.MaxUtilization, MaxFundableUtilPct),
		})
	}
	if m.Negatives > 0 {
		out = append(out, Suggestion{
			Title:       "Address negative items",
			Description: fmt.Sprintf("%d negative item(s) were reported. Disputing inaccurate items can improve approval odds.", m.Negatives),
		})
	}
	if m.Lates > 0 {
		out = append(out, Suggestion{
			Title:       "Late payments",
			Description: fmt.Sprintf("%d late payment event(s) were found. Keep every account current from here on.", m.Lates),
		})
	}

	switch {
	case !llc.HasLLC:
		out = append(out, Suggestion{
			Title:       "Form an LLC",
			Description: "A registered business entity unlocks business credit lines that do not report to your personal file.",
		})
	case llc.LLCAgeMonths < 6:
		out = append(out, Suggestion{
			Title:       "Season your LLC",
			Description: "Business lenders prefer entities at least 6 months old. Keep the LLC in good standing meanwhile.",
		})
	}
	return out
}
