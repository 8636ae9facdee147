package credit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamesMatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expected, reported string
		want               bool
	}{
		{"John Doe", "JOHN DOE", true},
		{"John Doe", "J Doe", true},
		{"J. Doe", "John Doe", true},
		{"John Q. Doe", "JOHN DOE", true},
		{"John Doe", "DOE, JOHN A", true},
		{"Mary-Ann O'Neil", "MARY ANN ONEIL", true},
		{"Jane Doe", "John Doe", false},
		{"Jane Smith", "JOHN DOE", false},
		{"John Doe", "John Dole", false},
		{"", "John Doe", false},
		{"Cher", "CHER", true},
	}
	for _, tt := range tests {
		t.Run(tt.expected+"/"+tt.reported, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NamesMatch(tt.expected, tt.reported))
		})
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()
	ex := &Bureau{Score: 720}
	eq := &Bureau{Score: 700}

	merged, err := Merge(Bureaus{Experian: ex}, Bureaus{Equifax: eq})
	require.NoError(t, err)
	assert.Equal(t, []BureauName{Experian, Equifax}, merged.Present())

	_, err = Merge(Bureaus{Experian: ex}, Bureaus{Experian: eq})
	var dup *DuplicateBureauError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, Experian, dup.Bureau)

	_, err = Merge(Bureaus{})
	assert.ErrorIs(t, err, ErrNoBureaus)
}

func TestVerify_ReportAgeBoundary(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 31, 15, 0, 0, 0, time.UTC)
	report := func(daysAgo int) Bureaus {
		return Bureaus{Experian: &Bureau{
			Names:      []string{"JOHN DOE"},
			ReportDate: now.AddDate(0, 0, -daysAgo).Format("2006-01-02"),
		}}
	}
	opts := VerifyOptions{CheckName: true, Now: now}

	_, err := Verify("John Doe", report(30), opts)
	assert.NoError(t, err, "30 days old is accepted")

	_, err = Verify("John Doe", report(31), opts)
	assert.ErrorIs(t, err, ErrReportTooOld)
}

func TestVerify_Mismatch(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := Bureaus{TransUnion: &Bureau{Names: []string{"JOHN DOE"}, ReportDate: now.Format("2006-01-02")}}

	_, err := Verify("Jane Smith", b, VerifyOptions{CheckName: true, Now: now})
	assert.ErrorIs(t, err, ErrIdentityMismatch)

	_, err = Verify("Jane Smith", b, VerifyOptions{CheckName: false, Now: now})
	assert.NoError(t, err, "name check disabled")
}

func TestVerify_MissingDataWarns(t *testing.T) {
	t.Parallel()
	v, err := Verify("John Doe", Bureaus{Equifax: &Bureau{}}, VerifyOptions{CheckName: true, Now: time.Now()})
	require.NoError(t, err)
	assert.Len(t, v.Warnings, 2)
}

func TestLatestReportDate(t *testing.T) {
	t.Parallel()
	b := Bureaus{
		Experian:   &Bureau{ReportDate: "2026-01-05"},
		Equifax:    &Bureau{ReportDate: "02/10/2026"},
		TransUnion: &Bureau{ReportDate: "not a date"},
	}
	latest, ok := b.LatestReportDate()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), latest)
}
