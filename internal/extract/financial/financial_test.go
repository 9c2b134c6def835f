package financial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func incomeStatement() [][]string {
	return [][]string{
		{"", "Q1 2026", "Q2 2026", "FY 2026"},
		{"Revenue", "$1,000", "$1,200", "$2,200"},
		{"COGS", "(400)", "(500)", "(900)"},
		{"Gross Profit", "$600", "$700", "$1,300"},
		{"Operating Expenses", "200", "250", "450"},
		{"Total", "1,400", "1,650", "3,050"},
	}
}

func proseTable() [][]string {
	return [][]string{
		{"Name", "Role", "Location"},
		{"Ada", "Engineer", "London"},
		{"Grace", "Admiral", "Arlington"},
	}
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1,234.56", 1234.56, true},
		{"$1,000", 1000, true},
		{"€500", 500, true},
		{"(400)", -400, true},
		{"($1,250)", -1250, true},
		{"12%", 0.12, true},
		{"(5%)", -0.05, true},
		{"-42", -42, true},
		{"", 0, false},
		{"n/a", 0, false},
		{"Revenue", 0, false},
		{"$", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseNumber(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.InDelta(t, tc.want, got, 1e-9)
			}
		})
	}
}

func TestFormatNumberRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 42, -42, 1234.5, -0.05} {
		got, ok := ParseNumber(FormatNumber(v))
		require.True(t, ok)
		assert.InDelta(t, v, got, 1e-9)
	}
}

func TestDetectFinancialTable(t *testing.T) {
	d := NewDetector(nil)
	det := d.Detect(incomeStatement())

	assert.GreaterOrEqual(t, det.Score, 0.5)
	assert.Equal(t, BandHigh, det.Band)
	assert.Positive(t, det.KeywordHits)
	assert.Positive(t, det.Features["periodized_headers"])
	assert.Positive(t, det.Features["currency"])
	assert.Positive(t, det.Features["totals"])
}

func TestDetectProseTable(t *testing.T) {
	d := NewDetector(nil)
	det := d.Detect(proseTable())
	assert.Less(t, det.Score, 0.3)
	assert.Equal(t, BandLow, det.Band)
}

func TestDetectEmpty(t *testing.T) {
	d := NewDetector(nil)
	det := d.Detect(nil)
	assert.Equal(t, BandLow, det.Band)
	assert.Zero(t, det.KeywordHits)
}

type fixedClassifier struct{ score float64 }

func (f fixedClassifier) Score(features []float64) (float64, bool) { return f.score, true }

func TestClassifierOverride(t *testing.T) {
	d := NewDetector(fixedClassifier{score: 0.9})
	det := d.Detect(proseTable())
	assert.InDelta(t, 0.9, det.Score, 1e-9)
	assert.Equal(t, BandHigh, det.Band)
}

func TestFeatureVectorDeterministic(t *testing.T) {
	features := map[string]float64{
		"totals":             0.5,
		"column_stability":   0.1,
		"periodized_headers": 0.9,
	}
	// Sorted by name: column_stability, periodized_headers, totals.
	assert.Equal(t, []float64{0.1, 0.9, 0.5}, FeatureVector(features))
}

func TestValidateConsistentTable(t *testing.T) {
	res := Validate(incomeStatement())
	assert.Empty(t, issuesOfSeverity(res, SeverityError))
	assert.Positive(t, res.ChecksPerformed)
	assert.Equal(t, res.ChecksPerformed, res.ChecksPassed)
	assert.GreaterOrEqual(t, res.Confidence, reviewThreshold)
	assert.False(t, res.RequiresReview)
}

func TestValidateBrokenTotal(t *testing.T) {
	grid := [][]string{
		{"", "Q1"},
		{"Fees", "100"},
		{"Licenses", "200"},
		{"Total", "999"},
	}
	res := Validate(grid)
	require.NotEmpty(t, issuesOfSeverity(res, SeverityError))
	assert.True(t, res.RequiresReview)
	assert.Less(t, res.ChecksPassed, res.ChecksPerformed)
}

func TestValidateBrokenGrossProfit(t *testing.T) {
	grid := [][]string{
		{"", "Q1"},
		{"Revenue", "1000"},
		{"COGS", "(400)"},
		{"Gross Profit", "100"},
	}
	res := Validate(grid)
	require.NotEmpty(t, issuesOfSeverity(res, SeverityError))
	assert.True(t, res.RequiresReview)
}

func TestValidateNoNumericCells(t *testing.T) {
	res := Validate(proseTable())
	require.Len(t, res.Issues, 1)
	assert.Equal(t, SeverityWarning, res.Issues[0].Severity)
	assert.InDelta(t, 0.2, res.Confidence, 1e-9)
	assert.True(t, res.RequiresReview)
}

func TestValidateToleranceBoundary(t *testing.T) {
	// 300 vs 301 is within abs_tol=1.0.
	grid := [][]string{
		{"", "Q1"},
		{"A", "100"},
		{"B", "201"},
		{"Total", "300"},
	}
	res := Validate(grid)
	assert.Empty(t, issuesOfSeverity(res, SeverityError))
}

func issuesOfSeverity(res ValidationResult, severity string) []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range res.Issues {
		if issue.Severity == severity {
			out = append(out, issue)
		}
	}
	return out
}
