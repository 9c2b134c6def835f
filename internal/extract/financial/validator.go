package financial

import (
	"fmt"
	"math"
	"strings"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationIssue flags one inconsistency in a table.
type ValidationIssue struct {
	Message  string `json:"message"`
	Row      int    `json:"row"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
}

// ValidationResult summarizes the consistency checks on a table.
type ValidationResult struct {
	Issues          []ValidationIssue `json:"issues,omitempty"`
	ChecksPerformed int               `json:"checks_performed"`
	ChecksPassed    int               `json:"checks_passed"`
	Confidence      float64           `json:"confidence"`
	RequiresReview  bool              `json:"requires_review"`
}

const (
	rowTotalRelTol = 0.02
	rowTotalAbsTol = 1.0
	grossRelTol    = 0.03
	grossAbsTol    = 1.5

	reviewThreshold = 0.65
	checkBonus      = 0.05
)

// Validate parses the grid's numeric cells and runs the consistency checks:
// row totals against running column sums, and gross-profit reasonableness
// when revenue, cogs and gross-profit rows all exist.
func Validate(grid [][]string) ValidationResult {
	var res ValidationResult

	values, hasNumeric := parseGrid(grid)
	if !hasNumeric {
		res.Issues = append(res.Issues, ValidationIssue{
			Message:  "no numeric cells found",
			Row:      -1,
			Column:   -1,
			Severity: SeverityWarning,
		})
		res.Confidence = 0.2
		res.RequiresReview = true
		return res
	}

	checkRowTotals(grid, values, &res)
	checkGrossProfit(grid, values, &res)

	if res.ChecksPerformed > 0 {
		res.Confidence = clamp01(float64(res.ChecksPassed) / float64(res.ChecksPerformed))
		if res.ChecksPerformed >= 3 {
			res.Confidence = clamp01(res.Confidence + checkBonus)
		}
	} else {
		res.Confidence = 0.5
	}

	for _, issue := range res.Issues {
		if issue.Severity == SeverityError {
			res.RequiresReview = true
		}
	}
	if res.Confidence < reviewThreshold {
		res.RequiresReview = true
	}
	return res
}

// parseGrid returns per-cell parsed values; values[r][c] is NaN for
// non-numeric cells.
func parseGrid(grid [][]string) ([][]float64, bool) {
	values := make([][]float64, len(grid))
	hasNumeric := false
	for r, row := range grid {
		values[r] = make([]float64, len(row))
		for c, cell := range row {
			if v, ok := ParseNumber(cell); ok {
				values[r][c] = v
				hasNumeric = true
			} else {
				values[r][c] = math.NaN()
			}
		}
	}
	return values, hasNumeric
}

// checkRowTotals compares each total-marked row against the running column
// sums accumulated since the previous total row.
func checkRowTotals(grid [][]string, values [][]float64, res *ValidationResult) {
	sums := map[int]float64{}
	for r := 1; r < len(grid); r++ {
		row := grid[r]
		if len(row) == 0 {
			continue
		}
		if isTotalRow(row[0]) {
			for c := 1; c < len(row); c++ {
				if math.IsNaN(values[r][c]) {
					continue
				}
				expected, tracked := sums[c]
				if !tracked {
					continue
				}
				res.ChecksPerformed++
				if isClose(values[r][c], expected, rowTotalRelTol, rowTotalAbsTol) {
					res.ChecksPassed++
				} else {
					res.Issues = append(res.Issues, ValidationIssue{
						Message:  fmt.Sprintf("total %s does not match column sum %s", FormatNumber(values[r][c]), FormatNumber(expected)),
						Row:      r,
						Column:   c,
						Severity: SeverityError,
					})
				}
			}
			sums = map[int]float64{}
			continue
		}
		for c := 1; c < len(row); c++ {
			if !math.IsNaN(values[r][c]) {
				sums[c] += values[r][c]
			}
		}
	}
}

// checkGrossProfit verifies gross ~= revenue - |cogs| per column when rows
// labelled revenue, cogs and gross profit all exist.
func checkGrossProfit(grid [][]string, values [][]float64, res *ValidationResult) {
	revenue := findRow(grid, "revenue")
	cogs := findRow(grid, "cogs", "cost of goods", "cost of sales")
	gross := findRow(grid, "gross profit", "gross margin")
	if revenue < 0 || cogs < 0 || gross < 0 {
		return
	}
	cols := len(grid[revenue])
	for c := 1; c < cols; c++ {
		if c >= len(values[revenue]) || c >= len(values[cogs]) || c >= len(values[gross]) {
			continue
		}
		rv, cv, gv := values[revenue][c], values[cogs][c], values[gross][c]
		if math.IsNaN(rv) || math.IsNaN(cv) || math.IsNaN(gv) {
			continue
		}
		res.ChecksPerformed++
		expected := rv - math.Abs(cv)
		if isClose(gv, expected, grossRelTol, grossAbsTol) {
			res.ChecksPassed++
		} else {
			res.Issues = append(res.Issues, ValidationIssue{
				Message:  fmt.Sprintf("gross profit %s deviates from revenue minus cogs %s", FormatNumber(gv), FormatNumber(expected)),
				Row:      gross,
				Column:   c,
				Severity: SeverityError,
			})
		}
	}
}

func findRow(grid [][]string, labels ...string) int {
	for r, row := range grid {
		if len(row) == 0 {
			continue
		}
		l := strings.ToLower(strings.TrimSpace(row[0]))
		for _, label := range labels {
			if strings.Contains(l, label) {
				return r
			}
		}
	}
	return -1
}

// isClose mirrors the usual relative+absolute tolerance comparison.
func isClose(a, b, relTol, absTol float64) bool {
	return math.Abs(a-b) <= math.Max(relTol*math.Max(math.Abs(a), math.Abs(b)), absTol)
}
