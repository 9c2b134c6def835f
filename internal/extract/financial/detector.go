// Package financial scores extracted tables for financial content and checks
// their numeric consistency.
package financial

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Confidence bands.
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// Feature weights, keyed by feature name.
var featureWeights = map[string]float64{
	"column_stability":   0.15,
	"density_gradient":   0.20,
	"indentation":        0.10,
	"periodized_headers": 0.20,
	"totals":             0.15,
	"currency":           0.10,
}

const keywordWeight = 0.10

var periodPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bQ[1-4]\b`),
	regexp.MustCompile(`(?i)\bFY\s*20\d{2}\b`),
	regexp.MustCompile(`(?i)\bYTD\b`),
	regexp.MustCompile(`\b20\d{2}\s*[-–]\s*20\d{2}\b`),
}

var totalMarkers = []string{"total", "subtotal", "net income", "net loss", "balance"}

var financialKeywords = []string{
	"revenue", "income", "expense", "profit", "loss", "cash", "assets",
	"liabilities", "equity", "ebitda", "margin", "cogs", "depreciation",
	"amortization", "gross", "operating", "interest", "tax",
}

// Classifier optionally overrides the heuristic score. The feature vector is
// ordered by sorted feature name so a trained model sees a stable layout.
type Classifier interface {
	Score(features []float64) (score float64, ok bool)
}

// Detection is the detector's verdict on one table.
type Detection struct {
	Score       float64
	Band        string
	Features    map[string]float64
	KeywordHits int
}

// Detector scores table grids on [0, 1].
type Detector struct {
	classifier Classifier
}

// NewDetector builds a Detector; classifier may be nil.
func NewDetector(classifier Classifier) *Detector {
	return &Detector{classifier: classifier}
}

// Detect scores the grid. The first row is treated as the header.
func (d *Detector) Detect(grid [][]string) Detection {
	features := map[string]float64{
		"column_stability":   columnStability(grid),
		"density_gradient":   densityGradient(grid),
		"indentation":        indentation(grid),
		"periodized_headers": periodizedHeaders(grid),
		"totals":             totalsFeature(grid),
		"currency":           currencyFeature(grid),
	}
	hits := keywordHits(grid)

	score := keywordWeight * math.Min(1, float64(hits)/5)
	for name, v := range features {
		score += featureWeights[name] * v
	}
	score = clamp01(score)

	if d.classifier != nil {
		if s, ok := d.classifier.Score(FeatureVector(features)); ok {
			score = clamp01(s)
		}
	}

	return Detection{Score: score, Band: band(score), Features: features, KeywordHits: hits}
}

// FeatureVector flattens features ordered by sorted feature name.
func FeatureVector(features map[string]float64) []float64 {
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = features[name]
	}
	return out
}

func band(score float64) string {
	switch {
	case score >= 0.5:
		return BandHigh
	case score >= 0.3:
		return BandMedium
	default:
		return BandLow
	}
}

// columnStability compares the header column count against the body mean and
// spread. A body whose rows consistently fill the header's columns scores 1.
func columnStability(grid [][]string) float64 {
	if len(grid) < 2 {
		return 0
	}
	headerCols := filledCells(grid[0])
	if headerCols == 0 {
		return 0
	}
	var sum, sumSq float64
	body := grid[1:]
	for _, row := range body {
		n := float64(filledCells(row))
		sum += n
		sumSq += n * n
	}
	mean := sum / float64(len(body))
	variance := sumSq/float64(len(body)) - mean*mean
	if variance < 0 {
		variance = 0
	}
	diff := math.Abs(float64(headerCols)-mean) / float64(headerCols)
	spread := math.Sqrt(variance) / float64(headerCols)
	return clamp01(1 - diff - spread)
}

// densityGradient is the body numeric density minus the header numeric
// density, clamped to [0, 1]. Financial tables have text headers over
// numeric bodies.
func densityGradient(grid [][]string) float64 {
	if len(grid) < 2 {
		return 0
	}
	header := numericDensity(grid[:1])
	body := numericDensity(grid[1:])
	return clamp01(body - header)
}

// indentation counts unique indent levels among row labels, normalized by 4.
func indentation(grid [][]string) float64 {
	levels := map[int]struct{}{}
	for _, row := range grid[min(1, len(grid)):] {
		if len(row) == 0 {
			continue
		}
		label := row[0]
		indent := len(label) - len(strings.TrimLeft(label, " \t"))
		if strings.TrimSpace(label) != "" {
			levels[indent] = struct{}{}
		}
	}
	return clamp01(float64(len(levels)) / 4)
}

// periodizedHeaders is the fraction of header cells matching period patterns.
func periodizedHeaders(grid [][]string) float64 {
	if len(grid) == 0 {
		return 0
	}
	header := grid[0]
	filled := filledCells(header)
	if filled == 0 {
		return 0
	}
	matched := 0
	for _, cell := range header {
		for _, re := range periodPatterns {
			if re.MatchString(cell) {
				matched++
				break
			}
		}
	}
	return clamp01(float64(matched) / float64(filled))
}

// totalsFeature is the fraction of the last up-to-3 rows whose first cell
// carries a total marker.
func totalsFeature(grid [][]string) float64 {
	if len(grid) < 2 {
		return 0
	}
	body := grid[1:]
	n := len(body)
	window := 3
	if n < window {
		window = n
	}
	matched := 0
	for _, row := range body[n-window:] {
		if len(row) > 0 && isTotalRow(row[0]) {
			matched++
		}
	}
	return clamp01(float64(matched) / float64(window))
}

func isTotalRow(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	for _, marker := range totalMarkers {
		if strings.Contains(l, marker) {
			return true
		}
	}
	return false
}

// currencyFeature is the density of cells carrying currency glyphs, with a
// bonus for parentheses-negative formatting.
func currencyFeature(grid [][]string) float64 {
	total, currency, parens := 0, 0, false
	for _, row := range grid {
		for _, cell := range row {
			if strings.TrimSpace(cell) == "" {
				continue
			}
			total++
			if strings.ContainsAny(cell, "$€£¥") {
				currency++
			}
			if parenNegative.MatchString(cell) {
				parens = true
			}
		}
	}
	if total == 0 {
		return 0
	}
	score := float64(currency) / float64(total)
	if parens {
		score += 0.2
	}
	return clamp01(score)
}

func keywordHits(grid [][]string) int {
	hits := 0
	for _, row := range grid {
		for _, cell := range row {
			l := strings.ToLower(cell)
			for _, kw := range financialKeywords {
				if strings.Contains(l, kw) {
					hits++
					break
				}
			}
		}
	}
	return hits
}

func numericDensity(rows [][]string) float64 {
	total, numeric := 0, 0
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) == "" {
				continue
			}
			total++
			if _, ok := ParseNumber(cell); ok {
				numeric++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(numeric) / float64(total)
}

func filledCells(row []string) int {
	n := 0
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
