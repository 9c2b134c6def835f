package financial

import (
	"regexp"
	"strconv"
	"strings"
)

var parenNegative = regexp.MustCompile(`^\(\s*[^)]+\s*\)$`)

// ParseNumber parses a table cell as a number, handling the accounting
// conventions: thousands separators, currency glyphs, parentheses negatives,
// and trailing percent signs.
func ParseNumber(cell string) (float64, bool) {
	s := strings.TrimSpace(cell)
	if s == "" {
		return 0, false
	}

	negative := false
	if parenNegative.MatchString(s) {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	percent := false
	if strings.HasSuffix(s, "%") {
		percent = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}

	s = strings.Map(func(r rune) rune {
		switch r {
		case ',', '$', '€', '£', '¥', ' ':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return 0, false
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		v = -v
	}
	if percent {
		v /= 100
	}
	return v, true
}

// FormatNumber renders a value the way ParseNumber reads it back: negatives
// in parentheses, no separators.
func FormatNumber(v float64) string {
	if v < 0 {
		return "(" + strconv.FormatFloat(-v, 'f', -1, 64) + ")"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
