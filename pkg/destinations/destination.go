// Package destinations caches each account's transfer destinations and
// resolves spoken labels against them.
package destinations

import (
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultFuzzyCutoff is the minimum similarity for a fuzzy label match.
const DefaultFuzzyCutoff = 0.70

// Destination is a named transfer target configured for an account.
type Destination struct {
	Label       string `json:"label" mapstructure:"label"`
	Number      string `json:"number" mapstructure:"number"`
	Extension   string `json:"ext" mapstructure:"ext"`
	Description string `json:"description" mapstructure:"description"`
}

// HasDigitExtension reports whether Extension is non-empty and all digits,
// the only form that is dialed as DTMF.
func (d Destination) HasDigitExtension() bool {
	if d.Extension == "" {
		return false
	}
	for _, r := range d.Extension {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizeLabel lowercases a label and drops everything that is not a
// letter, digit or underscore, so "Sales " and "sales" compare equal.
func NormalizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, label)
}

// FindExact returns the destination whose normalized label equals label's.
func FindExact(list []Destination, label string) (Destination, bool) {
	want := NormalizeLabel(label)
	if want == "" {
		return Destination{}, false
	}
	for _, d := range list {
		if NormalizeLabel(d.Label) == want {
			return d, true
		}
	}
	return Destination{}, false
}

// FindClosest tries an exact match, then the most similar normalized label
// at or above cutoff. Ties keep the earliest destination.
func FindClosest(list []Destination, label string, cutoff float64) (Destination, bool) {
	if d, ok := FindExact(list, label); ok {
		return d, true
	}
	want := NormalizeLabel(label)
	if want == "" {
		return Destination{}, false
	}
	best, bestScore := -1, cutoff
	for i, d := range list {
		score := similarity(want, NormalizeLabel(d.Label))
		if score > bestScore || (best < 0 && score >= bestScore) {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Destination{}, false
	}
	return list[best], true
}

func similarity(a, b string) float64 {
	return difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, "")).Ratio()
}
