package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const asciiPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Canonical folds text for comparison: diacritics removed (NFKD, non-ASCII
// dropped), punctuation stripped, lowercased, whitespace collapsed.
func Canonical(s string) string {
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	folded = strings.Map(func(r rune) rune {
		if strings.ContainsRune(asciiPunctuation, r) {
			return -1
		}
		return unicode.ToLower(r)
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

// Similarity is the difflib ratio between a and b compared rune by rune.
func Similarity(a, b string) float64 {
	return difflib.NewMatcher(splitRunes(a), splitRunes(b)).Ratio()
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Destutter collapses immediate repeats: a short word (up to four
// characters) said twice or more, and phrases of two to four words said
// twice or more. Comparison ignores case and the first occurrence is kept.
// Trailing punctuation on the last repeat carries over.
func Destutter(text string) string {
	words := strings.Fields(text)
	for {
		next, changed := collapseRepeats(words)
		words = next
		if !changed {
			break
		}
	}
	return strings.Join(words, " ")
}

func collapseRepeats(words []string) ([]string, bool) {
	out := make([]string, 0, len(words))
	changed := false
	for i := 0; i < len(words); {
		n := repeatWidth(words, i)
		if n == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		phrase := append([]string(nil), words[i:i+n]...)
		j := i + n
		for j+n <= len(words) {
			tail, ok := repeatOf(words[i:i+n], words[j:j+n])
			if !ok {
				break
			}
			changed = true
			j += n
			if tail != "" {
				phrase[n-1] += tail
				break
			}
		}
		out = append(out, phrase...)
		i = j
	}
	return out, changed
}

// repeatWidth returns the width of the longest phrase starting at i that is
// immediately repeated, or 0.
func repeatWidth(words []string, i int) int {
	for n := 4; n >= 1; n-- {
		if i+2*n > len(words) {
			continue
		}
		if n == 1 && utf8.RuneCountInString(words[i]) > 4 {
			continue
		}
		if _, ok := repeatOf(words[i:i+n], words[i+n:i+2*n]); ok {
			return n
		}
	}
	return 0
}

// repeatOf reports whether cand repeats phrase. The last word of cand may
// carry trailing punctuation, returned as tail.
func repeatOf(phrase, cand []string) (string, bool) {
	last := len(phrase) - 1
	for k := range phrase {
		if !isWord(phrase[k]) {
			return "", false
		}
		c := cand[k]
		if k < last {
			if !isWord(c) || !strings.EqualFold(phrase[k], c) {
				return "", false
			}
			continue
		}
		core := strings.TrimRightFunc(c, func(r rune) bool { return !isWordRune(r) })
		if core == "" || !isWord(core) || !strings.EqualFold(phrase[k], core) {
			return "", false
		}
		return c[len(core):], true
	}
	return "", false
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
