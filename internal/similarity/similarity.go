// Package similarity scores how closely a transcribed attempt matches the
// expected phrase using normalized Levenshtein distance.
package similarity

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// DefaultThreshold is the minimum score at which an attempt is accepted.
const DefaultThreshold = 0.97

const punctuation = ".,/#!$%^&*;:{}=-_`~()"

var stripper = buildStripper()

func buildStripper() *strings.Replacer {
	pairs := make([]string, 0, len(punctuation)*2)
	for _, r := range punctuation {
		pairs = append(pairs, string(r), "")
	}
	return strings.NewReplacer(pairs...)
}

// Normalize lowercases s, removes the punctuation classes ignored during
// scoring and trims surrounding whitespace.
func Normalize(s string) string {
	return strings.TrimSpace(stripper.Replace(strings.ToLower(s)))
}

// Score returns 1 - d/max(len(a), len(b)) over the normalized inputs, where d
// is the edit distance and lengths are counted in code points. Two empty
// inputs score 1.
func Score(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	longest := max(utf8.RuneCountInString(na), utf8.RuneCountInString(nb))
	if longest == 0 {
		return 1
	}
	d := matchr.Levenshtein(na, nb)
	return 1 - float64(d)/float64(longest)
}

// Accept reports whether score clears threshold.
func Accept(score, threshold float64) bool {
	return score >= threshold
}
