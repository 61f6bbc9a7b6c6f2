package aggregator

import (
	"strings"
	"unicode"
)

// tokenSet lowercases text and splits it on anything that is not a letter or
// digit, so punctuation does not defeat overlap.
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b| over the token sets of a and b. Two empty
// texts are identical.
func Jaccard(a, b string) float64 {
	return jaccardSets(tokenSet(a), tokenSet(b))
}

func jaccardSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
