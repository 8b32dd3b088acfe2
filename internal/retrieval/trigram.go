package retrieval

import (
	"strings"
	"unicode"
)

type trigramSet map[string]struct{}

// trigrams follows pg_trgm: lower-cased alphanumeric words, each padded with two leading
// blanks and one trailing blank, cut into every three-rune window.
func trigrams(text string) trigramSet {
	set := make(trigramSet)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		padded := []rune("  " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			set[string(padded[i:i+3])] = struct{}{}
		}
	}
	return set
}

// similarity is the share of the query's trigrams that also occur in the text, in [0, 1],
// in the spirit of pg_trgm's word_similarity.
func similarity(query trigramSet, text string) float64 {
	if len(query) == 0 {
		return 0
	}
	doc := trigrams(text)
	shared := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(query))
}
