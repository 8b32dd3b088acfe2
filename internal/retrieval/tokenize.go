package retrieval

import (
	"strings"
	"unicode"
)

// Tokenize turns a free-text query into search terms: whitespace split, tokens of two
// characters or fewer dropped, then everything but letters and digits stripped.
func Tokenize(query string) []string {
	var out []string
	for _, field := range strings.Fields(query) {
		if len([]rune(field)) <= 2 {
			continue
		}
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, field)
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}
