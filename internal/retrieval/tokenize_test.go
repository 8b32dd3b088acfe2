package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "blank", query: "   \t ", want: nil},
		{name: "short tokens dropped", query: "ab zu § 4", want: nil},
		{name: "punctuation stripped", query: "(Umsatzsteuer) Voranmeldung, 2023?", want: []string{"Umsatzsteuer", "Voranmeldung", "2023"}},
		{name: "accents kept", query: "Größe der Büroräume", want: []string{"Größe", "der", "Büroräume"}},
		{name: "symbol only token vanishes", query: "--- Reisekosten", want: []string{"Reisekosten"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Tokenize(tc.query))
		})
	}
}

func TestSimilarity(t *testing.T) {
	q := trigrams("Reisekosten")
	assert.InDelta(t, 1.0, similarity(q, "Reisekosten"), 1e-9)
	assert.Greater(t, similarity(q, "Die Reisekostenabrechnung liegt bei"), 0.5)
	assert.Zero(t, similarity(q, "0000 1111 2222"))
	assert.Zero(t, similarity(trigrams(""), "anything"))
}
