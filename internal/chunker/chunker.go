// Package chunker splits extracted document text into overlapping retrievable pieces.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMaxChars = 1500
	DefaultOverlap  = 200
	// MinChars is the shortest piece kept; shorter trailing scraps are dropped.
	MinChars = 50

	breakFloor = 0.3
	maxHeading = 80
)

var newlineRuns = regexp.MustCompile(`\n{3,}`)

// Piece is one chunk of the normalized text. Start and End are byte offsets into
// Normalize(text) and Content == Normalize(text)[Start:End].
type Piece struct {
	Content      string
	SectionTitle string
	Start        int
	End          int
}

// Normalize unifies line endings, collapses runs of three or more newlines and trims.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Chunk splits text into pieces of at most maxChars bytes with overlap bytes shared between
// neighbours. Non-positive maxChars falls back to DefaultMaxChars. The result depends only
// on the arguments.
func Chunk(text string, maxChars, overlap int) []Piece {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxChars {
		overlap = maxChars / 2
	}

	text = Normalize(text)
	if text == "" {
		return []Piece{}
	}
	headings := findHeadings(text)
	if len(text) < MinChars {
		return []Piece{{Content: text, Start: 0, End: len(text), SectionTitle: titleAt(headings, 0)}}
	}

	var pieces []Piece
	start := 0
	for start < len(text) {
		end := start + maxChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = breakPoint(text, start, end, maxChars)
		}
		if end <= start {
			_, size := utf8.DecodeRuneInString(text[start:])
			end = start + size
		}

		s, e := trimSpan(text, start, end)
		if e-s >= MinChars {
			pieces = append(pieces, Piece{
				Content:      text[s:e],
				SectionTitle: titleAt(headings, s),
				Start:        s,
				End:          e,
			})
		}
		if end >= len(text) {
			break
		}

		next := alignRune(text, end-overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	if pieces == nil {
		return []Piece{}
	}
	return pieces
}

// breakPoint picks where the window [start, end) should stop: the last paragraph break,
// then the last sentence end, both at or after 30% of the window, else a hard cut.
func breakPoint(text string, start, end, maxChars int) int {
	floor := start + int(float64(maxChars)*breakFloor)
	window := text[start:end]

	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 && start+idx >= floor {
		return start + idx + 2
	}
	for i := len(window) - 1; i >= 0 && start+i >= floor; i-- {
		switch window[i] {
		case '.', '!', '?':
			if start+i+1 < len(text) && isSpace(text[start+i+1]) {
				return start + i + 1
			}
		}
	}
	return alignRune(text, end)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

// alignRune moves i back to the first byte of the rune containing it.
func alignRune(text string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(text) {
		return len(text)
	}
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

func trimSpan(text string, start, end int) (int, int) {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return start, end
}

type heading struct {
	offset int
	title  string
}

// findHeadings collects short standalone lines that read like section titles, e.g.
// "§ 4 Abs. 1" or "2. Betriebsausgaben".
func findHeadings(text string) []heading {
	var out []heading
	prevBlank := true
	offset := 0
	for offset <= len(text) {
		nl := strings.IndexByte(text[offset:], '\n')
		lineEnd := len(text)
		if nl >= 0 {
			lineEnd = offset + nl
		}
		line := strings.TrimSpace(text[offset:lineEnd])
		if prevBlank && nl >= 0 && isHeading(line) {
			out = append(out, heading{offset: offset, title: line})
		}
		prevBlank = line == ""
		if nl < 0 {
			break
		}
		offset = lineEnd + 1
	}
	return out
}

func isHeading(line string) bool {
	if len(line) < 3 || len(line) > maxHeading {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(line)
	if strings.ContainsRune(".,;:!?", last) {
		return false
	}
	first, _ := utf8.DecodeRuneInString(line)
	if !(unicode.IsUpper(first) || unicode.IsDigit(first) || first == '§') {
		return false
	}
	return strings.IndexFunc(line, unicode.IsLetter) >= 0
}

// titleAt returns the nearest heading starting at or before offset.
func titleAt(headings []heading, offset int) string {
	title := ""
	for _, h := range headings {
		if h.offset > offset {
			break
		}
		title = h.title
	}
	return title
}
