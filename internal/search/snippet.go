package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// snippet finds the first case-insensitive occurrence of query in content
// and returns the text starting there, len(query)+contextLength runes long
// or shorter if content ends first. Lengths are counted in runes. An empty
// query matches at the start of content.
func snippet(content, query string, contextLength int) (string, bool) {
	// unicode.ToLower maps rune to rune, so rune offsets in the lowered text
	// line up with the original.
	lower := strings.Map(unicode.ToLower, content)
	idx := strings.Index(lower, strings.Map(unicode.ToLower, query))
	if idx < 0 {
		return "", false
	}
	start := utf8.RuneCountInString(lower[:idx])

	runes := []rune(content)
	end := start + utf8.RuneCountInString(query)
	// Compare against what is left so a huge contextLength cannot overflow.
	if rest := len(runes) - end; contextLength < rest {
		end += contextLength
	} else {
		end = len(runes)
	}
	return string(runes[start:end]), true
}
