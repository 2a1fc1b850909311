package reasoning

import (
	"regexp"
	"strconv"
)

// citationPattern matches the page token the model is told to end with.
// Whitespace after the colon is optional; the keyword is case-sensitive.
var citationPattern = regexp.MustCompile(`\[PAGE:\s*(\d+)\]`)

// ParseCitation returns the page number of the first citation token in
// text. Missing, zero or unparseable page numbers report ok=false.
func ParseCitation(text string) (page int, ok bool) {
	m := citationPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
