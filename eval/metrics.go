package eval

import (
	"strings"
	"unicode"
)

// normalizeLLMText normalizes Unicode characters commonly inserted by LLMs
// so that substring matching works reliably:
//   - Unicode whitespace becomes an ASCII space (U+202F, U+00A0, etc.)
//   - Unicode hyphens become an ASCII hyphen (U+2010 to U+2014)
//   - zero-width characters are stripped (U+200B, U+200C, U+200D, U+FEFF)
func normalizeLLMText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == '\u2010' || r == '\u2011' || r == '\u2012' || r == '\u2013' || r == '\u2014':
			b.WriteByte('-')
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
			// zero-width
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// computeAccuracy returns the fraction of expected facts found in the
// answer. Matching ignores case, spaces and hyphens, and a fact of the form
// "a|b" counts when either alternative is present.
func computeAccuracy(answer string, expectedFacts []string) float64 {
	if answer == "" || len(expectedFacts) == 0 {
		return 0
	}

	normalized := normalizeLLMText(strings.ToLower(answer))
	spaceless := strings.ReplaceAll(normalized, " ", "")
	hyphenless := strings.ReplaceAll(spaceless, "-", "")
	found := 0
	for _, fact := range expectedFacts {
		for _, alt := range strings.Split(fact, "|") {
			alt = strings.TrimSpace(alt)
			if alt == "" {
				continue
			}
			normAlt := normalizeLLMText(strings.ToLower(alt))
			normAltNoSpace := strings.ReplaceAll(normAlt, " ", "")
			normAltNoHyphen := strings.ReplaceAll(normAltNoSpace, "-", "")
			if strings.Contains(normalized, normAlt) ||
				strings.Contains(spaceless, normAltNoSpace) ||
				strings.Contains(hyphenless, normAltNoHyphen) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(expectedFacts))
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
