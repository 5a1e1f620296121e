package inference

import (
	"strings"
	"unicode/utf8"
)

const maxErrorText = 300

// Summarize trims backend error text to a single bounded line so raw
// responses never reach job records verbatim.
func Summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxErrorText {
		return text
	}
	cut := maxErrorText
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
