package grammar

import (
	"strings"
	"unicode/utf8"
)

const fallbackWindow = 100

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

// ExtractSentence returns the sentence whose span contains cursor, a rune
// offset into text. A cursor past the last terminator selects the trailing
// fragment, or the last complete sentence when that fragment is blank. Text
// without any terminator falls back to a window of runes around the cursor.
func ExtractSentence(text string, cursor int) string {
	runes := []rune(text)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(runes) {
		cursor = len(runes)
	}

	start := 0
	prevStart, prevEnd := -1, -1
	for i, r := range runes {
		if !isTerminator(r) {
			continue
		}
		if cursor <= i {
			return strings.TrimSpace(string(runes[start : i+1]))
		}
		if strings.TrimSpace(string(runes[start:i+1])) != "" {
			prevStart, prevEnd = start, i+1
		}
		start = i + 1
	}

	if prevEnd < 0 && start == 0 {
		lo := max(0, cursor-fallbackWindow)
		hi := min(len(runes), cursor+fallbackWindow)
		return strings.TrimSpace(string(runes[lo:hi]))
	}

	trailing := strings.TrimSpace(string(runes[start:]))
	if trailing == "" && prevEnd >= 0 {
		return strings.TrimSpace(string(runes[prevStart:prevEnd]))
	}
	return trailing
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
