package spell

import (
	"strings"
	"unicode"
)

// Token is a word with its rune offsets in the source text.
type Token struct {
	Word  string
	Start int
	End   int
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '’' || r == '-'
}

func isEdgeRune(r rune) bool {
	return r == '\'' || r == '’' || r == '-'
}

// Tokenize splits text into runs of letters, digits, apostrophes and
// hyphens, trims apostrophes and hyphens from both ends and drops runs
// without a letter.
func Tokenize(text string) []Token {
	var tokens []Token
	runes := []rune(text)
	for i := 0; i < len(runes); {
		if !isWordRune(runes[i]) {
			i++
			continue
		}
		start := i
		for i < len(runes) && isWordRune(runes[i]) {
			i++
		}
		end := i
		for start < end && isEdgeRune(runes[start]) {
			start++
		}
		for end > start && isEdgeRune(runes[end-1]) {
			end--
		}
		word := runes[start:end]
		if !hasLetter(word) {
			continue
		}
		tokens = append(tokens, Token{Word: string(word), Start: start, End: end})
	}
	return tokens
}

func hasLetter(word []rune) bool {
	for _, r := range word {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// normalize is the cache and ignore-list key for a word.
func normalize(word string) string {
	trimmed := strings.TrimFunc(word, func(r rune) bool { return isEdgeRune(r) || unicode.IsSpace(r) })
	return strings.ToLower(trimmed)
}
