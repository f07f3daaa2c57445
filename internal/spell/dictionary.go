package spell

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const maxSuggestions = 5

const alphabet = "abcdefghijklmnopqrstuvwxyz'-"

// Dictionary is an Oracle over a plain word list, one word per line. Lines
// starting with '#' are comments.
type Dictionary struct {
	fs   afero.Fs
	path string

	mu     sync.RWMutex
	words  map[string]struct{}
	loaded bool
}

func NewDictionary(fs afero.Fs, path string) *Dictionary {
	return &Dictionary{fs: fs, path: path}
}

// WarmUp loads the word list.
func (d *Dictionary) WarmUp(context.Context) error {
	raw, err := afero.ReadFile(d.fs, d.path)
	if err != nil {
		return fmt.Errorf("read dictionary %s: %w", d.path, err)
	}
	words := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words[strings.ToLower(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan dictionary %s: %w", d.path, err)
	}
	d.mu.Lock()
	d.words = words
	d.loaded = true
	d.mu.Unlock()
	return nil
}

func (d *Dictionary) CheckWords(_ context.Context, words []string) ([]WordResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.loaded {
		return nil, ErrNotLoaded
	}
	out := make([]WordResult, 0, len(words))
	for _, w := range words {
		key := strings.ToLower(w)
		if _, ok := d.words[key]; ok || isNumeric(key) {
			out = append(out, WordResult{Word: w, IsCorrect: true, Suggestions: []string{}})
			continue
		}
		out = append(out, WordResult{Word: w, IsCorrect: false, Suggestions: d.suggest(key)})
	}
	return out, nil
}

// suggest lists dictionary words one edit away from word.
func (d *Dictionary) suggest(word string) []string {
	seen := make(map[string]struct{})
	for _, candidate := range edits1(word) {
		if _, ok := d.words[candidate]; ok {
			seen[candidate] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

func edits1(word string) []string {
	runes := []rune(word)
	letters := []rune(alphabet)
	var out []string
	for i := 0; i <= len(runes); i++ {
		left, right := runes[:i], runes[i:]
		if len(right) > 0 {
			out = append(out, string(left)+string(right[1:]))
		}
		if len(right) > 1 {
			out = append(out, string(left)+string(right[1])+string(right[0])+string(right[2:]))
		}
		for _, c := range letters {
			if len(right) > 0 {
				out = append(out, string(left)+string(c)+string(right[1:]))
			}
			out = append(out, string(left)+string(c)+string(right))
		}
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
