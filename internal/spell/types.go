// Package spell keeps a live list of misspelled-word spans for an editor
// session, resolving words through a batched correctness oracle.
package spell

import (
	"context"
	"errors"
)

// WordResult is the oracle's verdict on one word.
type WordResult struct {
	Word        string   `json:"word"`
	IsCorrect   bool     `json:"isCorrect"`
	Suggestions []string `json:"suggestions"`
}

// Oracle answers correctness for a batch of words.
type Oracle interface {
	CheckWords(ctx context.Context, words []string) ([]WordResult, error)
}

// Warmer is implemented by oracles that need initialization before use.
type Warmer interface {
	WarmUp(ctx context.Context) error
}

type Readiness string

const (
	ReadinessLoading Readiness = "loading"
	ReadinessReady   Readiness = "ready"
	ReadinessFailed  Readiness = "failed"
)

// Error is a misspelled span. Start and End are rune offsets into the text
// that produced it.
type Error struct {
	Word        string   `json:"word"`
	Start       int      `json:"start"`
	End         int      `json:"end"`
	Suggestions []string `json:"suggestions"`
}

var (
	ErrErrorIndex = errors.New("spelling error index out of range")
	ErrNotLoaded  = errors.New("dictionary not loaded")
	ErrEmptyWord  = errors.New("no word to check")
)
