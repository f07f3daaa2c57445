// Package grammar turns idle-typing signals into rate-limited, cost-bounded,
// cached calls to a sentence-improvement oracle.
package grammar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type SuggestionType string

const (
	TypeGrammar SuggestionType = "grammar"
	TypeStyle   SuggestionType = "style"
	TypeClarity SuggestionType = "clarity"
)

type Suggestion struct {
	Type       SuggestionType `json:"type"`
	Original   string         `json:"original"`
	Suggestion string         `json:"suggestion"`
	Reason     string         `json:"reason"`
}

// Result is an oracle verdict on one sentence. Scores are passed through
// as reported.
type Result struct {
	Suggestions      []Suggestion `json:"suggestions"`
	Score            float64      `json:"score"`
	ImprovedScore    float64      `json:"improvedScore"`
	ReadabilityGrade *float64     `json:"readabilityGrade,omitempty"`

	Cost       float64 `json:"cost"`
	DurationMs int64   `json:"durationMs"`
	Cached     bool    `json:"cached"`
}

// Response is what an Oracle returns for a single check. Cost is only
// meaningful when CostReported is set.
type Response struct {
	Result       Result
	Cost         float64
	CostReported bool
}

// Oracle judges a sentence, optionally using the surrounding text as context.
type Oracle interface {
	Check(ctx context.Context, sentence, surrounding string) (Response, error)
}

var (
	ErrSentenceTooLong  = errors.New("sentence too long")
	ErrSentenceTooShort = errors.New("sentence too short")
	ErrCostLimit        = errors.New("hourly cost limit reached")
	ErrThrottled        = errors.New("grammar check throttled")
	ErrRateLimited      = errors.New("grammar oracle rate limited")
	ErrResponseInvalid  = errors.New("grammar oracle response invalid")
	ErrInvalidRequest   = errors.New("grammar oracle rejected request")
	ErrSuggestionIndex  = errors.New("suggestion index out of range")
	ErrSessionClosed    = errors.New("grammar session closed")
)

// CostLimitError is returned while the hourly ledger is at its cap.
type CostLimitError struct {
	ResetTime time.Time
}

func (e *CostLimitError) Error() string {
	return fmt.Sprintf("%s until %s", ErrCostLimit, e.ResetTime.Format(time.RFC3339))
}

func (e *CostLimitError) Unwrap() error { return ErrCostLimit }

// ThrottleError is returned when a call comes too soon after the previous one.
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrThrottled, e.RetryAfter.Round(time.Millisecond))
}

func (e *ThrottleError) Unwrap() error { return ErrThrottled }

// upstreamError marks 5xx and 408 replies from the oracle.
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("grammar oracle upstream %d: %s", e.status, e.msg)
}

func (e upstreamError) Timeout() bool   { return e.status == 408 }
func (e upstreamError) Temporary() bool { return e.status/100 == 5 }
