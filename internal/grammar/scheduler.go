package grammar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ttoman/tt-wordwise/internal/clock"
	"github.com/ttoman/tt-wordwise/internal/notify"
)

// SentenceChecker is the shared check path; *Checker implements it.
type SentenceChecker interface {
	Check(ctx context.Context, sentence, fullText string) (Result, error)
}

type SchedulerOptions struct {
	SessionID      string
	IdleDelay      time.Duration
	MinSentenceLen int
	// Source returns the current text and cursor when the idle timer fires.
	// When nil the scheduler uses the text passed to ScheduleCheckOnIdle.
	Source func() (string, int)

	Clock  clock.Clock
	Events notify.Publisher
}

// State is the suggestion panel of one editor session.
type State struct {
	Suggestions      []Suggestion `json:"suggestions"`
	Score            float64      `json:"score"`
	ImprovedScore    float64      `json:"improvedScore"`
	ReadabilityGrade *float64     `json:"readabilityGrade,omitempty"`
	Error            string       `json:"error,omitempty"`
	Checking         bool         `json:"checking"`
	Sentence         string       `json:"sentence,omitempty"`
}

// Scheduler debounces idle signals of one editor session into checks.
type Scheduler struct {
	checker SentenceChecker
	opts    SchedulerOptions

	mu          sync.Mutex
	text        string
	cursor      int
	timer       clock.Timer
	gen         uint64
	state       State
	lastChecked string
	closed      bool

	// seq numbers runs as they start; applied is the newest run whose
	// outcome reached state. Older runs finishing later are dropped.
	seq      uint64
	applied  uint64
	inflight int
}

func NewScheduler(checker SentenceChecker, opts SchedulerOptions) *Scheduler {
	if opts.IdleDelay <= 0 {
		opts.IdleDelay = 2 * time.Second
	}
	if opts.MinSentenceLen <= 0 {
		opts.MinSentenceLen = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Events == nil {
		opts.Events = notify.Nop{}
	}
	return &Scheduler{
		checker: checker,
		opts:    opts,
		state:   State{Suggestions: []Suggestion{}},
	}
}

// ScheduleCheckOnIdle records the latest text and restarts the idle timer.
func (s *Scheduler) ScheduleCheckOnIdle(text string, cursor int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.text = text
	s.cursor = cursor
	clock.Stop(s.timer)
	s.gen++
	gen := s.gen
	s.timer = s.opts.Clock.AfterFunc(s.opts.IdleDelay, func() { s.fire(gen) })
}

func (s *Scheduler) current() (string, int) {
	if s.opts.Source != nil {
		return s.opts.Source()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.cursor
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	text, cursor := s.current()
	sentence := ExtractSentence(text, cursor)
	if runeLen(sentence) < s.opts.MinSentenceLen {
		return
	}
	s.mu.Lock()
	duplicate := sentence == s.lastChecked
	s.mu.Unlock()
	if duplicate {
		return
	}
	_, _ = s.run(context.Background(), sentence, text)
}

// CheckNow checks sentence immediately, bypassing the idle timer and the
// duplicate filter.
func (s *Scheduler) CheckNow(ctx context.Context, sentence, fullText string) (Result, error) {
	sentence = strings.TrimSpace(sentence)
	if runeLen(sentence) < s.opts.MinSentenceLen {
		return Result{}, fmt.Errorf("check sentence of %d characters: %w", runeLen(sentence), ErrSentenceTooShort)
	}
	return s.run(ctx, sentence, fullText)
}

func (s *Scheduler) run(ctx context.Context, sentence, fullText string) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	s.seq++
	seq := s.seq
	s.inflight++
	s.state.Checking = true
	s.mu.Unlock()

	result, err := s.checker.Check(ctx, sentence, fullText)

	s.mu.Lock()
	s.inflight--
	s.state.Checking = s.inflight > 0
	if s.closed || seq < s.applied {
		s.mu.Unlock()
		return result, err
	}
	s.applied = seq
	var ev notify.Event
	if err != nil {
		s.state.Error = ErrorMessage(err)
		ev = notify.Event{
			Type:      notify.GrammarError,
			SessionID: s.opts.SessionID,
			Payload:   map[string]any{"error": s.state.Error, "sentence": sentence},
		}
	} else {
		suggestions := make([]Suggestion, len(result.Suggestions))
		copy(suggestions, result.Suggestions)
		s.state = State{
			Suggestions:      suggestions,
			Score:            result.Score,
			ImprovedScore:    result.ImprovedScore,
			ReadabilityGrade: result.ReadabilityGrade,
			Checking:         s.inflight > 0,
			Sentence:         sentence,
		}
		s.lastChecked = sentence
		ev = notify.Event{
			Type:      notify.GrammarResult,
			SessionID: s.opts.SessionID,
			Payload:   s.snapshotLocked(),
		}
	}
	s.mu.Unlock()

	s.opts.Events.Publish(ev)
	return result, err
}

// ApplySuggestion removes the suggestion at index and returns its
// replacement text for the caller to splice in.
func (s *Scheduler) ApplySuggestion(index int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed, err := s.removeLocked(index)
	if err != nil {
		return "", err
	}
	return removed.Suggestion, nil
}

func (s *Scheduler) DismissSuggestion(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.removeLocked(index)
	return err
}

func (s *Scheduler) removeLocked(index int) (Suggestion, error) {
	if index < 0 || index >= len(s.state.Suggestions) {
		return Suggestion{}, fmt.Errorf("remove suggestion %d of %d: %w", index, len(s.state.Suggestions), ErrSuggestionIndex)
	}
	removed := s.state.Suggestions[index]
	next := make([]Suggestion, 0, len(s.state.Suggestions)-1)
	next = append(next, s.state.Suggestions[:index]...)
	next = append(next, s.state.Suggestions[index+1:]...)
	s.state.Suggestions = next
	return removed, nil
}

func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() State {
	out := s.state
	out.Suggestions = make([]Suggestion, len(s.state.Suggestions))
	copy(out.Suggestions, s.state.Suggestions)
	return out
}

// Close cancels the idle timer. Later schedules are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clock.Stop(s.timer)
	s.timer = nil
	s.gen++
}

// ErrorMessage renders a check failure for display.
func ErrorMessage(err error) string {
	var limit *CostLimitError
	var throttle *ThrottleError
	switch {
	case errors.As(err, &limit):
		return fmt.Sprintf("Hourly grammar-check limit reached. Checks resume at %s.", limit.ResetTime.Format("15:04"))
	case errors.As(err, &throttle):
		return "Please wait a moment before checking again."
	case errors.Is(err, ErrSentenceTooLong):
		return "Sentence is too long to check."
	case errors.Is(err, ErrSentenceTooShort):
		return "Sentence is too short to check."
	case errors.Is(err, ErrRateLimited):
		return "The grammar service is busy. Try again shortly."
	default:
		return "Grammar check failed: " + err.Error()
	}
}
