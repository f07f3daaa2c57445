package spell

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ttoman/tt-wordwise/internal/metrics"
	"github.com/ttoman/tt-wordwise/internal/notify"
)

type Options struct {
	SessionID string
	Events    notify.Publisher
	Metrics   *metrics.Recorder
}

// Session is the spelling state of one editor session.
type Session struct {
	oracle Oracle
	cache  *Cache
	opts   Options

	mu        sync.Mutex
	readiness Readiness
	errors    []Error
	ignored   map[string]bool
	// seq orders overlapping checks; only the newest one may publish.
	seq     uint64
	applied uint64
}

func NewSession(oracle Oracle, cache *Cache, opts Options) *Session {
	if opts.Events == nil {
		opts.Events = notify.Nop{}
	}
	return &Session{
		oracle:    oracle,
		cache:     cache,
		opts:      opts,
		readiness: ReadinessLoading,
		errors:    []Error{},
		ignored:   make(map[string]bool),
	}
}

// Init warms the oracle up when it needs it and settles readiness.
func (s *Session) Init(ctx context.Context) {
	next := ReadinessReady
	if w, ok := s.oracle.(Warmer); ok {
		if err := w.WarmUp(ctx); err != nil {
			log.Printf("spell: warm up oracle: %v", err)
			next = ReadinessFailed
		}
	}
	s.mu.Lock()
	s.readiness = next
	s.mu.Unlock()
	s.opts.Events.Publish(notify.Event{
		Type:      notify.SpellReadiness,
		SessionID: s.opts.SessionID,
		Payload:   map[string]any{"readiness": next},
	})
}

func (s *Session) Readiness() Readiness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readiness
}

// CheckText rebuilds the error list for text. Words missing from the cache
// go to the oracle in a single batch. A session that is not ready reports
// no errors.
func (s *Session) CheckText(ctx context.Context, text string) ([]Error, error) {
	s.mu.Lock()
	if s.readiness != ReadinessReady {
		s.mu.Unlock()
		return []Error{}, nil
	}
	s.seq++
	seq := s.seq
	ignored := make(map[string]bool, len(s.ignored))
	for w := range s.ignored {
		ignored[w] = true
	}
	s.mu.Unlock()

	tokens := Tokenize(text)
	verdicts := make(map[string]WordResult)
	var missing []string
	for _, tok := range tokens {
		key := normalize(tok.Word)
		if ignored[key] {
			continue
		}
		if _, seen := verdicts[key]; seen {
			continue
		}
		if r, ok := s.cache.Get(key); ok {
			verdicts[key] = r
			continue
		}
		verdicts[key] = WordResult{Word: key, IsCorrect: true}
		missing = append(missing, key)
	}

	if len(missing) > 0 {
		results, err := s.oracle.CheckWords(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("check %d words: %w", len(missing), err)
		}
		s.opts.Metrics.IncSpellBatch()
		fresh := make([]WordResult, 0, len(results))
		for _, r := range results {
			key := normalize(r.Word)
			if _, asked := verdicts[key]; !asked {
				continue
			}
			r.Word = key
			verdicts[key] = r
			fresh = append(fresh, r)
		}
		s.cache.Put(fresh...)
		s.cache.Persist(ctx)
	}

	errs := []Error{}
	for _, tok := range tokens {
		key := normalize(tok.Word)
		if ignored[key] {
			continue
		}
		if r := verdicts[key]; !r.IsCorrect {
			errs = append(errs, Error{
				Word:        tok.Word,
				Start:       tok.Start,
				End:         tok.End,
				Suggestions: append([]string(nil), r.Suggestions...),
			})
		}
	}

	s.mu.Lock()
	if seq < s.applied {
		s.mu.Unlock()
		return errs, nil
	}
	s.applied = seq
	s.errors = errs
	out := s.errorsLocked()
	s.mu.Unlock()

	s.opts.Events.Publish(notify.Event{
		Type:      notify.SpellResult,
		SessionID: s.opts.SessionID,
		Payload:   map[string]any{"errors": out},
	})
	return out, nil
}

// CheckWord resolves a single word, consulting the cache first.
func (s *Session) CheckWord(ctx context.Context, word string) (WordResult, error) {
	key := normalize(word)
	if key == "" {
		return WordResult{}, ErrEmptyWord
	}
	if r, ok := s.cache.Get(key); ok {
		return r, nil
	}
	if s.Readiness() != ReadinessReady {
		return WordResult{Word: key, IsCorrect: true}, nil
	}
	results, err := s.oracle.CheckWords(ctx, []string{key})
	if err != nil {
		return WordResult{}, fmt.Errorf("check word: %w", err)
	}
	s.opts.Metrics.IncSpellBatch()
	for _, r := range results {
		if normalize(r.Word) == key {
			r.Word = key
			s.cache.Put(r)
			s.cache.Persist(ctx)
			return r, nil
		}
	}
	return WordResult{Word: key, IsCorrect: true}, nil
}

// ApplySuggestion removes the error at index and returns suggestion for the
// caller to splice in. No re-check happens.
func (s *Session) ApplySuggestion(index int, suggestion string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.errors) {
		return "", fmt.Errorf("apply suggestion to error %d of %d: %w", index, len(s.errors), ErrErrorIndex)
	}
	s.errors = append(s.errors[:index:index], s.errors[index+1:]...)
	return suggestion, nil
}

// IgnoreError drops every error for the word at index and skips that word
// for the rest of the session.
func (s *Session) IgnoreError(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.errors) {
		return fmt.Errorf("ignore error %d of %d: %w", index, len(s.errors), ErrErrorIndex)
	}
	key := normalize(s.errors[index].Word)
	s.ignored[key] = true
	kept := make([]Error, 0, len(s.errors))
	for _, e := range s.errors {
		if normalize(e.Word) != key {
			kept = append(kept, e)
		}
	}
	s.errors = kept
	return nil
}

func (s *Session) Errors() []Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorsLocked()
}

func (s *Session) errorsLocked() []Error {
	out := make([]Error, len(s.errors))
	copy(out, s.errors)
	return out
}
