package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ttoman/tt-wordwise/internal/autosave"
	"github.com/ttoman/tt-wordwise/internal/clock"
	"github.com/ttoman/tt-wordwise/internal/gitrepo"
	"github.com/ttoman/tt-wordwise/internal/grammar"
	"github.com/ttoman/tt-wordwise/internal/metrics"
	"github.com/ttoman/tt-wordwise/internal/notify"
	"github.com/ttoman/tt-wordwise/internal/search"
	"github.com/ttoman/tt-wordwise/internal/session"
	"github.com/ttoman/tt-wordwise/internal/spell"
	"github.com/ttoman/tt-wordwise/internal/store"
	"github.com/ttoman/tt-wordwise/internal/util"
)

var errSessionNotFound = errors.New("editor session not found")

// DocumentStore is the persistence gateway behind autosave.
type DocumentStore interface {
	SaveDocument(ctx context.Context, documentID string, title, content *string) (store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	Ping(ctx context.Context) error
}

type revisionMirror interface {
	RecordSave(documentID string, content gitrepo.Content, message string) (gitrepo.CommitInfo, bool, error)
	History(documentID string, limit int) ([]gitrepo.CommitInfo, error)
}

type documentSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
}

type grammarChecker interface {
	grammar.SentenceChecker
	CostInfo() grammar.CostInfo
}

type Options struct {
	Documents DocumentStore
	// State holds ledgers and caches; it is only pinged here.
	State   session.Store
	History revisionMirror
	Search  documentSearch

	Grammar        grammarChecker
	GrammarIdle    time.Duration
	MinSentenceLen int

	SpellOracle spell.Oracle
	SpellCache  *spell.Cache

	Autosave   autosave.Options
	SessionTTL time.Duration

	Clock   clock.Clock
	Events  notify.Publisher
	Metrics *metrics.Recorder
}

type editorSession struct {
	id       string
	grammar  *grammar.Scheduler
	spell    *spell.Session
	lastSeen time.Time
}

type Service struct {
	documents DocumentStore
	state     session.Store
	history   revisionMirror
	search    documentSearch
	checker   grammarChecker
	oracle    spell.Oracle
	cache     *spell.Cache
	engine    *autosave.Engine
	opts      Options

	mu       sync.Mutex
	sessions map[string]*editorSession
	// warmups tracks background spell warm-ups so Shutdown can wait for them.
	warmups sync.WaitGroup
}

func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Events == nil {
		opts.Events = notify.Nop{}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	s := &Service{
		documents: opts.Documents,
		state:     opts.State,
		history:   opts.History,
		search:    opts.Search,
		checker:   opts.Grammar,
		oracle:    opts.SpellOracle,
		cache:     opts.SpellCache,
		opts:      opts,
		sessions:  make(map[string]*editorSession),
	}
	engineOpts := opts.Autosave
	engineOpts.Clock = opts.Clock
	engineOpts.Events = opts.Events
	engineOpts.Metrics = opts.Metrics
	s.engine = autosave.New(autosave.GatewayFunc(s.persist), engineOpts)
	return s
}

// persist writes the update and then mirrors and indexes the stored
// revision. Only the write decides the save outcome.
func (s *Service) persist(ctx context.Context, documentID string, update autosave.Update) error {
	doc, err := s.documents.SaveDocument(ctx, documentID, update.Title, update.Content)
	if err != nil {
		return err
	}
	if s.history != nil {
		message := fmt.Sprintf("Autosave revision %d", doc.Revision)
		if _, _, err := s.history.RecordSave(documentID, gitrepo.Content{Title: doc.Title, Content: doc.Content}, message); err != nil {
			log.Printf("app: mirror document %s: %v", documentID, err)
		}
	}
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Title: doc.Title, Content: doc.Content})
	}
	return nil
}

// ReadinessChecks pings every backing store; a nil error means healthy.
func (s *Service) ReadinessChecks(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.documents.Ping(ctx)}
	if s.state != nil {
		checks["state"] = s.state.Ping(ctx)
	}
	return checks
}

func (s *Service) Ping(ctx context.Context) error {
	names := make([]string, 0)
	checks := s.ReadinessChecks(ctx)
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if checks[name] != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, checks[name]))
		}
	}
	return errors.Join(errs...)
}

// Documents

type OpenDocumentInput struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

// OpenDocument registers the document with autosave. Without a body the
// stored revision becomes the baseline; an unknown document starts empty.
func (s *Service) OpenDocument(ctx context.Context, documentID string, input OpenDocumentInput) (autosave.State, error) {
	var baseline autosave.Snapshot
	if input.Title == nil && input.Content == nil {
		doc, err := s.documents.GetDocument(ctx, documentID)
		switch {
		case err == nil:
			baseline = autosave.Snapshot{Title: doc.Title, Content: doc.Content}
		case !errors.Is(err, store.ErrNotFound):
			return autosave.State{}, fmt.Errorf("load document %s: %w", documentID, err)
		}
	} else {
		if input.Title != nil {
			baseline.Title = *input.Title
		}
		if input.Content != nil {
			baseline.Content = *input.Content
		}
	}
	if err := s.engine.InitializeDocument(documentID, baseline); err != nil {
		return autosave.State{}, err
	}
	state, _ := s.engine.State(documentID)
	return state, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return s.documents.GetDocument(ctx, documentID)
}

func (s *Service) AutosaveState(documentID string) (autosave.State, error) {
	state, ok := s.engine.State(documentID)
	if !ok {
		return autosave.State{}, autosave.ErrUnknownDocument
	}
	return state, nil
}

func (s *Service) ScheduleAutosave(documentID string, update autosave.Update) (autosave.State, error) {
	return s.engine.ScheduleAutosave(documentID, update)
}

func (s *Service) CancelAutosave(documentID string) error {
	return s.engine.CancelAutosave(documentID)
}

func (s *Service) ForceSave(ctx context.Context, documentID string, update autosave.Update) (bool, error) {
	if _, ok := s.engine.State(documentID); !ok {
		return false, autosave.ErrUnknownDocument
	}
	return s.engine.ForceSave(ctx, documentID, update), nil
}

func (s *Service) CloseDocument(documentID string) error {
	if _, ok := s.engine.State(documentID); !ok {
		return autosave.ErrUnknownDocument
	}
	s.engine.Cleanup(documentID)
	return nil
}

func (s *Service) DocumentHistory(documentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.history == nil {
		return nil, gitrepo.ErrNoHistory
	}
	return s.history.History(documentID, limit)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// Editor sessions

type SessionInfo struct {
	SessionID      string          `json:"sessionId"`
	SpellReadiness spell.Readiness `json:"spellReadiness"`
}

// CreateSession starts an editor session. The spell oracle warms up in the
// background; the session reports loading until it settles.
func (s *Service) CreateSession() SessionInfo {
	now := s.opts.Clock.Now()
	id := util.NewID("ses")
	sess := &editorSession{
		id: id,
		grammar: grammar.NewScheduler(s.checker, grammar.SchedulerOptions{
			SessionID:      id,
			IdleDelay:      s.opts.GrammarIdle,
			MinSentenceLen: s.opts.MinSentenceLen,
			Clock:          s.opts.Clock,
			Events:         s.opts.Events,
		}),
		spell: spell.NewSession(s.oracle, s.cache, spell.Options{
			SessionID: id,
			Events:    s.opts.Events,
			Metrics:   s.opts.Metrics,
		}),
		lastSeen: now,
	}

	s.mu.Lock()
	expired := s.pruneLocked(now)
	s.sessions[id] = sess
	s.mu.Unlock()
	closeSessions(expired)

	s.warmups.Add(1)
	go func() {
		defer s.warmups.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		sess.spell.Init(ctx)
	}()
	return SessionInfo{SessionID: id, SpellReadiness: sess.spell.Readiness()}
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return errSessionNotFound
	}
	closeSessions([]*editorSession{sess})
	if s.cache != nil {
		s.cache.Persist(ctx)
	}
	return nil
}

func (s *Service) lookupSession(sessionID string) (*editorSession, error) {
	now := s.opts.Clock.Now()
	s.mu.Lock()
	expired := s.pruneLocked(now)
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.lastSeen = now
	}
	s.mu.Unlock()
	closeSessions(expired)
	if !ok {
		return nil, errSessionNotFound
	}
	return sess, nil
}

func (s *Service) pruneLocked(now time.Time) []*editorSession {
	var expired []*editorSession
	for id, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.opts.SessionTTL {
			delete(s.sessions, id)
			expired = append(expired, sess)
		}
	}
	return expired
}

func closeSessions(sessions []*editorSession) {
	for _, sess := range sessions {
		sess.grammar.Close()
	}
}

// Grammar

func (s *Service) ScheduleGrammar(sessionID, text string, cursor int) error {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return err
	}
	sess.grammar.ScheduleCheckOnIdle(text, cursor)
	return nil
}

func (s *Service) CheckGrammar(ctx context.Context, sessionID, sentence, fullText string) (grammar.Result, error) {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return grammar.Result{}, err
	}
	return sess.grammar.CheckNow(ctx, sentence, fullText)
}

func (s *Service) GrammarState(sessionID string) (grammar.State, error) {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return grammar.State{}, err
	}
	return sess.grammar.Snapshot(), nil
}

func (s *Service) ApplyGrammarSuggestion(sessionID string, index int) (string, error) {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return "", err
	}
	return sess.grammar.ApplySuggestion(index)
}

func (s *Service) DismissGrammarSuggestion(sessionID string, index int) error {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return err
	}
	return sess.grammar.DismissSuggestion(index)
}

func (s *Service) GrammarCost() grammar.CostInfo {
	return s.checker.CostInfo()
}

// Spelling

type SpellState struct {
	Errors    []spell.Error   `json:"errors"`
	Readiness spell.Readiness `json:"readiness"`
}

func (s *Service) CheckSpelling(ctx context.Context, sessionID, text string) ([]spell.Error, error) {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.spell.CheckText(ctx, text)
}

func (s *Service) SpellState(sessionID string) (SpellState, error) {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return SpellState{}, err
	}
	return SpellState{Errors: sess.spell.Errors(), Readiness: sess.spell.Readiness()}, nil
}

func (s *Service) ApplySpellSuggestion(sessionID string, index int, suggestion string) (string, error) {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return "", err
	}
	return sess.spell.ApplySuggestion(index, suggestion)
}

func (s *Service) IgnoreSpellError(sessionID string, index int) error {
	sess, err := s.lookupSession(sessionID)
	if err != nil {
		return err
	}
	return sess.spell.IgnoreError(index)
}

// Shutdown flushes dirty documents, closes every session and persists the
// spelling cache.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.engine.Shutdown(ctx)

	s.mu.Lock()
	open := make([]*editorSession, 0, len(s.sessions))
	for id, sess := range s.sessions {
		open = append(open, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	closeSessions(open)
	s.warmups.Wait()

	if s.cache != nil {
		s.cache.Persist(ctx)
	}
	return err
}
