package autosave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ttoman/tt-wordwise/internal/clock"
	"github.com/ttoman/tt-wordwise/internal/metrics"
	"github.com/ttoman/tt-wordwise/internal/notify"
)

type Options struct {
	Delay           time.Duration
	MinContentDelta int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	SavedDisplay    time.Duration
	SaveTimeout     time.Duration

	Clock   clock.Clock
	Events  notify.Publisher
	Metrics *metrics.Recorder
	Logger  *log.Logger
}

func DefaultOptions() Options {
	return Options{
		Delay:           10 * time.Second,
		MinContentDelta: 5,
		MaxRetries:      3,
		RetryBaseDelay:  2 * time.Second,
		SavedDisplay:    3 * time.Second,
		SaveTimeout:     30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Delay <= 0 {
		o.Delay = d.Delay
	}
	if o.MinContentDelta < 0 {
		o.MinContentDelta = d.MinContentDelta
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = d.RetryBaseDelay
	}
	if o.SavedDisplay <= 0 {
		o.SavedDisplay = d.SavedDisplay
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = d.SaveTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Events == nil {
		o.Events = notify.Nop{}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Engine tracks autosave state for every open document.
type Engine struct {
	gateway Gateway
	opts    Options

	mu   sync.Mutex
	docs map[string]*document

	// pubMu is taken before mu is released so events leave in the order
	// the state changes happened. Lock order: mu, then pubMu.
	pubMu sync.Mutex
}

type document struct {
	id      string
	state   State
	saved   Snapshot
	pending Update

	// timer is the debounce or retry timer; gen invalidates callbacks of
	// timers that were replaced after they had already fired.
	timer        clock.Timer
	gen          uint64
	displayTimer clock.Timer
	displayGen   uint64

	saving   bool
	inflight chan struct{}
	followUp bool
	retries  int
	closed   bool
}

// New builds an Engine. A zero MaxRetries disables retries.
func New(gateway Gateway, opts Options) *Engine {
	return &Engine{
		gateway: gateway,
		opts:    opts.withDefaults(),
		docs:    make(map[string]*document),
	}
}

func (e *Engine) InitializeDocument(id string, baseline Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.docs[id]; ok {
		return ErrAlreadyInitialized
	}
	e.docs[id] = &document{
		id:    id,
		state: State{Status: StatusIdle},
		saved: baseline,
	}
	return nil
}

func (e *Engine) State(id string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.docs[id]
	if !ok {
		return State{}, false
	}
	return doc.state, true
}

// ScheduleAutosave folds update into the document's pending edit and
// restarts the debounce timer when the result is dirty.
func (e *Engine) ScheduleAutosave(id string, update Update) (State, error) {
	e.mu.Lock()
	doc, ok := e.docs[id]
	if !ok {
		e.mu.Unlock()
		return State{}, ErrUnknownDocument
	}
	doc.pending = doc.pending.merge(update)
	doc.retries = 0

	var events []notify.Event
	if doc.saving {
		doc.followUp = true
	} else {
		events = e.scheduleLocked(doc)
	}
	state := doc.state
	e.unlockAndPublish(events)
	return state, nil
}

// ForceSave saves the pending edit immediately, dirty or not. A save already
// in flight is awaited first.
func (e *Engine) ForceSave(ctx context.Context, id string, update Update) bool {
	e.mu.Lock()
	var doc *document
	for {
		var ok bool
		doc, ok = e.docs[id]
		if !ok {
			e.mu.Unlock()
			return false
		}
		if !doc.saving {
			break
		}
		wait := doc.inflight
		e.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false
		}
		e.mu.Lock()
	}

	e.stopTimerLocked(doc)
	doc.pending = doc.pending.merge(update)
	doc.retries = 0
	doc.followUp = false
	snapshot, events := e.beginSaveLocked(doc)
	e.unlockAndPublish(events)

	// ctx only bounds the wait above; the write outlives a departed caller.
	err := e.save(context.WithoutCancel(ctx), doc.id, snapshot)
	e.finishSave(doc, snapshot, err)
	return err == nil
}

// CancelAutosave drops the scheduled debounce or retry. An in-flight save is
// left alone.
func (e *Engine) CancelAutosave(id string) error {
	e.mu.Lock()
	doc, ok := e.docs[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownDocument
	}
	e.stopTimerLocked(doc)
	var events []notify.Event
	if doc.state.Status == StatusPending {
		events = e.setStateLocked(doc, StatusIdle, doc.state.IsDirty, "")
	}
	e.unlockAndPublish(events)
	return nil
}

// Cleanup forgets the document and cancels all of its timers. The result of
// a save still in flight is discarded.
func (e *Engine) Cleanup(id string) {
	e.mu.Lock()
	doc, ok := e.docs[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.docs, id)
	doc.closed = true
	e.stopTimerLocked(doc)
	e.stopDisplayLocked(doc)
	dirty := doc.state.IsDirty || isDirty(doc.saved, doc.pending, e.opts.MinContentDelta)
	e.mu.Unlock()

	if dirty {
		e.opts.Logger.Printf("autosave: discarding unsaved changes for document %s", id)
	}
}

// Shutdown force-saves every dirty document and then cleans all of them up.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.docs))
	var dirty []string
	for id, doc := range e.docs {
		ids = append(ids, id)
		if doc.state.IsDirty || isDirty(doc.saved, doc.pending, e.opts.MinContentDelta) {
			dirty = append(dirty, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(dirty)

	var errs []error
	for _, id := range dirty {
		if !e.ForceSave(ctx, id, Update{}) {
			errs = append(errs, fmt.Errorf("flush document %s: save failed", id))
		}
	}
	for _, id := range ids {
		e.Cleanup(id)
	}
	return errors.Join(errs...)
}

func (e *Engine) scheduleLocked(doc *document) []notify.Event {
	e.stopTimerLocked(doc)
	if !isDirty(doc.saved, doc.pending, e.opts.MinContentDelta) {
		e.stopDisplayLocked(doc)
		return e.setStateLocked(doc, StatusIdle, false, "")
	}
	e.stopDisplayLocked(doc)
	e.startTimerLocked(doc, e.opts.Delay)
	return e.setStateLocked(doc, StatusPending, true, "")
}

func (e *Engine) fire(doc *document, gen uint64) {
	e.mu.Lock()
	if doc.closed || gen != doc.gen {
		e.mu.Unlock()
		return
	}
	doc.timer = nil
	if doc.saving {
		doc.followUp = true
		e.mu.Unlock()
		return
	}
	snapshot, events := e.beginSaveLocked(doc)
	e.unlockAndPublish(events)

	err := e.save(context.Background(), doc.id, snapshot)
	e.finishSave(doc, snapshot, err)
}

func (e *Engine) beginSaveLocked(doc *document) (Update, []notify.Event) {
	doc.saving = true
	doc.inflight = make(chan struct{})
	return doc.pending, e.setStateLocked(doc, StatusSaving, true, "")
}

func (e *Engine) save(ctx context.Context, id string, update Update) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SaveTimeout)
	defer cancel()

	start := time.Now()
	err := e.gateway.Save(ctx, id, update)
	result := "success"
	if err != nil {
		result = "failure"
	}
	e.opts.Metrics.ObserveSave(result, time.Since(start))
	return err
}

func (e *Engine) finishSave(doc *document, snapshot Update, err error) {
	e.mu.Lock()
	doc.saving = false
	close(doc.inflight)
	doc.inflight = nil
	if doc.closed {
		e.mu.Unlock()
		return
	}

	var events []notify.Event
	if err == nil {
		events = e.saveSucceededLocked(doc, snapshot)
	} else {
		e.opts.Logger.Printf("autosave: save document %s: %v", doc.id, err)
		events = e.saveFailedLocked(doc, err)
	}
	e.unlockAndPublish(events)
}

func (e *Engine) saveSucceededLocked(doc *document, snapshot Update) []notify.Event {
	now := e.opts.Clock.Now()
	doc.saved = doc.saved.apply(snapshot)
	doc.retries = 0
	doc.state.LastSaved = &now

	events := []notify.Event{{
		Type:       notify.DocumentSaved,
		DocumentID: doc.id,
		Payload:    map[string]any{"lastSaved": now},
	}}

	if doc.followUp {
		doc.followUp = false
		return append(events, e.scheduleLocked(doc)...)
	}

	events = append(events, e.setStateLocked(doc, StatusSaved, false, "")...)
	e.stopDisplayLocked(doc)
	gen := doc.displayGen
	doc.displayTimer = e.opts.Clock.AfterFunc(e.opts.SavedDisplay, func() {
		e.clearSaved(doc, gen)
	})
	return events
}

func (e *Engine) saveFailedLocked(doc *document, err error) []notify.Event {
	if doc.followUp {
		doc.followUp = false
		doc.retries = 0
		return e.scheduleLocked(doc)
	}

	if doc.retries < e.opts.MaxRetries {
		delay := e.opts.RetryBaseDelay << doc.retries
		doc.retries++
		e.startTimerLocked(doc, delay)
		msg := fmt.Sprintf("Save failed, retrying (%d/%d)…", doc.retries, e.opts.MaxRetries)
		return e.setStateLocked(doc, StatusPending, true, msg)
	}

	msg := fmt.Sprintf("Failed to save after %d retries: %v", e.opts.MaxRetries, err)
	events := e.setStateLocked(doc, StatusError, true, msg)
	return append(events, notify.Event{
		Type:       notify.DocumentSaveError,
		DocumentID: doc.id,
		Payload:    map[string]any{"error": msg},
	})
}

func (e *Engine) clearSaved(doc *document, gen uint64) {
	e.mu.Lock()
	if doc.closed || gen != doc.displayGen || doc.state.Status != StatusSaved {
		e.mu.Unlock()
		return
	}
	doc.displayTimer = nil
	events := e.setStateLocked(doc, StatusIdle, doc.state.IsDirty, "")
	e.unlockAndPublish(events)
}

func (e *Engine) startTimerLocked(doc *document, d time.Duration) {
	e.stopTimerLocked(doc)
	gen := doc.gen
	doc.timer = e.opts.Clock.AfterFunc(d, func() { e.fire(doc, gen) })
}

func (e *Engine) stopTimerLocked(doc *document) {
	clock.Stop(doc.timer)
	doc.timer = nil
	doc.gen++
}

func (e *Engine) stopDisplayLocked(doc *document) {
	clock.Stop(doc.displayTimer)
	doc.displayTimer = nil
	doc.displayGen++
}

// setStateLocked updates the visible state and returns a status event when
// anything observable changed.
func (e *Engine) setStateLocked(doc *document, status Status, dirty bool, msg string) []notify.Event {
	prev := doc.state
	doc.state.Status = status
	doc.state.IsDirty = dirty
	doc.state.Error = msg
	if prev.Status == status && prev.IsDirty == dirty && prev.Error == msg {
		return nil
	}
	return []notify.Event{{
		Type:       notify.DocumentStatus,
		DocumentID: doc.id,
		Payload:    doc.state,
	}}
}

// unlockAndPublish releases e.mu and publishes events. Publishers must not
// call back into the Engine.
func (e *Engine) unlockAndPublish(events []notify.Event) {
	if len(events) == 0 {
		e.mu.Unlock()
		return
	}
	e.pubMu.Lock()
	e.mu.Unlock()
	defer e.pubMu.Unlock()
	for _, ev := range events {
		e.opts.Events.Publish(ev)
	}
}
