package autosave

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ttoman/tt-wordwise/internal/clock"
	"github.com/ttoman/tt-wordwise/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type savedCall struct {
	at     time.Time
	update Update
}

type fakeGateway struct {
	mu     sync.Mutex
	clock  clock.Clock
	calls  []savedCall
	saveFn func(ctx context.Context, id string, update Update) error
}

func (g *fakeGateway) Save(ctx context.Context, id string, update Update) error {
	g.mu.Lock()
	var at time.Time
	if g.clock != nil {
		at = g.clock.Now()
	}
	g.calls = append(g.calls, savedCall{at: at, update: update})
	fn := g.saveFn
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, id, update)
	}
	return nil
}

func (g *fakeGateway) Calls() []savedCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]savedCall, len(g.calls))
	copy(out, g.calls)
	return out
}

func str(s string) *string { return &s }

type harness struct {
	engine  *Engine
	clock   *clock.Manual
	gateway *fakeGateway
	events  *notify.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	gw := &fakeGateway{clock: clk}
	rec := &notify.Recorder{}
	opts := DefaultOptions()
	opts.Clock = clk
	opts.Events = rec
	h := &harness{engine: New(gw, opts), clock: clk, gateway: gw, events: rec}
	require.NoError(t, h.engine.InitializeDocument("doc-1", Snapshot{Title: "Draft", Content: ""}))
	return h
}

func (h *harness) status(t *testing.T) State {
	t.Helper()
	state, ok := h.engine.State("doc-1")
	require.True(t, ok)
	return state
}

func TestBurstOfEditsProducesSingleSaveWithLatestContent(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("hello")})
	require.NoError(t, err)
	h.clock.Advance(200 * time.Millisecond)
	state, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("hello world")})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, state.Status)
	assert.True(t, state.IsDirty)

	// The debounce restarted with the second edit.
	h.clock.Advance(9700 * time.Millisecond)
	assert.Empty(t, h.gateway.Calls())

	h.clock.Advance(300 * time.Millisecond)
	calls := h.gateway.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].update.Content)
	assert.Equal(t, "hello world", *calls[0].update.Content)

	state = h.status(t)
	assert.Equal(t, StatusSaved, state.Status)
	assert.False(t, state.IsDirty)
	require.NotNil(t, state.LastSaved)
	assert.Len(t, h.events.OfType(notify.DocumentSaved), 1)
}

func TestSavedStatusReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Title: str("Final")})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StatusSaved, h.status(t).Status)

	h.clock.Advance(3 * time.Second)
	assert.Equal(t, StatusIdle, h.status(t).Status)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestUnchangedContentStaysIdle(t *testing.T) {
	h := newHarness(t)

	state, err := h.engine.ScheduleAutosave("doc-1", Update{Title: str("Draft"), Content: str("")})
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)
	assert.False(t, state.IsDirty)

	h.clock.Advance(time.Minute)
	assert.Empty(t, h.gateway.Calls())
}

func TestSmallContentEditNeedsTitleChange(t *testing.T) {
	h := newHarness(t)

	state, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("abc")})
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, state.Status)
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.gateway.Calls())

	state, err = h.engine.ScheduleAutosave("doc-1", Update{Title: str("Renamed")})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, state.Status)
	h.clock.Advance(10 * time.Second)

	calls := h.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "abc", *calls[0].update.Content)
	assert.Equal(t, "Renamed", *calls[0].update.Title)
}

func TestFailedSaveRetriesWithBackoffThenErrors(t *testing.T) {
	h := newHarness(t)
	h.gateway.saveFn = func(context.Context, string, Update) error {
		return errors.New("connection refused")
	}

	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("some new words")})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	require.Len(t, h.gateway.Calls(), 1)
	state := h.status(t)
	assert.Equal(t, StatusPending, state.Status)
	assert.Equal(t, "Save failed, retrying (1/3)…", state.Error)

	h.clock.Advance(2 * time.Second)
	require.Len(t, h.gateway.Calls(), 2)
	assert.Equal(t, "Save failed, retrying (2/3)…", h.status(t).Error)

	h.clock.Advance(4 * time.Second)
	require.Len(t, h.gateway.Calls(), 3)

	h.clock.Advance(8 * time.Second)
	calls := h.gateway.Calls()
	require.Len(t, calls, 4)

	gaps := []time.Duration{
		calls[1].at.Sub(calls[0].at),
		calls[2].at.Sub(calls[1].at),
		calls[3].at.Sub(calls[2].at),
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, gaps)

	state = h.status(t)
	assert.Equal(t, StatusError, state.Status)
	assert.True(t, state.IsDirty)
	assert.Contains(t, state.Error, "connection refused")
	assert.Len(t, h.events.OfType(notify.DocumentSaveError), 1)

	h.clock.Advance(time.Hour)
	assert.Len(t, h.gateway.Calls(), 4)
}

func TestEditAfterErrorStartsFreshCycle(t *testing.T) {
	h := newHarness(t)
	fail := true
	h.gateway.saveFn = func(context.Context, string, Update) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("first draft")})
	require.NoError(t, err)
	h.clock.Advance(10*time.Second + 2*time.Second + 4*time.Second + 8*time.Second)
	require.Equal(t, StatusError, h.status(t).Status)

	fail = false
	_, err = h.engine.ScheduleAutosave("doc-1", Update{Content: str("first draft, revised")})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	assert.Len(t, h.gateway.Calls(), 5)
	assert.Equal(t, StatusSaved, h.status(t).Status)
}

func TestEditDuringSaveSchedulesFollowUp(t *testing.T) {
	h := newHarness(t)
	var inflight, maxInflight int
	var mu sync.Mutex
	first := true
	h.gateway.saveFn = func(_ context.Context, id string, _ Update) error {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		again := first
		first = false
		mu.Unlock()

		if again {
			state, err := h.engine.ScheduleAutosave(id, Update{Content: str("hello world, again")})
			require.NoError(t, err)
			assert.Equal(t, StatusSaving, state.Status)
		}

		mu.Lock()
		inflight--
		mu.Unlock()
		return nil
	}

	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("hello world")})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	require.Len(t, h.gateway.Calls(), 1)
	assert.Equal(t, StatusPending, h.status(t).Status)

	h.clock.Advance(10 * time.Second)
	calls := h.gateway.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "hello world, again", *calls[1].update.Content)
	assert.Equal(t, 1, maxInflight)
	assert.Equal(t, StatusSaved, h.status(t).Status)
}

func TestForceSaveCancelsPendingTimer(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("typed quickly")})
	require.NoError(t, err)

	ok := h.engine.ForceSave(context.Background(), "doc-1", Update{})
	require.True(t, ok)
	require.Len(t, h.gateway.Calls(), 1)

	h.clock.Advance(20 * time.Second)
	assert.Len(t, h.gateway.Calls(), 1)
}

func TestForceSaveSavesEvenWhenClean(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.engine.ForceSave(context.Background(), "doc-1", Update{}))
	assert.Len(t, h.gateway.Calls(), 1)
}

func TestForceSaveReportsFailure(t *testing.T) {
	h := newHarness(t)
	h.gateway.saveFn = func(context.Context, string, Update) error {
		return errors.New("disk full")
	}
	assert.False(t, h.engine.ForceSave(context.Background(), "doc-1", Update{Content: str("important text")}))
	assert.Equal(t, StatusPending, h.status(t).Status)
	assert.False(t, h.engine.ForceSave(context.Background(), "missing", Update{}))
}

func TestForceSaveWaitsForInflightSave(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.gateway.saveFn = func(context.Context, string, Update) error {
		blocked := false
		once.Do(func() { blocked = true })
		if blocked {
			close(started)
			<-release
		}
		return nil
	}
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("background save")})
	require.NoError(t, err)

	advanced := make(chan struct{})
	go func() {
		h.clock.Advance(10 * time.Second)
		close(advanced)
	}()
	<-started

	forced := make(chan bool)
	go func() {
		forced <- h.engine.ForceSave(context.Background(), "doc-1", Update{Content: str("background save, forced")})
	}()

	select {
	case <-forced:
		t.Fatal("force save should wait for the in-flight save")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	assert.True(t, <-forced)
	<-advanced

	calls := h.gateway.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "background save, forced", *calls[1].update.Content)
}

func TestForceSaveHonoursContextWhileWaiting(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.gateway.saveFn = func(context.Context, string, Update) error {
		close(started)
		<-release
		return nil
	}
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("long running save")})
	require.NoError(t, err)
	advanced := make(chan struct{})
	go func() {
		h.clock.Advance(10 * time.Second)
		close(advanced)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, h.engine.ForceSave(ctx, "doc-1", Update{}))

	close(release)
	<-advanced
	assert.Len(t, h.gateway.Calls(), 1)
}

func TestForceSaveWriteIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.gateway.saveFn = func(ctx context.Context, _ string, _ Update) error {
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, h.engine.ForceSave(ctx, "doc-1", Update{Content: str("written after the client left")}))
	require.Len(t, h.gateway.Calls(), 1)
	assert.Equal(t, StatusSaved, h.status(t).Status)
}

func TestCancelAutosaveReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("never saved")})
	require.NoError(t, err)

	require.NoError(t, h.engine.CancelAutosave("doc-1"))
	state := h.status(t)
	assert.Equal(t, StatusIdle, state.Status)
	assert.True(t, state.IsDirty)

	h.clock.Advance(time.Minute)
	assert.Empty(t, h.gateway.Calls())
	assert.ErrorIs(t, h.engine.CancelAutosave("missing"), ErrUnknownDocument)
}

func TestCleanupCancelsRetries(t *testing.T) {
	h := newHarness(t)
	h.gateway.saveFn = func(context.Context, string, Update) error {
		return errors.New("offline")
	}
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("unsaved text")})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)
	require.Len(t, h.gateway.Calls(), 1)
	require.Equal(t, 1, h.clock.Pending())

	h.engine.Cleanup("doc-1")
	assert.Equal(t, 0, h.clock.Pending())
	h.clock.Advance(time.Hour)
	assert.Len(t, h.gateway.Calls(), 1)

	_, ok := h.engine.State("doc-1")
	assert.False(t, ok)
}

func TestInitializeDocumentTwice(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.InitializeDocument("doc-1", Snapshot{}), ErrAlreadyInitialized)

	h.engine.Cleanup("doc-1")
	assert.NoError(t, h.engine.InitializeDocument("doc-1", Snapshot{Title: "Fresh"}))

	_, err := h.engine.ScheduleAutosave("unknown", Update{Title: str("x")})
	assert.ErrorIs(t, err, ErrUnknownDocument)
}

func TestDocumentsAreIsolated(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.InitializeDocument("doc-2", Snapshot{Title: "Other"}))

	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("edits here")})
	require.NoError(t, err)

	state, ok := h.engine.State("doc-2")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, state.Status)
}

func TestStatusEventsPublished(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("hello there")})
	require.NoError(t, err)
	_, err = h.engine.ScheduleAutosave("doc-1", Update{Content: str("hello there!")})
	require.NoError(t, err)
	h.clock.Advance(13 * time.Second)

	var statuses []Status
	for _, ev := range h.events.OfType(notify.DocumentStatus) {
		assert.Equal(t, "doc-1", ev.DocumentID)
		statuses = append(statuses, ev.Payload.(State).Status)
	}
	assert.Equal(t, []Status{StatusPending, StatusSaving, StatusSaved, StatusIdle}, statuses)
}

func TestShutdownFlushesDirtyDocuments(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.InitializeDocument("doc-2", Snapshot{}))
	_, err := h.engine.ScheduleAutosave("doc-1", Update{Content: str("unsaved paragraph")})
	require.NoError(t, err)

	require.NoError(t, h.engine.Shutdown(context.Background()))
	require.Len(t, h.gateway.Calls(), 1)
	assert.Equal(t, "unsaved paragraph", *h.gateway.Calls()[0].update.Content)

	_, ok := h.engine.State("doc-1")
	assert.False(t, ok)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestEngineWithRealClock(t *testing.T) {
	gw := &fakeGateway{}
	opts := DefaultOptions()
	opts.Delay = 10 * time.Millisecond
	opts.SavedDisplay = 10 * time.Millisecond
	engine := New(gw, opts)
	require.NoError(t, engine.InitializeDocument("doc", Snapshot{}))

	_, err := engine.ScheduleAutosave("doc", Update{Content: str("real timers")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, _ := engine.State("doc")
		return state.Status == StatusIdle && len(gw.Calls()) == 1
	}, time.Second, 5*time.Millisecond)
	engine.Cleanup("doc")
}

func TestIsDirty(t *testing.T) {
	saved := Snapshot{Title: "Title", Content: "hello"}
	cases := []struct {
		name    string
		pending Update
		want    bool
	}{
		{"nothing", Update{}, false},
		{"same", Update{Title: str("Title"), Content: str("hello")}, false},
		{"title", Update{Title: str("Other")}, true},
		{"small content", Update{Content: str("hello!!")}, false},
		{"large content", Update{Content: str("hello world")}, true},
		{"large deletion", Update{Content: str("")}, true},
		{"small content with title", Update{Title: str("New"), Content: str("hellp")}, true},
		{"multibyte runes", Update{Content: str("hello éééé")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isDirty(saved, tc.pending, 5))
		})
	}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) Publish(e notify.Event) {
	if e.Type != notify.DocumentStatus {
		return
	}
	state := e.Payload.(State)
	runtime.Gosched()
	l.mu.Lock()
	l.statuses = append(l.statuses, state.Status)
	l.mu.Unlock()
}

func (l *statusLog) last() (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return "", false
	}
	return l.statuses[len(l.statuses)-1], true
}

func TestConcurrentStatusEventsFollowStateOrder(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	statuses := &statusLog{}
	opts := DefaultOptions()
	opts.Clock = clk
	opts.Events = statuses
	engine := New(&fakeGateway{clock: clk}, opts)
	require.NoError(t, engine.InitializeDocument("doc-1", Snapshot{}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if i%2 == 0 {
					_, _ = engine.ScheduleAutosave("doc-1", Update{Content: str(fmt.Sprintf("worker %d edit %d of the body", w, i))})
				} else {
					_ = engine.CancelAutosave("doc-1")
				}
			}
		}(w)
	}
	wg.Wait()

	state, ok := engine.State("doc-1")
	require.True(t, ok)
	last, published := statuses.last()
	require.True(t, published)
	assert.Equal(t, state.Status, last, "the last published status is the current one")
	engine.Cleanup("doc-1")
}

func TestZeroContentDeltaSavesEveryChange(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	gw := &fakeGateway{clock: clk}
	opts := DefaultOptions()
	opts.MinContentDelta = 0
	opts.Clock = clk
	engine := New(gw, opts)
	require.NoError(t, engine.InitializeDocument("doc-1", Snapshot{Title: "Draft", Content: "abcdef"}))

	state, err := engine.ScheduleAutosave("doc-1", Update{Content: str("abcdeg")})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, state.Status)
	clk.Advance(10 * time.Second)
	require.Len(t, gw.Calls(), 1)
	engine.Cleanup("doc-1")

	assert.Equal(t, 0, Options{}.withDefaults().MinContentDelta)
	assert.Equal(t, 5, Options{MinContentDelta: -1}.withDefaults().MinContentDelta)
}
