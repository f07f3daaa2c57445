package spell

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttoman/tt-wordwise/internal/notify"
	"github.com/ttoman/tt-wordwise/internal/session"
)

var misspelled = map[string][]string{
	"teh": {"the"},
	"dgo": {"dog", "ago"},
}

type fakeOracle struct {
	mu      sync.Mutex
	batches [][]string
	warmErr error
	checkFn func(words []string) ([]WordResult, error)
}

func (o *fakeOracle) CheckWords(_ context.Context, words []string) ([]WordResult, error) {
	o.mu.Lock()
	o.batches = append(o.batches, append([]string(nil), words...))
	fn := o.checkFn
	o.mu.Unlock()
	if fn != nil {
		return fn(words)
	}
	out := make([]WordResult, 0, len(words))
	for _, w := range words {
		if s, bad := misspelled[w]; bad {
			out = append(out, WordResult{Word: w, Suggestions: s})
			continue
		}
		out = append(out, WordResult{Word: w, IsCorrect: true})
	}
	return out, nil
}

func (o *fakeOracle) Batches() [][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]string(nil), o.batches...)
}

type warmingOracle struct {
	*fakeOracle
}

func (o warmingOracle) WarmUp(context.Context) error {
	return o.warmErr
}

func newReadySession(t *testing.T, oracle Oracle) (*Session, *notify.Recorder) {
	t.Helper()
	cache, err := NewCache(context.Background(), 0, nil)
	require.NoError(t, err)
	rec := &notify.Recorder{}
	s := NewSession(oracle, cache, Options{SessionID: "sess-1", Events: rec})
	s.Init(context.Background())
	require.Equal(t, ReadinessReady, s.Readiness())
	return s, rec
}

func TestCheckTextBatchesUncachedWords(t *testing.T) {
	oracle := &fakeOracle{}
	s, rec := newReadySession(t, oracle)

	errs, err := s.CheckText(context.Background(), "teh cat teh dgo")
	require.NoError(t, err)
	require.Equal(t, [][]string{{"teh", "cat", "dgo"}}, oracle.Batches())
	assert.Equal(t, []Error{
		{Word: "teh", Start: 0, End: 3, Suggestions: []string{"the"}},
		{Word: "teh", Start: 8, End: 11, Suggestions: []string{"the"}},
		{Word: "dgo", Start: 12, End: 15, Suggestions: []string{"dog", "ago"}},
	}, errs)
	assert.Len(t, rec.OfType(notify.SpellResult), 1)

	errs, err = s.CheckText(context.Background(), "Teh cat sat")
	require.NoError(t, err)
	require.Len(t, oracle.Batches(), 2)
	assert.Equal(t, []string{"sat"}, oracle.Batches()[1], "cached words are not sent again")
	require.Len(t, errs, 1)
	assert.Equal(t, "Teh", errs[0].Word)
}

func TestCheckTextFullyCachedMakesNoCall(t *testing.T) {
	oracle := &fakeOracle{}
	s, _ := newReadySession(t, oracle)
	_, err := s.CheckText(context.Background(), "teh cat")
	require.NoError(t, err)
	_, err = s.CheckText(context.Background(), "cat teh")
	require.NoError(t, err)
	assert.Len(t, oracle.Batches(), 1)
}

func TestNotReadySessionReportsNoErrors(t *testing.T) {
	oracle := &fakeOracle{}
	cache, err := NewCache(context.Background(), 0, nil)
	require.NoError(t, err)

	loading := NewSession(oracle, cache, Options{})
	assert.Equal(t, ReadinessLoading, loading.Readiness())
	errs, err := loading.CheckText(context.Background(), "teh dgo")
	require.NoError(t, err)
	assert.Empty(t, errs)

	rec := &notify.Recorder{}
	failed := NewSession(warmingOracle{&fakeOracle{warmErr: errors.New("no dictionary")}}, cache, Options{Events: rec})
	failed.Init(context.Background())
	assert.Equal(t, ReadinessFailed, failed.Readiness())
	errs, err = failed.CheckText(context.Background(), "teh dgo")
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Empty(t, oracle.Batches())
	assert.Len(t, rec.OfType(notify.SpellReadiness), 1)
}

func TestOracleFailureKeepsPreviousErrors(t *testing.T) {
	oracle := &fakeOracle{}
	s, _ := newReadySession(t, oracle)
	_, err := s.CheckText(context.Background(), "teh cat")
	require.NoError(t, err)

	oracle.checkFn = func([]string) ([]WordResult, error) {
		return nil, errors.New("service down")
	}
	_, err = s.CheckText(context.Background(), "teh cat and more words")
	require.Error(t, err)
	assert.Len(t, s.Errors(), 1)
}

func TestApplySuggestionRemovesOnlyTarget(t *testing.T) {
	s, _ := newReadySession(t, &fakeOracle{})
	_, err := s.CheckText(context.Background(), "teh dgo teh")
	require.NoError(t, err)

	got, err := s.ApplySuggestion(1, "dog")
	require.NoError(t, err)
	assert.Equal(t, "dog", got)

	errs := s.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, 0, errs[0].Start)
	assert.Equal(t, 8, errs[1].Start)

	_, err = s.ApplySuggestion(2, "x")
	assert.ErrorIs(t, err, ErrErrorIndex)
}

func TestIgnoreErrorSkipsWordForSession(t *testing.T) {
	oracle := &fakeOracle{}
	s, _ := newReadySession(t, oracle)
	_, err := s.CheckText(context.Background(), "teh dgo teh")
	require.NoError(t, err)

	require.NoError(t, s.IgnoreError(0))
	errs := s.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "dgo", errs[0].Word)

	errs, err = s.CheckText(context.Background(), "teh dgo Teh")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "dgo", errs[0].Word)
	assert.ErrorIs(t, s.IgnoreError(3), ErrErrorIndex)
}

func TestCheckWordUsesCache(t *testing.T) {
	oracle := &fakeOracle{}
	s, _ := newReadySession(t, oracle)

	r, err := s.CheckWord(context.Background(), "Teh")
	require.NoError(t, err)
	assert.False(t, r.IsCorrect)
	r, err = s.CheckWord(context.Background(), "teh")
	require.NoError(t, err)
	assert.Equal(t, []string{"the"}, r.Suggestions)
	assert.Len(t, oracle.Batches(), 1)

	_, err = s.CheckWord(context.Background(), "''")
	assert.ErrorIs(t, err, ErrEmptyWord)
}

func TestCacheEvictsOldestInsertion(t *testing.T) {
	c, err := NewCache(context.Background(), 2, nil)
	require.NoError(t, err)
	c.Put(WordResult{Word: "one", IsCorrect: true}, WordResult{Word: "two", IsCorrect: true})
	_, ok := c.Get("one")
	require.True(t, ok)
	c.Put(WordResult{Word: "three", IsCorrect: true})

	_, ok = c.Get("one")
	assert.False(t, ok)
	_, ok = c.Get("TWO")
	assert.True(t, ok)
}

func TestCachePersistsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := session.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	oracle := &fakeOracle{}
	cache, err := NewCache(ctx, 10, store)
	require.NoError(t, err)
	s := NewSession(oracle, cache, Options{})
	s.Init(ctx)
	_, err = s.CheckText(ctx, "teh cat")
	require.NoError(t, err)

	reloaded, err := NewCache(ctx, 10, store)
	require.NoError(t, err)
	r, ok := reloaded.Get("teh")
	require.True(t, ok)
	assert.False(t, r.IsCorrect)
	assert.Equal(t, 2, reloaded.Len())
}
