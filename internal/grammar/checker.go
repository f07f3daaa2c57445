package grammar

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ttoman/tt-wordwise/internal/clock"
	"github.com/ttoman/tt-wordwise/internal/metrics"
	"github.com/ttoman/tt-wordwise/internal/notify"
	"github.com/ttoman/tt-wordwise/internal/session"
)

const (
	cacheStateKey  = "grammar:cache"
	hourlyStateKey = "grammar:ledger:hourly"
	dailyStateKey  = "grammar:ledger:daily"
)

type CheckerOptions struct {
	MaxSentenceLen   int
	ThrottleInterval time.Duration
	CacheSize        int
	CacheTTL         time.Duration
	HourlyCostLimit  float64
	DailyBudget      float64
	BudgetWarnRatio  float64
	TokenRate        float64

	Clock   clock.Clock
	Store   session.Store
	Events  notify.Publisher
	Metrics *metrics.Recorder
}

func DefaultCheckerOptions() CheckerOptions {
	return CheckerOptions{
		MaxSentenceLen:   500,
		ThrottleInterval: 2 * time.Second,
		CacheSize:        defaultCacheSize,
		CacheTTL:         defaultCacheTTL,
		HourlyCostLimit:  0.50,
		DailyBudget:      5.00,
		BudgetWarnRatio:  0.8,
		TokenRate:        0.000002,
	}
}

// Checker owns everything shared by all editor sessions: the oracle, the
// result cache, both cost ledgers and the global throttle.
type Checker struct {
	oracle Oracle
	opts   CheckerOptions
	cache  *Cache

	mu       sync.Mutex
	lastCall time.Time
	hourly   ledger
	daily    ledger

	persistMu sync.Mutex
}

// NewChecker builds a Checker and restores persisted cache and ledgers.
// Unreadable state is logged and replaced with a fresh baseline.
func NewChecker(ctx context.Context, oracle Oracle, opts CheckerOptions) (*Checker, error) {
	d := DefaultCheckerOptions()
	if opts.MaxSentenceLen <= 0 {
		opts.MaxSentenceLen = d.MaxSentenceLen
	}
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = d.ThrottleInterval
	}
	if opts.BudgetWarnRatio <= 0 {
		opts.BudgetWarnRatio = d.BudgetWarnRatio
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Events == nil {
		opts.Events = notify.Nop{}
	}
	cache, err := NewCache(opts.CacheSize, opts.CacheTTL, opts.Clock.Now)
	if err != nil {
		return nil, fmt.Errorf("create grammar cache: %w", err)
	}
	c := &Checker{
		oracle: oracle,
		opts:   opts,
		cache:  cache,
		hourly: ledger{window: time.Hour, limit: opts.HourlyCostLimit},
		daily:  ledger{window: 24 * time.Hour, limit: opts.DailyBudget},
	}
	c.load(ctx)
	return c, nil
}

// Check runs one sentence through validation, the cost cap, the cache, the
// throttle and finally the oracle.
func (c *Checker) Check(ctx context.Context, sentence, fullText string) (Result, error) {
	if runeLen(sentence) > c.opts.MaxSentenceLen {
		c.opts.Metrics.IncCheck("rejected")
		return Result{}, fmt.Errorf("check sentence of %d characters: %w", runeLen(sentence), ErrSentenceTooLong)
	}

	now := c.opts.Clock.Now()
	c.mu.Lock()
	if c.hourly.exhausted(now) {
		reset := c.hourly.state.ResetTime
		c.mu.Unlock()
		c.opts.Metrics.IncCheck("cost_limit")
		return Result{}, &CostLimitError{ResetTime: reset}
	}
	if cached, ok := c.cache.Get(sentence); ok {
		c.mu.Unlock()
		c.opts.Metrics.IncCheck("cache_hit")
		cached.Cached = true
		cached.Cost = 0
		cached.DurationMs = 0
		return cached, nil
	}
	if !c.lastCall.IsZero() {
		if elapsed := now.Sub(c.lastCall); elapsed < c.opts.ThrottleInterval {
			c.mu.Unlock()
			c.opts.Metrics.IncCheck("throttled")
			return Result{}, &ThrottleError{RetryAfter: c.opts.ThrottleInterval - elapsed}
		}
	}
	c.lastCall = now
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.oracle.Check(ctx, sentence, fullText)
	elapsed := time.Since(start)
	if err != nil {
		c.opts.Metrics.IncCheck("error")
		log.Printf("grammar: oracle check failed: %v", err)
		return Result{}, fmt.Errorf("check sentence: %w", err)
	}

	result := resp.Result
	result.Cached = false
	result.DurationMs = elapsed.Milliseconds()
	cost := resp.Cost
	if !resp.CostReported {
		output, _ := json.Marshal(result)
		cost = EstimateCost(sentence+fullText, string(output), c.opts.TokenRate)
	}
	result.Cost = cost

	now = c.opts.Clock.Now()
	c.mu.Lock()
	c.hourly.add(cost, now)
	c.daily.add(cost, now)
	budgetEvents := c.budgetEventsLocked()
	hourly := c.hourly.state
	stored := result
	stored.Cost = 0
	stored.DurationMs = 0
	c.cache.Put(sentence, stored)
	c.mu.Unlock()

	c.persist(ctx)
	c.opts.Metrics.IncCheck("success")
	c.opts.Metrics.AddCost(cost)
	c.opts.Events.Publish(notify.Event{
		Type: notify.GrammarCost,
		Payload: CostInfo{
			TotalCost:       hourly.TotalCost,
			RemainingBudget: max(0, c.opts.HourlyCostLimit-hourly.TotalCost),
			ResetTime:       hourly.ResetTime,
			Limit:           c.opts.HourlyCostLimit,
		},
	})
	for _, ev := range budgetEvents {
		c.opts.Events.Publish(ev)
	}
	return result, nil
}

func (c *Checker) budgetEventsLocked() []notify.Event {
	if c.daily.limit <= 0 {
		return nil
	}
	ratio := c.daily.state.TotalCost / c.daily.limit
	payload := map[string]any{
		"dailyCost":   c.daily.state.TotalCost,
		"dailyBudget": c.daily.limit,
		"resetTime":   c.daily.state.ResetTime,
	}
	var events []notify.Event
	if ratio >= c.opts.BudgetWarnRatio && !c.daily.state.Warned {
		c.daily.state.Warned = true
		events = append(events, notify.Event{Type: notify.BudgetWarning, Payload: payload})
	}
	if ratio >= 1 && !c.daily.state.Exceeded {
		c.daily.state.Exceeded = true
		events = append(events, notify.Event{Type: notify.BudgetExceeded, Payload: payload})
	}
	return events
}

func (c *Checker) CostInfo() CostInfo {
	now := c.opts.Clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hourly.roll(now)
	c.daily.roll(now)
	return CostInfo{
		TotalCost:       c.hourly.state.TotalCost,
		RemainingBudget: c.hourly.remaining(),
		ResetTime:       c.hourly.state.ResetTime,
		Limit:           c.hourly.limit,
		DailyCost:       c.daily.state.TotalCost,
		DailyBudget:     c.daily.limit,
	}
}

// CachedResult looks up a sentence without touching the oracle, throttle or
// ledgers.
func (c *Checker) CachedResult(sentence string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(sentence)
}

func (c *Checker) load(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	var entries []cacheEntry
	if _, err := c.opts.Store.Load(ctx, cacheStateKey, &entries); err != nil {
		log.Printf("grammar: load cache: %v", err)
	} else {
		c.cache.restore(entries)
	}
	if _, err := c.opts.Store.Load(ctx, hourlyStateKey, &c.hourly.state); err != nil {
		log.Printf("grammar: load hourly ledger: %v", err)
		c.hourly.state = Ledger{}
	}
	if _, err := c.opts.Store.Load(ctx, dailyStateKey, &c.daily.state); err != nil {
		log.Printf("grammar: load daily ledger: %v", err)
		c.daily.state = Ledger{}
	}
}

// persist writes cache and ledgers. Writes are serialized and each one
// snapshots the latest state, so the store never regresses.
func (c *Checker) persist(ctx context.Context) {
	if c.opts.Store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	entries := c.cache.snapshot()
	hourly := c.hourly.state
	daily := c.daily.state
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if err := c.opts.Store.Save(ctx, cacheStateKey, entries, 0); err != nil {
		log.Printf("grammar: persist cache: %v", err)
	}
	if err := c.opts.Store.Save(ctx, hourlyStateKey, hourly, 0); err != nil {
		log.Printf("grammar: persist hourly ledger: %v", err)
	}
	if err := c.opts.Store.Save(ctx, dailyStateKey, daily, 0); err != nil {
		log.Printf("grammar: persist daily ledger: %v", err)
	}
}
