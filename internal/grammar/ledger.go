package grammar

import "time"

// Ledger is the persisted running total of oracle spend within a window.
type Ledger struct {
	TotalCost float64   `json:"totalCost"`
	ResetTime time.Time `json:"windowResetTime"`
	Warned    bool      `json:"warned,omitempty"`
	Exceeded  bool      `json:"exceeded,omitempty"`
}

type ledger struct {
	window time.Duration
	limit  float64
	state  Ledger
}

// roll starts a fresh window once now has reached the reset time.
func (l *ledger) roll(now time.Time) {
	if !l.state.ResetTime.IsZero() && now.Before(l.state.ResetTime) {
		return
	}
	l.state = Ledger{ResetTime: now.Add(l.window)}
}

func (l *ledger) add(cost float64, now time.Time) {
	l.roll(now)
	if cost > 0 {
		l.state.TotalCost += cost
	}
}

func (l *ledger) exhausted(now time.Time) bool {
	l.roll(now)
	return l.limit > 0 && l.state.TotalCost >= l.limit
}

func (l *ledger) remaining() float64 {
	return max(0, l.limit-l.state.TotalCost)
}

// CostInfo is a read-only view of the hourly ledger.
type CostInfo struct {
	TotalCost       float64   `json:"totalCost"`
	RemainingBudget float64   `json:"remainingBudget"`
	ResetTime       time.Time `json:"resetTime"`
	Limit           float64   `json:"limit"`
	DailyCost       float64   `json:"dailyCost"`
	DailyBudget     float64   `json:"dailyBudget"`
}

// EstimateCost approximates spend from character counts at four characters
// per token.
func EstimateCost(input, output string, tokenRate float64) float64 {
	return float64(len(input)/4+len(output)/4) * tokenRate
}
