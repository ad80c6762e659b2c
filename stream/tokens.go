package stream

import (
	"strings"
	"sync"
)

// Rates holds USD-per-million-token prices for one model tier.
type Rates struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheWrite float64 `yaml:"cache_write"`
	CacheRead  float64 `yaml:"cache_read"`
}

// defaultRates covers the model tiers the CLI ships with. Pricing overrides
// from the policy file take precedence via RatesForModel.
var defaultRates = map[string]Rates{
	"opus":   {Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.50},
	"sonnet": {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"haiku":  {Input: 0.80, Output: 4.0, CacheWrite: 1.0, CacheRead: 0.08},
}

// RatesForModel resolves the rate table for a model identifier like
// "claude-sonnet-4-5". Overrides are matched first, then the built-in tiers
// by substring. An unknown model falls back to sonnet pricing so cost
// reporting never silently reads zero.
func RatesForModel(model string, overrides map[string]Rates) Rates {
	lower := strings.ToLower(model)
	for tier, r := range overrides {
		if strings.Contains(lower, strings.ToLower(tier)) {
			return r
		}
	}
	for _, tier := range []string{"opus", "haiku", "sonnet"} {
		if strings.Contains(lower, tier) {
			return defaultRates[tier]
		}
	}
	return defaultRates["sonnet"]
}

// Totals is a snapshot of accumulated usage.
type Totals struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	MessagesProcessed        int64 `json:"messages_processed"`
}

// TotalTokens returns the sum of all four counters.
func (t Totals) TotalTokens() int64 {
	return t.InputTokens + t.OutputTokens +
		t.CacheCreationInputTokens + t.CacheReadInputTokens
}

// EffectiveTokens returns the tokens actually exchanged in conversation,
// excluding cache bookkeeping.
func (t Totals) EffectiveTokens() int64 {
	return t.InputTokens + t.OutputTokens
}

// CacheEfficiency returns the fraction of all tokens served from cache,
// in [0, 1]. It is always derived from the counters, never stored.
func (t Totals) CacheEfficiency() float64 {
	total := t.TotalTokens()
	if total == 0 {
		return 0
	}
	return float64(t.CacheReadInputTokens) / float64(total)
}

// CostUSD prices the totals against a rate table.
func (t Totals) CostUSD(r Rates) float64 {
	const perMillion = 1_000_000.0
	return float64(t.InputTokens)/perMillion*r.Input +
		float64(t.OutputTokens)/perMillion*r.Output +
		float64(t.CacheCreationInputTokens)/perMillion*r.CacheWrite +
		float64(t.CacheReadInputTokens)/perMillion*r.CacheRead
}

// Accumulator sums token usage across a session's lifetime. Counters only
// ever increase: the CLI reports per-message deltas, and a later message
// must never erase an earlier one's contribution.
type Accumulator struct {
	mu     sync.Mutex
	totals Totals
}

// NewAccumulator returns a zeroed Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds one usage report into the running totals.
func (a *Accumulator) Add(u Usage) {
	if u.IsZero() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals.InputTokens += u.InputTokens
	a.totals.OutputTokens += u.OutputTokens
	a.totals.CacheCreationInputTokens += u.CacheCreationInputTokens
	a.totals.CacheReadInputTokens += u.CacheReadInputTokens
	a.totals.MessagesProcessed++
}

// Totals returns a snapshot of the current counters.
func (a *Accumulator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}
