package stream

import (
	"math"
	"math/rand"
	"testing"
)

func TestAccumulatorOnlyAdds(t *testing.T) {
	acc := NewAccumulator()

	acc.Add(Usage{InputTokens: 100, OutputTokens: 50})
	acc.Add(Usage{InputTokens: 30, CacheReadInputTokens: 500})
	acc.Add(Usage{OutputTokens: 20, CacheCreationInputTokens: 40})

	got := acc.Totals()
	if got.InputTokens != 130 {
		t.Errorf("input: got %d, want 130", got.InputTokens)
	}
	if got.OutputTokens != 70 {
		t.Errorf("output: got %d, want 70", got.OutputTokens)
	}
	if got.CacheCreationInputTokens != 40 {
		t.Errorf("cache creation: got %d, want 40", got.CacheCreationInputTokens)
	}
	if got.CacheReadInputTokens != 500 {
		t.Errorf("cache read: got %d, want 500", got.CacheReadInputTokens)
	}
	if got.MessagesProcessed != 3 {
		t.Errorf("messages: got %d, want 3", got.MessagesProcessed)
	}
}

func TestAccumulatorIgnoresZeroUsage(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(Usage{})
	if got := acc.Totals().MessagesProcessed; got != 0 {
		t.Errorf("zero usage counted as message: %d", got)
	}
}

func TestAccumulatorOrderInvariant(t *testing.T) {
	usages := []Usage{
		{InputTokens: 11, OutputTokens: 3},
		{CacheReadInputTokens: 900},
		{InputTokens: 5, CacheCreationInputTokens: 77},
		{OutputTokens: 250},
		{InputTokens: 1, OutputTokens: 1, CacheReadInputTokens: 1, CacheCreationInputTokens: 1},
	}

	base := NewAccumulator()
	for _, u := range usages {
		base.Add(u)
	}
	want := base.Totals()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := make([]Usage, len(usages))
		copy(shuffled, usages)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		acc := NewAccumulator()
		for _, u := range shuffled {
			acc.Add(u)
		}
		if got := acc.Totals(); got != want {
			t.Errorf("trial %d: got %+v, want %+v", trial, got, want)
		}
	}
}

func TestCacheEfficiencyDerived(t *testing.T) {
	totals := Totals{InputTokens: 1000, CacheReadInputTokens: 9000}
	if got := totals.CacheEfficiency(); math.Abs(got-0.9) > 1e-9 {
		t.Errorf("cache efficiency: got %v, want 0.9", got)
	}

	// The denominator is the grand total, not just the input-side counters.
	totals = Totals{InputTokens: 100, OutputTokens: 50, CacheReadInputTokens: 20}
	want := 20.0 / 170.0
	if got := totals.CacheEfficiency(); math.Abs(got-want) > 1e-9 {
		t.Errorf("cache efficiency: got %v, want %v", got, want)
	}

	if got := (Totals{}).CacheEfficiency(); got != 0 {
		t.Errorf("empty totals efficiency: got %v, want 0", got)
	}
}

func TestSonnetCostDeterministic(t *testing.T) {
	totals := Totals{
		InputTokens:              1_000_000,
		OutputTokens:             200_000,
		CacheCreationInputTokens: 400_000,
		CacheReadInputTokens:     2_000_000,
	}
	rates := RatesForModel("claude-sonnet-4-5", nil)

	// 1M input at $3 + 0.2M output at $15 + 0.4M cache write at $3.75
	// + 2M cache read at $0.30.
	want := 3.0 + 3.0 + 1.5 + 0.6
	if got := totals.CostUSD(rates); math.Abs(got-want) > 1e-9 {
		t.Errorf("sonnet cost: got %v, want %v", got, want)
	}
}

func TestRatesForModelTiers(t *testing.T) {
	tests := []struct {
		model     string
		wantInput float64
	}{
		{"claude-opus-4-5", 15.0},
		{"claude-sonnet-4-5", 3.0},
		{"claude-haiku-4-5", 0.80},
		{"totally-unknown-model", 3.0}, // sonnet fallback
	}

	for _, tt := range tests {
		r := RatesForModel(tt.model, nil)
		if r.Input != tt.wantInput {
			t.Errorf("%s: input rate got %v, want %v", tt.model, r.Input, tt.wantInput)
		}
	}
}

func TestRatesForModelOverride(t *testing.T) {
	overrides := map[string]Rates{
		"sonnet": {Input: 1.0, Output: 2.0, CacheWrite: 3.0, CacheRead: 4.0},
	}
	r := RatesForModel("claude-sonnet-4-5", overrides)
	if r.Input != 1.0 || r.Output != 2.0 {
		t.Errorf("override not applied: %+v", r)
	}
}

func TestDerivedTotals(t *testing.T) {
	totals := Totals{
		InputTokens:              100,
		OutputTokens:             50,
		CacheCreationInputTokens: 30,
		CacheReadInputTokens:     300,
	}

	if got := totals.TotalTokens(); got != 480 {
		t.Errorf("TotalTokens() = %d, want 480", got)
	}
	if got := totals.EffectiveTokens(); got != 150 {
		t.Errorf("EffectiveTokens() = %d, want 150", got)
	}
	if got := totals.CacheEfficiency(); got != 0.625 {
		t.Errorf("CacheEfficiency() = %v, want 0.625", got)
	}
}
