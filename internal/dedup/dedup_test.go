package dedup_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/dedup"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

type fakeHistory struct {
	bars map[string][]types.Bar
}

func (f *fakeHistory) History(symbol string, _ types.BarInterval, n int) ([]types.Bar, error) {
	bars, ok := f.bars[symbol]
	if !ok {
		return nil, errors.New("no data")
	}
	if n < len(bars) {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// flakyKV fails every call, forcing the local fallback.
type flakyKV struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyKV) SetIfAbsent(context.Context, string, time.Duration) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return false, errors.New("connection refused")
}

func (f *flakyKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}

// strongBars builds a rising series with a volume surge on the last bar,
// scoring near the top of the quality composite for a BUY.
func strongBars(symbol string, n int) []types.Bar {
	base := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, n)
	for i := range bars {
		px := 100.0 + float64(i)
		vol := int64(1000)
		if i == n-1 {
			vol = 2500
		}
		bars[i] = types.Bar{
			Symbol: symbol,
			Open:   decimal.NewFromFloat(px),
			High:   decimal.NewFromFloat(px + 0.5),
			Low:    decimal.NewFromFloat(px - 0.5),
			Close:  decimal.NewFromFloat(px),
			Volume: vol,
			Start:  base.Add(time.Duration(i) * time.Minute),
		}
	}
	return bars
}

func tightTick(symbol string, ltp float64) types.Tick {
	return types.Tick{
		Symbol: symbol,
		LTP:    decimal.NewFromFloat(ltp),
		Bid:    decimal.NewFromFloat(ltp - 0.01),
		Ask:    decimal.NewFromFloat(ltp + 0.01),
	}
}

func buySignal(symbol, strategyID string, confidence float64, at time.Time) types.Signal {
	return types.Signal{
		Symbol:      symbol,
		Action:      types.SideBuy,
		EntryPrice:  decimal.NewFromInt(120),
		StopLoss:    decimal.NewFromInt(118),
		Target:      decimal.NewFromInt(124),
		Quantity:    10,
		Confidence:  confidence,
		StrategyID:  strategyID,
		GeneratedAt: at,
	}
}

func defaultPriorities() map[string]int {
	return map[string]int{"V1": 1, "V2": 2, "V3": 3, "V4": 4}
}

func bullRegime() types.Regime {
	return types.Regime{Bias: types.BiasBullish, Strength: 5, MoveZone: types.ZoneNormal}
}

func newDeduper(view dedup.HistoryView, primary dedup.KV) *dedup.Deduplicator {
	return dedup.New(zap.NewNop(), dedup.DefaultConfig(), primary, view, defaultPriorities())
}

func TestManagementSignalsBypassAllStages(t *testing.T) {
	d := newDeduper(&fakeHistory{}, nil)
	now := time.Now()

	closing := buySignal("RELIANCE", "V1", 1, now)
	closing.ClosingAction = true
	mgmt := buySignal("RELIANCE", "V1", 1, now)
	mgmt.ManagementAction = true

	// Same symbol, same action, twice in a row: both pass both times.
	for round := 0; round < 2; round++ {
		passed, rejected := d.Filter(context.Background(), []types.Signal{closing, mgmt}, nil, bullRegime())
		if len(passed) != 2 || len(rejected) != 0 {
			t.Fatalf("round %d: passed=%d rejected=%d, want 2/0", round, len(passed), len(rejected))
		}
	}
}

func TestLowQualityRejected(t *testing.T) {
	view := &fakeHistory{bars: map[string][]types.Bar{"RELIANCE": strongBars("RELIANCE", 25)}}
	d := newDeduper(view, nil)

	// A SELL against rising momentum, a wide spread, and a bullish regime.
	sig := buySignal("RELIANCE", "V1", 5, time.Now())
	sig.Action = types.SideSell
	wide := types.Tick{
		Symbol: "RELIANCE",
		LTP:    decimal.NewFromInt(124),
		Bid:    decimal.NewFromFloat(123.40),
		Ask:    decimal.NewFromFloat(124.60),
	}

	passed, rejected := d.Filter(context.Background(), []types.Signal{sig}, map[string]types.Tick{"RELIANCE": wide}, bullRegime())
	if len(passed) != 0 {
		t.Fatalf("low-quality signal passed")
	}
	if len(rejected) != 1 || rejected[0].Reason != dedup.ReasonLowQuality {
		t.Fatalf("rejection = %+v, want LOW_QUALITY", rejected)
	}
}

func TestLowQualityDoesNotBurnDayKey(t *testing.T) {
	view := &fakeHistory{bars: map[string][]types.Bar{"RELIANCE": strongBars("RELIANCE", 25)}}
	d := newDeduper(view, nil)
	wide := map[string]types.Tick{"RELIANCE": {
		Symbol: "RELIANCE",
		LTP:    decimal.NewFromInt(124),
		Bid:    decimal.NewFromFloat(123.40),
		Ask:    decimal.NewFromFloat(124.60),
	}}

	bad := buySignal("RELIANCE", "V1", 5, time.Now())
	bad.Action = types.SideSell
	if passed, _ := d.Filter(context.Background(), []types.Signal{bad}, wide, bullRegime()); len(passed) != 0 {
		t.Fatal("setup: low-quality signal passed")
	}

	// A BUY for the same symbol later the same day must still pass: the
	// quality reject never reached the idempotency stage.
	good := buySignal("RELIANCE", "V1", 7, time.Now())
	passed, rejected := d.Filter(context.Background(), []types.Signal{good}, map[string]types.Tick{"RELIANCE": tightTick("RELIANCE", 124)}, bullRegime())
	if len(passed) != 1 {
		t.Fatalf("good signal blocked: %+v", rejected)
	}
}

func TestSameDayDuplicateRejected(t *testing.T) {
	view := &fakeHistory{bars: map[string][]types.Bar{"RELIANCE": strongBars("RELIANCE", 25)}}
	d := newDeduper(view, nil)
	snapshot := map[string]types.Tick{"RELIANCE": tightTick("RELIANCE", 124)}

	first := buySignal("RELIANCE", "V1", 7, time.Now())
	if passed, _ := d.Filter(context.Background(), []types.Signal{first}, snapshot, bullRegime()); len(passed) != 1 {
		t.Fatal("setup: first signal rejected")
	}

	second := buySignal("RELIANCE", "V3", 9, time.Now())
	passed, rejected := d.Filter(context.Background(), []types.Signal{second}, snapshot, bullRegime())
	if len(passed) != 0 {
		t.Fatal("same-day duplicate passed")
	}
	if len(rejected) != 1 || rejected[0].Reason != dedup.ReasonDuplicateToday {
		t.Fatalf("rejection = %+v, want DUPLICATE_TODAY", rejected)
	}
}

func TestSymbolDedupPicksHighestConfidence(t *testing.T) {
	view := &fakeHistory{bars: map[string][]types.Bar{"RELIANCE": strongBars("RELIANCE", 25)}}
	d := newDeduper(view, nil)
	snapshot := map[string]types.Tick{"RELIANCE": tightTick("RELIANCE", 124)}
	now := time.Now()

	batch := []types.Signal{
		buySignal("RELIANCE", "V1", 6, now),
		buySignal("RELIANCE", "V3", 8, now),
	}
	passed, rejected := d.Filter(context.Background(), batch, snapshot, bullRegime())
	if len(passed) != 1 || passed[0].StrategyID != "V3" {
		t.Fatalf("winner = %+v, want the V3 signal", passed)
	}
	if len(rejected) != 1 || rejected[0].Reason != dedup.ReasonSymbolDedup {
		t.Fatalf("rejection = %+v, want SYMBOL_DEDUP", rejected)
	}
}

func TestSymbolDedupTieBreaksByTimeThenPriority(t *testing.T) {
	view := &fakeHistory{bars: map[string][]types.Bar{"RELIANCE": strongBars("RELIANCE", 25)}}
	d := newDeduper(view, nil)
	snapshot := map[string]types.Tick{"RELIANCE": tightTick("RELIANCE", 124)}
	now := time.Now()

	earlier := buySignal("RELIANCE", "V3", 7, now.Add(-time.Second))
	later := buySignal("RELIANCE", "V1", 7, now)
	passed, _ := d.Filter(context.Background(), []types.Signal{later, earlier}, snapshot, bullRegime())
	if len(passed) != 1 || passed[0].StrategyID != "V3" {
		t.Fatalf("tie should go to the earlier signal, got %+v", passed)
	}
}

func TestRedisOutageFallsBackToLocalMemory(t *testing.T) {
	view := &fakeHistory{bars: map[string][]types.Bar{"RELIANCE": strongBars("RELIANCE", 25)}}
	kv := &flakyKV{}
	d := newDeduper(view, kv)
	snapshot := map[string]types.Tick{"RELIANCE": tightTick("RELIANCE", 124)}

	first := buySignal("RELIANCE", "V1", 7, time.Now())
	passed, _ := d.Filter(context.Background(), []types.Signal{first}, snapshot, bullRegime())
	if len(passed) != 1 {
		t.Fatal("signal blocked by unreachable primary store")
	}

	// Local memory still enforces the day key during the outage.
	second := buySignal("RELIANCE", "V1", 7, time.Now())
	passed, rejected := d.Filter(context.Background(), []types.Signal{second}, snapshot, bullRegime())
	if len(passed) != 0 || len(rejected) != 1 || rejected[0].Reason != dedup.ReasonDuplicateToday {
		t.Fatalf("local fallback did not dedup: passed=%d rejected=%+v", len(passed), rejected)
	}

	kv.mu.Lock()
	calls := kv.calls
	kv.mu.Unlock()
	if calls == 0 {
		t.Error("primary store never attempted")
	}
}

// flatVolBars is a rising series with uniform volume: trend components
// score, the volume components sit at neutral.
func flatVolBars(symbol string, n int) []types.Bar {
	bars := strongBars(symbol, n)
	for i := range bars {
		bars[i].Volume = 1000
	}
	return bars
}

func TestPerfTrackerTightensThreshold(t *testing.T) {
	view := &fakeHistory{bars: map[string][]types.Bar{
		"RELIANCE": flatVolBars("RELIANCE", 25),
		"TCS":      flatVolBars("TCS", 25),
	}}
	d := newDeduper(view, nil)

	// Drive V1's win rate under 35%; its threshold multiplier climbs to
	// 1.2 while cold strategies stay at the base threshold.
	for i := 0; i < 20; i++ {
		d.RecordOutcome("V1", false)
	}

	// A middling signal (no snapshot tick, neutral volume) scores around
	// 0.65: above the 0.60 base, below the raised 0.72.
	losing := buySignal("RELIANCE", "V1", 7, time.Now())
	passed, rejected := d.Filter(context.Background(), []types.Signal{losing}, nil, bullRegime())
	if len(passed) != 0 {
		t.Fatalf("signal passed the raised threshold: %+v", passed)
	}
	if len(rejected) != 1 || rejected[0].Reason != dedup.ReasonLowQuality {
		t.Fatalf("rejection = %+v, want LOW_QUALITY", rejected)
	}

	// The same grade of signal from a cold strategy clears the base bar.
	cold := buySignal("TCS", "V2", 7, time.Now())
	passed, _ = d.Filter(context.Background(), []types.Signal{cold}, nil, bullRegime())
	if len(passed) != 1 {
		t.Fatal("cold strategy blocked at the base threshold")
	}
}
