package regime_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/regime"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// fakeHistory serves canned bar series per interval.
type fakeHistory struct {
	oneMin  []types.Bar
	fiveMin []types.Bar
}

func (f *fakeHistory) History(_ string, interval types.BarInterval, n int) ([]types.Bar, error) {
	bars := f.oneMin
	if interval == types.Bar5m {
		bars = f.fiveMin
	}
	if n < len(bars) {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// trendBars builds a steadily rising series: one point per bar with the
// given per-bar step and intra-bar range.
func trendBars(start float64, step, span float64, n int, interval types.BarInterval) []types.Bar {
	base := time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, n)
	for i := range bars {
		px := start + float64(i)*step
		bars[i] = types.Bar{
			Symbol:   "NIFTY 50",
			Open:     decimal.NewFromFloat(px),
			High:     decimal.NewFromFloat(px + span),
			Low:      decimal.NewFromFloat(px - span),
			Close:    decimal.NewFromFloat(px),
			Start:    base.Add(time.Duration(i) * interval.Duration()),
			Interval: interval,
		}
	}
	return bars
}

func benchmarkTick(ltp, open float64) map[string]types.Tick {
	return map[string]types.Tick{
		"NIFTY 50": {
			Symbol:    "NIFTY 50",
			LTP:       decimal.NewFromFloat(ltp),
			Open:      decimal.NewFromFloat(open),
			Timestamp: time.Now(),
		},
	}
}

func TestStartsNeutral(t *testing.T) {
	m := regime.NewMonitor(zap.NewNop(), regime.DefaultConfig("NIFTY 50"), &fakeHistory{})
	current := m.Current()
	if current.Bias != types.BiasNeutral {
		t.Errorf("initial bias = %s, want NEUTRAL", current.Bias)
	}
	if current.FadeSizeBoost != 1.0 {
		t.Errorf("initial fade boost = %f, want 1.0", current.FadeSizeBoost)
	}
}

func TestBullishBiasOnStrongUpMove(t *testing.T) {
	// 1m closes rising 10 points a bar against a ~6 point 5m true range
	// yields normalized momentum well past the neutral band.
	hist := &fakeHistory{
		oneMin:  trendBars(24900, 10, 2, 11, types.Bar1m),
		fiveMin: trendBars(24800, 10, 3, 15, types.Bar5m),
	}
	m := regime.NewMonitor(zap.NewNop(), regime.DefaultConfig("NIFTY 50"), hist)

	got := m.Update(benchmarkTick(25010, 24990), time.Now())
	if got.Bias != types.BiasBullish {
		t.Fatalf("bias = %s, want BULLISH", got.Bias)
	}
	if got.Strength <= 0 {
		t.Errorf("strength = %f, want > 0", got.Strength)
	}
	if got.MoveZone != types.ZoneEarly {
		t.Errorf("zone = %s, want EARLY for a small open-to-LTP move", got.MoveZone)
	}
}

func TestBearishBiasOnStrongDownMove(t *testing.T) {
	hist := &fakeHistory{
		oneMin:  trendBars(25100, -10, 2, 11, types.Bar1m),
		fiveMin: trendBars(25200, -10, 3, 15, types.Bar5m),
	}
	m := regime.NewMonitor(zap.NewNop(), regime.DefaultConfig("NIFTY 50"), hist)

	got := m.Update(benchmarkTick(24990, 25010), time.Now())
	if got.Bias != types.BiasBearish {
		t.Fatalf("bias = %s, want BEARISH", got.Bias)
	}
}

func TestExtremeZoneBlocksChaseAndBoostsFade(t *testing.T) {
	// Tiny 5m ranges make the session ATR small, so the open-to-LTP move
	// overshoots it and lands in the EXTREME zone.
	hist := &fakeHistory{
		oneMin:  trendBars(24900, 10, 2, 11, types.Bar1m),
		fiveMin: trendBars(24900, 0, 1, 15, types.Bar5m),
	}
	m := regime.NewMonitor(zap.NewNop(), regime.DefaultConfig("NIFTY 50"), hist)

	got := m.Update(benchmarkTick(25400, 25000), time.Now())
	if got.MoveZone != types.ZoneExtreme {
		t.Fatalf("zone = %s, want EXTREME", got.MoveZone)
	}
	if got.ChaseAction != types.ActionBlockChase {
		t.Errorf("chase action = %s, want BLOCK_CHASE", got.ChaseAction)
	}
	if got.FadeAction != types.ActionFade {
		t.Errorf("fade action = %s, want FADE", got.FadeAction)
	}
	if got.FadeSizeBoost != 1.2 {
		t.Errorf("fade boost = %f, want 1.2", got.FadeSizeBoost)
	}
	if got.MinChaseConfidence != 9.5 {
		t.Errorf("min chase confidence = %f, want 9.5", got.MinChaseConfidence)
	}
}

func TestMissingBenchmarkKeepsPreviousRegime(t *testing.T) {
	hist := &fakeHistory{
		oneMin:  trendBars(24900, 10, 2, 11, types.Bar1m),
		fiveMin: trendBars(24800, 10, 3, 15, types.Bar5m),
	}
	m := regime.NewMonitor(zap.NewNop(), regime.DefaultConfig("NIFTY 50"), hist)

	first := m.Update(benchmarkTick(25010, 24990), time.Now())
	second := m.Update(map[string]types.Tick{}, time.Now())
	if second.Bias != first.Bias || second.MoveZone != first.MoveZone {
		t.Error("regime changed despite missing benchmark tick")
	}
}
