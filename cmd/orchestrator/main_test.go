package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/config"
	"github.com/sentinel-desk/intraday-backend/internal/store"
	"github.com/sentinel-desk/intraday-backend/internal/strategy"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

func TestSplitUniverseRoutesSymbolsByKind(t *testing.T) {
	universe := []types.Instrument{
		{Symbol: "RELIANCE", Segment: types.SegmentEquityNSE},
		{Symbol: "NIFTY 50", Segment: types.SegmentEquityNSE, IndexName: true},
		{Symbol: "NIFTY26FEB24000CE", Segment: types.SegmentFutOptNFO, OptionKind: types.OptionCall, Underlying: "NIFTY 50"},
		{Symbol: "TCS", Segment: types.SegmentEquityNSE},
	}

	equities, options := splitUniverse(universe)
	if len(equities) != 2 || equities[0] != "RELIANCE" || equities[1] != "TCS" {
		t.Errorf("equities = %v, want [RELIANCE TCS]", equities)
	}
	if len(options) != 1 || options[0] != "NIFTY26FEB24000CE" {
		t.Errorf("options = %v, want [NIFTY26FEB24000CE]", options)
	}
}

func TestHistoricalOutcomesFeedEstimator(t *testing.T) {
	records := []store.TradeRecord{
		{StrategyID: strategy.IDMomentum, RealizedPnL: decimal.NewFromInt(1500),
			RegimeBias: string(types.BiasBullish), RegimeStrength: 7, RegimeZone: string(types.ZoneNormal)},
		{StrategyID: strategy.IDMicrostructure, RealizedPnL: decimal.NewFromInt(-400),
			RegimeBias: string(types.BiasBearish), RegimeStrength: 2, RegimeZone: string(types.ZoneExtended)},
	}

	outcomes := historicalOutcomes(records)
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	if !outcomes[0].Won || outcomes[0].StrategyID != strategy.IDMomentum ||
		outcomes[0].Regime.Bias != types.BiasBullish {
		t.Errorf("winning trade mapped to %+v", outcomes[0])
	}
	if outcomes[1].Won || outcomes[1].Regime.MoveZone != types.ZoneExtended {
		t.Errorf("losing trade mapped to %+v", outcomes[1])
	}

	// The estimator accepts the replayed history as warmup observations.
	a := strategy.NewAdaptive(zap.NewNop(), strategy.AdaptiveConfig{
		WarmupObservations: 2, Smoothing: 2, MinWeight: 0.5, MaxWeight: 1.5,
	})
	a.OnTick(nil, outcomes[0].Regime)
	a.Retrain(outcomes)
	if a.Weights() == nil {
		t.Error("estimator still cold after replaying history")
	}
}

// fakeHistorySource serves one synthetic bar per series, failing a
// designated symbol.
type fakeHistorySource struct {
	failSymbol string
}

func (f *fakeHistorySource) Authenticated() bool { return true }

func (f *fakeHistorySource) HistoricalBars(_ context.Context, symbol string, _ types.BarInterval, _, _ time.Time) ([]types.Bar, error) {
	if symbol == f.failSymbol {
		return nil, errors.New("historical api down")
	}
	return []types.Bar{{Symbol: symbol, Start: time.Now()}}, nil
}

type fakeHistorySink struct {
	loaded map[string]int
}

func (f *fakeHistorySink) Preload(symbol string, interval types.BarInterval, bars []types.Bar) error {
	f.loaded[symbol+"/"+string(interval)] = len(bars)
	return nil
}

func defaultsConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("testdata/absent.yaml")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	return cfg
}

func TestPreloadHistorySeedsBenchmarkSeries(t *testing.T) {
	cfg := defaultsConfig(t)
	sink := &fakeHistorySink{loaded: make(map[string]int)}

	err := preloadHistory(context.Background(), zap.NewNop(), cfg, &fakeHistorySource{}, sink, nil)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	benchmark := cfg.Orchestrator.BenchmarkSymbol
	if sink.loaded[benchmark+"/"+string(types.Bar1m)] == 0 {
		t.Errorf("benchmark 1m series not preloaded; loaded = %v", sink.loaded)
	}
	if sink.loaded[benchmark+"/"+string(types.Bar5m)] == 0 {
		t.Errorf("benchmark 5m series not preloaded; loaded = %v", sink.loaded)
	}
}

func TestPreloadHistoryFailsWhenBenchmarkUnavailable(t *testing.T) {
	cfg := defaultsConfig(t)
	sink := &fakeHistorySink{loaded: make(map[string]int)}

	source := &fakeHistorySource{failSymbol: cfg.Orchestrator.BenchmarkSymbol}
	if err := preloadHistory(context.Background(), zap.NewNop(), cfg, source, sink, nil); err == nil {
		t.Fatal("expected error when benchmark history cannot be fetched")
	}
}
