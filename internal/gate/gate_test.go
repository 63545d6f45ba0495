package gate_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/gate"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

type instrumentMap map[string]types.Instrument

func (m instrumentMap) Instrument(symbol string) (types.Instrument, bool) {
	inst, ok := m[symbol]
	return inst, ok
}

func testInstruments() instrumentMap {
	return instrumentMap{
		"RELIANCE": {Symbol: "RELIANCE", Segment: types.SegmentEquityNSE, LotSize: 1, TickSize: decimal.NewFromFloat(0.05)},
		"NIFTY24SEP25000CE": {
			Symbol: "NIFTY24SEP25000CE", Segment: types.SegmentFutOptNFO, LotSize: 25,
			TickSize: decimal.NewFromFloat(0.05), Underlying: "NIFTY 50", OptionKind: types.OptionCall,
		},
	}
}

func tradingHours() func() time.Time {
	at := time.Date(2024, 9, 2, 11, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newGate(t *testing.T) *gate.Gate {
	t.Helper()
	g := gate.New(zap.NewNop(), gate.DefaultConfig(), testInstruments())
	g.SetClock(tradingHours())
	return g
}

func equitySignal() types.Signal {
	return types.Signal{
		Symbol:      "RELIANCE",
		Action:      types.SideBuy,
		EntryPrice:  decimal.NewFromInt(1000),
		StopLoss:    decimal.NewFromInt(990),
		Target:      decimal.NewFromInt(1020),
		Quantity:    100,
		Confidence:  7,
		StrategyID:  "V1",
		GeneratedAt: time.Now(),
	}
}

func optionSignal() types.Signal {
	return types.Signal{
		Symbol:      "NIFTY24SEP25000CE",
		Action:      types.SideBuy,
		EntryPrice:  decimal.NewFromInt(200),
		StopLoss:    decimal.NewFromInt(184),
		Target:      decimal.NewFromInt(232),
		Quantity:    250,
		Confidence:  7,
		StrategyID:  "V2",
		GeneratedAt: time.Now(),
	}
}

func neutralState(capital int64) gate.State {
	return gate.State{
		Capital: decimal.NewFromInt(capital),
		Regime:  types.Regime{Bias: types.BiasNeutral, FadeSizeBoost: 1.0},
	}
}

func TestAcceptsCleanEntry(t *testing.T) {
	g := newGate(t)
	v := g.Evaluate(equitySignal(), neutralState(10000000))
	if !v.Accepted || v.Reason != gate.ReasonAccepted {
		t.Fatalf("verdict = %+v, want accepted", v)
	}
	if v.Quantity != 100 {
		t.Errorf("quantity = %d, want 100", v.Quantity)
	}
}

func TestRejectsOutsideEntryWindow(t *testing.T) {
	g := gate.New(zap.NewNop(), gate.DefaultConfig(), testInstruments())
	late := time.Date(2024, 9, 2, 15, 5, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return late })

	v := g.Evaluate(equitySignal(), neutralState(1000000))
	if v.Accepted || v.Reason != gate.ReasonAfterHours {
		t.Fatalf("verdict = %+v, want AFTER_HOURS", v)
	}
}

func TestRejectsInvalidLevels(t *testing.T) {
	g := newGate(t)
	st := neutralState(1000000)

	inverted := equitySignal()
	inverted.StopLoss = decimal.NewFromInt(1010)
	if v := g.Evaluate(inverted, st); v.Reason != gate.ReasonInvalidLevels {
		t.Errorf("inverted stop: reason = %s, want INVALID_LEVELS", v.Reason)
	}

	tight := equitySignal()
	tight.StopLoss = decimal.NewFromInt(998)
	if v := g.Evaluate(tight, st); v.Reason != gate.ReasonInvalidLevels {
		t.Errorf("0.2%% stop: reason = %s, want INVALID_LEVELS", v.Reason)
	}
}

func TestRejectsSubLotQuantity(t *testing.T) {
	g := newGate(t)
	sig := optionSignal()
	sig.Quantity = 20 // below one lot of 25
	if v := g.Evaluate(sig, neutralState(10000000)); v.Reason != gate.ReasonZeroQuantity {
		t.Fatalf("reason = %s, want ZERO_QUANTITY", v.Reason)
	}
}

func TestRejectsDuplicateSameSidePosition(t *testing.T) {
	g := newGate(t)
	st := neutralState(1000000)
	st.Positions = []types.Position{{
		Symbol: "RELIANCE", Side: types.PositionLong, Quantity: 50,
		EntryPrice: decimal.NewFromInt(995), Status: types.PositionOpen,
	}}

	if v := g.Evaluate(equitySignal(), st); v.Reason != gate.ReasonDuplicatePosition {
		t.Fatalf("reason = %s, want DUPLICATE_POSITION", v.Reason)
	}

	// A position already closing does not block a re-entry.
	st.Positions[0].Status = types.PositionClosing
	if v := g.Evaluate(equitySignal(), st); !v.Accepted {
		t.Fatalf("closing position blocked re-entry: %+v", v)
	}
}

func TestRejectsAgainstStrongRegime(t *testing.T) {
	g := newGate(t)
	st := neutralState(1000000)
	st.Regime = types.Regime{Bias: types.BiasBearish, Strength: 5, FadeSizeBoost: 1.0}

	if v := g.Evaluate(equitySignal(), st); v.Reason != gate.ReasonRegimeMismatch {
		t.Fatalf("reason = %s, want REGIME_MISMATCH", v.Reason)
	}

	// A weak opposing regime does not block.
	st.Regime.Strength = 2
	if v := g.Evaluate(equitySignal(), st); !v.Accepted {
		t.Fatalf("weak regime blocked entry: %+v", v)
	}
}

func TestDailyLossBrake(t *testing.T) {
	g := newGate(t)
	st := neutralState(1000000)
	st.DayPnL = decimal.NewFromInt(-20000) // exactly -2%

	if v := g.Evaluate(equitySignal(), st); v.Reason != gate.ReasonDailyLossBrake {
		t.Fatalf("reason = %s, want DAILY_LOSS_BRAKE", v.Reason)
	}
}

func TestChaseNeedsRegimeConfidence(t *testing.T) {
	g := newGate(t)
	st := neutralState(1000000)
	st.Regime = types.Regime{
		Bias: types.BiasBullish, Strength: 8, MoveZone: types.ZoneExtended,
		ChaseAction: types.ActionCaution, MinChaseConfidence: 9.0, FadeSizeBoost: 1.0,
	}

	sig := equitySignal() // BUY with the trend: a chase
	sig.Confidence = 8
	if v := g.Evaluate(sig, st); v.Reason != gate.ReasonLowChaseConf {
		t.Fatalf("reason = %s, want MIN_CHASE_CONFIDENCE", v.Reason)
	}

	sig.Confidence = 9.2
	if v := g.Evaluate(sig, st); !v.Accepted {
		t.Fatalf("high-conviction chase blocked: %+v", v)
	}
}

func TestBlockChaseInExtremeZone(t *testing.T) {
	g := newGate(t)
	st := neutralState(1000000)
	st.Regime = types.Regime{
		Bias: types.BiasBullish, Strength: 9, MoveZone: types.ZoneExtreme,
		ChaseAction: types.ActionBlockChase, MinChaseConfidence: 9.5, FadeSizeBoost: 1.2,
	}

	sig := equitySignal()
	sig.Confidence = 9.0
	if v := g.Evaluate(sig, st); v.Reason != gate.ReasonRegimeMismatch {
		t.Fatalf("reason = %s, want REGIME_MISMATCH for a blocked chase", v.Reason)
	}

	// The carve-out: conviction at or past the regime minimum still
	// passes in an EXTREME zone.
	sig.Confidence = 9.6
	if v := g.Evaluate(sig, st); !v.Accepted {
		t.Fatalf("exceptional-conviction chase blocked: %+v", v)
	}
}

func TestExtremeFadeBoostStillClampedByCaps(t *testing.T) {
	g := newGate(t)
	st := neutralState(1000000)
	// Bullish EXTREME: a SELL is a fade and gets the 1.2x boost. Strength
	// below 3 so the alignment check does not reject the countertrend sell.
	st.Regime = types.Regime{
		Bias: types.BiasBullish, Strength: 2, MoveZone: types.ZoneExtreme,
		ChaseAction: types.ActionBlockChase, FadeAction: types.ActionFade,
		MinChaseConfidence: 9.5, FadeSizeBoost: 1.2,
	}

	sig := equitySignal()
	sig.Action = types.SideSell
	sig.StopLoss = decimal.NewFromInt(1010)
	sig.Target = decimal.NewFromInt(980)
	sig.Quantity = 100

	v := g.Evaluate(sig, st)
	if !v.Accepted {
		t.Fatalf("fade rejected: %+v", v)
	}
	// Boost would give 120, but 120 shares risk 1200 against a 20000 risk
	// budget and 120000 notional against a 20000 equity position cap, so
	// the position cap clamps it to 20.
	if v.Quantity != 20 {
		t.Errorf("quantity = %d, want 20 after caps clamp the boost", v.Quantity)
	}
}

func TestPerTradeRiskShrinksToLot(t *testing.T) {
	g := newGate(t)
	st := neutralState(1000000) // risk budget 20000

	// A wide-stop option: 100 rupees at risk per unit, so the risk check
	// binds before the 5% option position cap does.
	sig := optionSignal()
	sig.StopLoss = decimal.NewFromInt(100)
	sig.Target = decimal.NewFromInt(400)
	sig.Quantity = 500 // 50000 at risk
	v := g.Evaluate(sig, st)
	if !v.Accepted {
		t.Fatalf("verdict = %+v, want accepted after shrink", v)
	}
	if v.Quantity != 200 {
		t.Errorf("quantity = %d, want 200 (risk budget / per-unit risk, lot-aligned)", v.Quantity)
	}
}

func TestOptionsExposureCapRejects(t *testing.T) {
	g := newGate(t)
	st := neutralState(100000) // options cap 50000

	// An existing option position already consumes the full 50000 cap.
	st.Positions = []types.Position{{
		Symbol: "NIFTY24SEP25000CE", Side: types.PositionShort, Quantity: 250,
		EntryPrice: decimal.NewFromInt(200), Status: types.PositionOpen,
	}}

	sig := optionSignal()
	sig.Action = types.SideBuy
	sig.Quantity = 50 // any surviving notional pushes the book past the cap
	v := g.Evaluate(sig, st)
	if v.Accepted || v.Reason != gate.ReasonOptionsExposure {
		t.Fatalf("verdict = %+v, want OPTIONS_EXPOSURE_LIMIT", v)
	}
}

func TestTotalExposureCapRejects(t *testing.T) {
	g := newGate(t)
	st := neutralState(100000) // total cap 70000
	st.Positions = []types.Position{{
		Symbol: "RELIANCE", Side: types.PositionShort, Quantity: 69,
		EntryPrice: decimal.NewFromInt(1000), Status: types.PositionOpen,
	}}

	sig := equitySignal()
	sig.Quantity = 2 // 2000 notional on top of 69000 breaches the cap
	v := g.Evaluate(sig, st)
	if v.Accepted || v.Reason != gate.ReasonTotalExposure {
		t.Fatalf("verdict = %+v, want TOTAL_EXPOSURE_LIMIT", v)
	}
}

func TestSoftExposureWarnBandStillAccepts(t *testing.T) {
	g := newGate(t)
	st := neutralState(100000) // warn at 60000, hard cap at 70000
	st.Positions = []types.Position{{
		Symbol: "RELIANCE", Side: types.PositionShort, Quantity: 63,
		EntryPrice: decimal.NewFromInt(1000), Status: types.PositionOpen,
	}}

	// 65000 total sits past the advisory line but under the cap; the
	// entry goes through.
	sig := equitySignal()
	sig.Quantity = 2
	if v := g.Evaluate(sig, st); !v.Accepted {
		t.Fatalf("warn-band entry rejected: %+v", v)
	}
}
