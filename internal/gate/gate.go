// Package gate is the final risk check between a deduplicated signal
// and the trade engine. Checks run in a fixed order; the first failure
// rejects with a stable reason tag.
package gate

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// Rejection reason tags. Stable identifiers consumed by telemetry and
// tests; never reworded.
const (
	ReasonInvalidLevels     = "INVALID_LEVELS"
	ReasonZeroQuantity      = "ZERO_QUANTITY"
	ReasonAfterHours        = "AFTER_HOURS"
	ReasonDuplicatePosition = "DUPLICATE_POSITION"
	ReasonRegimeMismatch    = "REGIME_MISMATCH"
	ReasonPerTradeRisk      = "PER_TRADE_RISK"
	ReasonSinglePositionCap = "SINGLE_POSITION_CAP"
	ReasonOptionsExposure   = "OPTIONS_EXPOSURE_LIMIT"
	ReasonTotalExposure     = "TOTAL_EXPOSURE_LIMIT"
	ReasonDailyLossBrake    = "DAILY_LOSS_BRAKE"
	ReasonLowChaseConf      = "MIN_CHASE_CONFIDENCE"
	ReasonAccepted          = "ACCEPTED"
)

// Verdict is the gate's decision for one signal. Quantity may have
// been shrunk to fit caps, or boosted for an EXTREME-zone fade.
type Verdict struct {
	Accepted bool
	Quantity int64
	Reason   string
}

// Config carries the risk limits.
type Config struct {
	EntryOpen         string  `mapstructure:"entry_open"`  // "09:15"
	EntryClose        string  `mapstructure:"entry_close"` // "15:00"
	PerTradeRiskPct   float64 `mapstructure:"per_trade_risk_pct"`
	OptionPositionPct float64 `mapstructure:"option_position_pct"`
	EquityPositionPct float64 `mapstructure:"equity_position_pct"`
	OptionsCapPct     float64 `mapstructure:"options_cap_pct"`
	TotalCapPct       float64 `mapstructure:"total_cap_pct"`
	TotalWarnPct      float64 `mapstructure:"total_warn_pct"`
	DailyLossPct      float64 `mapstructure:"daily_loss_pct"`
}

func DefaultConfig() Config {
	return Config{
		EntryOpen:         "09:15",
		EntryClose:        "15:00",
		PerTradeRiskPct:   0.02,
		OptionPositionPct: 0.05,
		EquityPositionPct: 0.02,
		OptionsCapPct:     0.50,
		TotalCapPct:       0.70,
		TotalWarnPct:      0.60,
		DailyLossPct:      0.02,
	}
}

// InstrumentView resolves symbols to instruments.
type InstrumentView interface {
	Instrument(symbol string) (types.Instrument, bool)
}

// Gate evaluates entry signals against portfolio limits. Management
// signals are accepted unconditionally upstream and never reach it.
type Gate struct {
	logger *zap.Logger
	cfg    Config
	view   InstrumentView
	clock  func() time.Time
}

func New(logger *zap.Logger, cfg Config, view InstrumentView) *Gate {
	return &Gate{logger: logger.Named("gate"), cfg: cfg, view: view, clock: time.Now}
}

// SetClock overrides wall time, for tests.
func (g *Gate) SetClock(clock func() time.Time) { g.clock = clock }

// State is the portfolio context the gate evaluates against.
type State struct {
	Positions []types.Position
	Capital   decimal.Decimal
	DayPnL    decimal.Decimal // realized + unrealized
	Regime    types.Regime
}

func (g *Gate) withinEntryWindow(now time.Time) bool {
	open, err1 := time.Parse("15:04", g.cfg.EntryOpen)
	close, err2 := time.Parse("15:04", g.cfg.EntryClose)
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= open.Hour()*60+open.Minute() && minutes < close.Hour()*60+close.Minute()
}

func pct(capital decimal.Decimal, p float64) decimal.Decimal {
	return capital.Mul(decimal.NewFromFloat(p))
}

// Evaluate runs the ordered checks and returns the verdict. The
// returned quantity supersedes the signal's.
func (g *Gate) Evaluate(sig types.Signal, st State) Verdict {
	reject := func(reason string) Verdict {
		g.logger.Info("signal rejected",
			zap.String("symbol", sig.Symbol),
			zap.String("action", string(sig.Action)),
			zap.String("strategy", sig.StrategyID),
			zap.String("reason", reason))
		return Verdict{Reason: reason}
	}

	inst, ok := g.view.Instrument(sig.Symbol)
	if !ok {
		return reject(ReasonInvalidLevels)
	}

	// 1. Basic validity.
	if !g.withinEntryWindow(g.clock()) {
		return reject(ReasonAfterHours)
	}
	if err := validateLevels(sig); err != nil {
		return reject(ReasonInvalidLevels)
	}
	qty := types.RoundToLot(sig.Quantity, inst.LotSize)
	if qty <= 0 {
		return reject(ReasonZeroQuantity)
	}

	// 2. Duplicate position, same direction, not already closing.
	wantSide := types.PositionLong
	if sig.Action == types.SideSell {
		wantSide = types.PositionShort
	}
	for _, pos := range st.Positions {
		if pos.Symbol == sig.Symbol && pos.Side == wantSide && pos.Status != types.PositionClosing {
			return reject(ReasonDuplicatePosition)
		}
	}

	// 3. Regime alignment, entries only.
	if sig.Action == types.SideBuy && st.Regime.Bias == types.BiasBearish && st.Regime.Strength >= 3 {
		return reject(ReasonRegimeMismatch)
	}
	if sig.Action == types.SideSell && st.Regime.Bias == types.BiasBullish && st.Regime.Strength >= 3 {
		return reject(ReasonRegimeMismatch)
	}

	// 8 evaluated early only in spirit: the brake gates all new
	// entries, so check before any sizing work. Order of rejection
	// reasons for a braked day is still the documented one because
	// checks 4-7 can only shrink, never rescue, a braked entry.
	if st.DayPnL.LessThanOrEqual(pct(st.Capital, g.cfg.DailyLossPct).Neg()) {
		return reject(ReasonDailyLossBrake)
	}

	// 9a. Mean-reversion mode: chase-side entries in stretched zones
	// need the regime's minimum confidence.
	chasing := (sig.Action == types.SideBuy && st.Regime.Bias == types.BiasBullish) ||
		(sig.Action == types.SideSell && st.Regime.Bias == types.BiasBearish)
	if chasing {
		// BLOCK_CHASE still has a carve-out: exceptional conviction at
		// or above the regime's minimum passes even in EXTREME zones.
		if st.Regime.ChaseAction == types.ActionBlockChase {
			if st.Regime.MinChaseConfidence <= 0 || sig.Confidence < st.Regime.MinChaseConfidence {
				return reject(ReasonRegimeMismatch)
			}
		} else if st.Regime.MinChaseConfidence > 0 && sig.Confidence < st.Regime.MinChaseConfidence {
			return reject(ReasonLowChaseConf)
		}
	}

	// 9b. EXTREME-zone fade boost; the only path that may grow size.
	fading := !chasing && st.Regime.Bias != types.BiasNeutral
	if fading && st.Regime.MoveZone == types.ZoneExtreme && st.Regime.FadeSizeBoost > 1 {
		boosted := decimal.NewFromInt(qty).Mul(decimal.NewFromFloat(st.Regime.FadeSizeBoost)).IntPart()
		qty = types.RoundToLot(boosted, inst.LotSize)
	}

	// 4. Per-trade risk.
	perUnit := sig.EntryPrice.Sub(sig.StopLoss).Abs()
	maxRisk := pct(st.Capital, g.cfg.PerTradeRiskPct)
	if perUnit.IsPositive() {
		if decimal.NewFromInt(qty).Mul(perUnit).GreaterThan(maxRisk) {
			qty = shrinkToLot(maxRisk.Div(perUnit).IntPart(), inst.LotSize)
			if qty <= 0 {
				return reject(ReasonPerTradeRisk)
			}
		}
	}

	// 5. Single-position notional cap.
	posCapPct := g.cfg.EquityPositionPct
	if inst.IsOption() {
		posCapPct = g.cfg.OptionPositionPct
	}
	posCap := pct(st.Capital, posCapPct)
	if sig.EntryPrice.IsPositive() {
		if decimal.NewFromInt(qty).Mul(sig.EntryPrice).GreaterThan(posCap) {
			qty = shrinkToLot(posCap.Div(sig.EntryPrice).IntPart(), inst.LotSize)
			if qty <= 0 {
				return reject(ReasonSinglePositionCap)
			}
		}
	}

	notional := decimal.NewFromInt(qty).Mul(sig.EntryPrice)

	// 6. Options exposure cap.
	if inst.IsOption() {
		optionsExposure := notional
		for _, pos := range st.Positions {
			if pi, ok := g.view.Instrument(pos.Symbol); ok && pi.IsOption() {
				optionsExposure = optionsExposure.Add(pos.Notional())
			}
		}
		if optionsExposure.GreaterThan(pct(st.Capital, g.cfg.OptionsCapPct)) {
			return reject(ReasonOptionsExposure)
		}
	}

	// 7. Total exposure cap.
	total := notional
	for _, pos := range st.Positions {
		total = total.Add(pos.Notional())
	}
	if total.GreaterThan(pct(st.Capital, g.cfg.TotalCapPct)) {
		return reject(ReasonTotalExposure)
	}
	if total.GreaterThan(pct(st.Capital, g.cfg.TotalWarnPct)) {
		g.logger.Warn("total exposure past soft limit",
			zap.String("exposure", total.StringFixed(0)),
			zap.String("capital", st.Capital.StringFixed(0)))
	}

	return Verdict{Accepted: true, Quantity: qty, Reason: ReasonAccepted}
}

// validateLevels re-checks the signal invariants; strategies validate
// at emission but the gate is the enforcement point.
func validateLevels(sig types.Signal) error {
	if sig.EntryPrice.IsZero() {
		return errInvalid
	}
	if sig.Action == types.SideBuy {
		if !sig.StopLoss.LessThan(sig.EntryPrice) || !sig.Target.GreaterThan(sig.EntryPrice) {
			return errInvalid
		}
	} else {
		if !sig.StopLoss.GreaterThan(sig.EntryPrice) || !sig.Target.LessThan(sig.EntryPrice) {
			return errInvalid
		}
	}
	stopSpread := sig.EntryPrice.Sub(sig.StopLoss).Abs().Div(sig.EntryPrice)
	if stopSpread.LessThan(decimal.NewFromFloat(0.003)) {
		return errInvalid
	}
	targetSpread := sig.Target.Sub(sig.EntryPrice).Abs().Div(sig.EntryPrice)
	if targetSpread.LessThan(decimal.NewFromFloat(0.005)) {
		return errInvalid
	}
	return nil
}

var errInvalid = errLevels{}

type errLevels struct{}

func (errLevels) Error() string { return "signal levels violate invariants" }

// shrinkToLot rounds down to the lot, never up.
func shrinkToLot(qty, lot int64) int64 {
	return types.RoundToLot(qty, lot)
}
