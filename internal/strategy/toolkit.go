package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

var (
	riskPctFloor    = decimal.NewFromFloat(0.008)
	riskPctCeil     = decimal.NewFromFloat(0.010)
	minStopSpread   = decimal.NewFromFloat(0.003)
	minTargetSpread = decimal.NewFromFloat(0.005)
	profitLockTrip  = decimal.NewFromFloat(0.10)
	profitLockKeep  = decimal.NewFromFloat(0.50)
	partialRaise    = decimal.NewFromFloat(0.3)
)

// Toolkit is the shared sizing and protection helper. Capital is read
// through a provider so strategies always size against the live margin
// figure rather than a boot-time snapshot.
type Toolkit struct {
	logger  *zap.Logger
	capital func() decimal.Decimal
}

func NewToolkit(logger *zap.Logger, capital func() decimal.Decimal) *Toolkit {
	return &Toolkit{logger: logger.Named("toolkit"), capital: capital}
}

// rrForRegime maps regime strength to the reward:risk multiple used
// when deriving targets from stops.
func rrForRegime(regime types.Regime) decimal.Decimal {
	switch {
	case regime.Strength > 6:
		return decimal.NewFromFloat(2.5)
	case regime.Strength >= 3:
		return decimal.NewFromFloat(2.0)
	default:
		return decimal.NewFromFloat(1.8)
	}
}

// Size returns the quantity that risks between 0.8% and 1% of capital
// on the entry-to-stop distance, rounded down to the instrument's lot.
// Zero means the trade cannot be sized safely.
func (t *Toolkit) Size(inst types.Instrument, entry, stop decimal.Decimal) int64 {
	perUnit := entry.Sub(stop).Abs()
	if perUnit.IsZero() || entry.IsZero() {
		return 0
	}
	cap := t.capital()
	if cap.IsZero() || cap.IsNegative() {
		return 0
	}
	riskBudget := cap.Mul(riskPctCeil)
	qty := riskBudget.Div(perUnit).IntPart()
	qty = types.RoundToLot(qty, inst.LotSize)
	if qty <= 0 {
		return 0
	}
	// Under the floor the edge is not worth the friction.
	if decimal.NewFromInt(qty).Mul(perUnit).LessThan(cap.Mul(riskPctFloor)) {
		lot := inst.LotSize
		if lot <= 0 {
			lot = 1
		}
		bumped := qty + lot
		if decimal.NewFromInt(bumped).Mul(perUnit).LessThanOrEqual(riskBudget) {
			qty = bumped
		}
	}
	return qty
}

// Levels derives stop and target from entry using the regime's R:R,
// snapped to the instrument tick. Direction follows side.
func (t *Toolkit) Levels(inst types.Instrument, side types.Side, entry, stopDistance decimal.Decimal, regime types.Regime) (stop, target decimal.Decimal) {
	rr := rrForRegime(regime)
	reward := stopDistance.Mul(rr)
	if side == types.SideBuy {
		stop = entry.Sub(stopDistance)
		target = entry.Add(reward)
	} else {
		stop = entry.Add(stopDistance)
		target = entry.Sub(reward)
	}
	return types.RoundToTick(stop, inst.TickSize), types.RoundToTick(target, inst.TickSize)
}

// ValidateLevels rejects stop/target geometry that is inverted or
// tighter than the minimum spreads.
func (t *Toolkit) ValidateLevels(inst types.Instrument, side types.Side, entry, stop, target decimal.Decimal) error {
	if entry.IsZero() {
		return fmt.Errorf("zero entry")
	}
	if side == types.SideBuy {
		if !stop.LessThan(entry) || !target.GreaterThan(entry) {
			return fmt.Errorf("inverted levels for BUY: entry=%s stop=%s target=%s", entry, stop, target)
		}
	} else {
		if !stop.GreaterThan(entry) || !target.LessThan(entry) {
			return fmt.Errorf("inverted levels for SELL: entry=%s stop=%s target=%s", entry, stop, target)
		}
	}
	stopSpread := entry.Sub(stop).Abs().Div(entry)
	if stopSpread.LessThan(minStopSpread) {
		return fmt.Errorf("stop too tight: %s%% of entry", stopSpread.Mul(decimal.NewFromInt(100)).StringFixed(2))
	}
	targetSpread := target.Sub(entry).Abs().Div(entry)
	if targetSpread.LessThan(minTargetSpread) {
		return fmt.Errorf("target too tight: %s%% of entry", targetSpread.Mul(decimal.NewFromInt(100)).StringFixed(2))
	}
	return nil
}

// TrailStop returns a raised stop once the position shows enough
// profit, locking in half of the favorable excursion. Returns the
// current stop unchanged when no adjustment is due. Stops only ever
// tighten.
func (t *Toolkit) TrailStop(pos types.Position, ltp decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.IsZero() {
		return pos.StopLoss
	}
	var profitFrac, locked decimal.Decimal
	if pos.Side == types.PositionLong {
		profitFrac = ltp.Sub(pos.EntryPrice).Div(pos.EntryPrice)
		if profitFrac.LessThan(profitLockTrip) {
			return pos.StopLoss
		}
		locked = pos.EntryPrice.Add(ltp.Sub(pos.EntryPrice).Mul(profitLockKeep))
		if locked.GreaterThan(pos.StopLoss) {
			return locked
		}
	} else {
		profitFrac = pos.EntryPrice.Sub(ltp).Div(pos.EntryPrice)
		if profitFrac.LessThan(profitLockTrip) {
			return pos.StopLoss
		}
		locked = pos.EntryPrice.Sub(pos.EntryPrice.Sub(ltp).Mul(profitLockKeep))
		if locked.LessThan(pos.StopLoss) {
			return locked
		}
	}
	return pos.StopLoss
}

// PartialStop returns the stop to use after a partial book: entry plus
// 30% of the open profit, so the remainder can never round-trip to a
// loss.
func (t *Toolkit) PartialStop(pos types.Position, ltp decimal.Decimal) decimal.Decimal {
	if pos.Side == types.PositionLong {
		return pos.EntryPrice.Add(ltp.Sub(pos.EntryPrice).Mul(partialRaise))
	}
	return pos.EntryPrice.Sub(pos.EntryPrice.Sub(ltp).Mul(partialRaise))
}
