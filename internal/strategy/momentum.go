package strategy

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// MomentumConfig tunes the trend-following strategy.
type MomentumConfig struct {
	Universe    []string `mapstructure:"universe"`
	FastBars    int      `mapstructure:"fast_bars"`
	SlowBars    int      `mapstructure:"slow_bars"`
	HPLambda    float64  `mapstructure:"hp_lambda"`
	MinMomentum float64  `mapstructure:"min_momentum"`
	StopATRBars int      `mapstructure:"stop_atr_bars"`
	WarmupBars  int      `mapstructure:"warmup_bars"`
	ReverseExit float64  `mapstructure:"reverse_exit"`
}

func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		FastBars:    5,
		SlowBars:    20,
		HPLambda:    1600,
		MinMomentum: 0.0015,
		StopATRBars: 14,
		WarmupBars:  120,
		ReverseExit: 0.002,
	}
}

// Momentum is the multi-timeframe trend follower. It goes with the
// move when fast and slow momentum agree, the HP-filter trend slopes
// the same way, and RSI/MACD confirm.
type Momentum struct {
	logger    *zap.Logger
	cfg       MomentumConfig
	view      MarketView
	toolkit   *Toolkit
	positions []types.Position
}

func NewMomentum(logger *zap.Logger, cfg MomentumConfig, view MarketView, tk *Toolkit) *Momentum {
	return &Momentum{logger: logger.Named("momentum"), cfg: cfg, view: view, toolkit: tk}
}

func (m *Momentum) Name() string  { return IDMomentum }
func (m *Momentum) Priority() int { return 1 }

func (m *Momentum) WarmupRequirements() []types.HistoryReq {
	reqs := make([]types.HistoryReq, 0, len(m.cfg.Universe)*2)
	for _, sym := range m.cfg.Universe {
		reqs = append(reqs,
			types.HistoryReq{Symbol: sym, Interval: types.Bar1m, Bars: m.cfg.WarmupBars},
			types.HistoryReq{Symbol: sym, Interval: types.Bar5m, Bars: m.cfg.WarmupBars / 5},
		)
	}
	return reqs
}

func (m *Momentum) SyncPositions(positions []types.Position) {
	m.positions = positions
}

// ManageExisting exits a position when the trend that justified it has
// flipped hard against it. Trailing and partial booking belong to the
// position monitor.
func (m *Momentum) ManageExisting(snapshot map[string]types.Tick, _ types.Regime) []types.Signal {
	var out []types.Signal
	for _, pos := range m.positions {
		if pos.Status != types.PositionOpen {
			continue
		}
		tick, ok := snapshot[pos.Symbol]
		if !ok {
			continue
		}
		bars, err := m.view.History(pos.Symbol, types.Bar1m, m.cfg.SlowBars+1)
		if err != nil || len(bars) < m.cfg.FastBars+1 {
			continue
		}
		mom := momentum(closes(bars), m.cfg.FastBars)
		flipped := (pos.Side == types.PositionLong && mom < -m.cfg.ReverseExit) ||
			(pos.Side == types.PositionShort && mom > m.cfg.ReverseExit)
		if !flipped {
			continue
		}
		action := types.SideSell
		if pos.Side == types.PositionShort {
			action = types.SideBuy
		}
		out = append(out, types.Signal{
			Symbol:           pos.Symbol,
			Action:           action,
			EntryPrice:       tick.LTP,
			Quantity:         pos.Quantity,
			StrategyID:       m.Name(),
			GeneratedAt:      time.Now(),
			Tag:              pos.Tag,
			Reason:           "momentum reversal exit",
			ManagementAction: true,
			ClosingAction:    true,
		})
	}
	return out
}

func (m *Momentum) OnTick(snapshot map[string]types.Tick, regime types.Regime) []types.Signal {
	var out []types.Signal
	for _, sym := range m.cfg.Universe {
		tick, ok := snapshot[sym]
		if !ok || tick.LTP.IsZero() {
			continue
		}
		if sig := m.evaluate(sym, tick, regime); sig != nil {
			out = append(out, *sig)
		}
	}
	return out
}

func (m *Momentum) evaluate(sym string, tick types.Tick, regime types.Regime) *types.Signal {
	oneMin, err := m.view.History(sym, types.Bar1m, m.cfg.SlowBars+m.cfg.StopATRBars+2)
	if err != nil || len(oneMin) < m.cfg.SlowBars+1 {
		return nil
	}
	fiveMin, err := m.view.History(sym, types.Bar5m, m.cfg.SlowBars)
	if err != nil || len(fiveMin) < m.cfg.FastBars+1 {
		return nil
	}
	inst, ok := m.view.Instrument(sym)
	if !ok {
		return nil
	}

	c1 := closes(oneMin)
	c5 := closes(fiveMin)

	fast := momentum(c1, m.cfg.FastBars)
	slow := momentum(c5, m.cfg.FastBars)
	if fast == 0 || slow == 0 || (fast > 0) != (slow > 0) {
		return nil
	}
	dir := 1.0
	side := types.SideBuy
	if fast < 0 {
		dir = -1.0
		side = types.SideSell
	}
	if dir*fast < m.cfg.MinMomentum {
		return nil
	}

	_, trendSlope := hpTrend(c1, m.cfg.HPLambda)
	if dir*trendSlope <= 0 {
		return nil
	}

	r := rsi(c1, 14)
	macdLine, macdSig := macd(c1)
	confirmed := 0
	if (side == types.SideBuy && r > 55 && r < 80) || (side == types.SideSell && r < 45 && r > 20) {
		confirmed++
	}
	if dir*(macdLine-macdSig) > 0 {
		confirmed++
	}
	if confirmed == 0 {
		return nil
	}

	entry := tick.LTP
	entryF, _ := entry.Float64()
	atrVal := trueRangeAvg(oneMin, m.cfg.StopATRBars)
	if atrVal <= 0 || entryF <= 0 {
		return nil
	}
	stopDist := decimal.NewFromFloat(atrVal * 1.5)
	stop, target := m.toolkit.Levels(inst, side, entry, stopDist, regime)
	if err := m.toolkit.ValidateLevels(inst, side, entry, stop, target); err != nil {
		return nil
	}
	qty := m.toolkit.Size(inst, entry, stop)
	if qty <= 0 {
		return nil
	}

	conf := 5.0 + 20*dir*fast/m.cfg.MinMomentum*0.1 + float64(confirmed)
	if conf > 10 {
		conf = 10
	}
	return &types.Signal{
		Symbol:      sym,
		Action:      side,
		EntryPrice:  entry,
		StopLoss:    stop,
		Target:      target,
		Quantity:    qty,
		Confidence:  conf,
		StrategyID:  m.Name(),
		GeneratedAt: time.Now(),
		Reason:      "multi-timeframe momentum with trend and oscillator confirmation",
	}
}

// trueRangeAvg is the plain ATR over the last n bars.
func trueRangeAvg(bars []types.Bar, n int) float64 {
	if len(bars) < 2 {
		return 0
	}
	if n > len(bars)-1 {
		n = len(bars) - 1
	}
	sum := 0.0
	for i := len(bars) - n; i < len(bars); i++ {
		h, _ := bars[i].High.Float64()
		l, _ := bars[i].Low.Float64()
		pc, _ := bars[i-1].Close.Float64()
		tr := h - l
		if d := abs(h - pc); d > tr {
			tr = d
		}
		if d := abs(l - pc); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(n)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
