package strategy

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// MicrostructureConfig tunes the order-flow scalper.
type MicrostructureConfig struct {
	Universe     []string      `mapstructure:"universe"`
	ZWindow      int           `mapstructure:"z_window"`
	EntryZ       float64       `mapstructure:"entry_z"`
	MinImbalance float64       `mapstructure:"min_imbalance"`
	VolumeWindow int           `mapstructure:"volume_window"`
	MaxHold      time.Duration `mapstructure:"max_hold"`
}

func DefaultMicrostructureConfig() MicrostructureConfig {
	return MicrostructureConfig{
		ZWindow:      30,
		EntryZ:       2.0,
		MinImbalance: 0.25,
		VolumeWindow: 20,
		MaxHold:      20 * time.Minute,
	}
}

// Microstructure fades short-term dislocations: a stretched z-score
// against the 1m close distribution, confirmed by the book leaning the
// same way the reversion would travel.
type Microstructure struct {
	logger    *zap.Logger
	cfg       MicrostructureConfig
	view      MarketView
	toolkit   *Toolkit
	positions []types.Position
}

func NewMicrostructure(logger *zap.Logger, cfg MicrostructureConfig, view MarketView, tk *Toolkit) *Microstructure {
	return &Microstructure{logger: logger.Named("microstructure"), cfg: cfg, view: view, toolkit: tk}
}

func (s *Microstructure) Name() string  { return IDMicrostructure }
func (s *Microstructure) Priority() int { return 3 }

func (s *Microstructure) WarmupRequirements() []types.HistoryReq {
	reqs := make([]types.HistoryReq, 0, len(s.cfg.Universe))
	for _, sym := range s.cfg.Universe {
		reqs = append(reqs, types.HistoryReq{Symbol: sym, Interval: types.Bar1m, Bars: s.cfg.ZWindow * 2})
	}
	return reqs
}

func (s *Microstructure) SyncPositions(positions []types.Position) {
	s.positions = positions
}

// ManageExisting times out scalps. A reversion that has not paid
// within the hold window is no longer the trade that was entered.
func (s *Microstructure) ManageExisting(snapshot map[string]types.Tick, _ types.Regime) []types.Signal {
	var out []types.Signal
	now := time.Now()
	for _, pos := range s.positions {
		if pos.Status != types.PositionOpen {
			continue
		}
		if now.Sub(pos.EntryTime) < s.cfg.MaxHold {
			continue
		}
		tick, ok := snapshot[pos.Symbol]
		if !ok {
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
			StrategyID:       s.Name(),
			GeneratedAt:      now,
			Tag:              pos.Tag,
			Reason:           "scalp hold window expired",
			ManagementAction: true,
			ClosingAction:    true,
		})
	}
	return out
}

func (s *Microstructure) OnTick(snapshot map[string]types.Tick, regime types.Regime) []types.Signal {
	var out []types.Signal
	for _, sym := range s.cfg.Universe {
		tick, ok := snapshot[sym]
		if !ok || tick.LTP.IsZero() {
			continue
		}
		if sig := s.evaluate(sym, tick, regime); sig != nil {
			out = append(out, *sig)
		}
	}
	return out
}

// imbalance estimates which side of the book the last trade pressed
// against: +1 when price sits on the ask, -1 on the bid.
func imbalance(tick types.Tick) (float64, bool) {
	if tick.Bid.IsZero() || tick.Ask.IsZero() {
		return 0, false
	}
	bid, _ := tick.Bid.Float64()
	ask, _ := tick.Ask.Float64()
	ltp, _ := tick.LTP.Float64()
	spread := ask - bid
	if spread <= 0 {
		return 0, false
	}
	mid := (bid + ask) / 2
	v := 2 * (ltp - mid) / spread
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return v, true
}

func (s *Microstructure) evaluate(sym string, tick types.Tick, regime types.Regime) *types.Signal {
	bars, err := s.view.History(sym, types.Bar1m, s.cfg.ZWindow+1)
	if err != nil || len(bars) < s.cfg.ZWindow {
		return nil
	}
	inst, ok := s.view.Instrument(sym)
	if !ok {
		return nil
	}

	z := zscore(closes(bars), s.cfg.ZWindow)
	if abs(z) < s.cfg.EntryZ {
		return nil
	}
	// Fading a move in an EXTREME zone against bias is what the gate's
	// fade boost rewards, but in a strong trend the z-score stretches
	// without snapping back. Skip fades against strength > 6 trends.
	if regime.Strength > 6 {
		if (z > 0 && regime.Bias == types.BiasBullish) || (z < 0 && regime.Bias == types.BiasBearish) {
			return nil
		}
	}

	imb, ok := imbalance(tick)
	if !ok {
		return nil
	}
	// Stretched high and trades hitting the bid: fade short. Mirror long.
	var side types.Side
	switch {
	case z > 0 && imb < -s.cfg.MinImbalance:
		side = types.SideSell
	case z < 0 && imb > s.cfg.MinImbalance:
		side = types.SideBuy
	default:
		return nil
	}

	// Volume confirmation: the dislocating bar should be busy.
	vols := volumes(bars)
	if float64(bars[len(bars)-1].Volume) < meanLast(vols, s.cfg.VolumeWindow) {
		return nil
	}

	entry := tick.LTP
	atrVal := trueRangeAvg(bars, 14)
	if atrVal <= 0 {
		return nil
	}
	stopDist := decimal.NewFromFloat(atrVal)
	stop, target := s.toolkit.Levels(inst, side, entry, stopDist, regime)
	if err := s.toolkit.ValidateLevels(inst, side, entry, stop, target); err != nil {
		return nil
	}
	qty := s.toolkit.Size(inst, entry, stop)
	if qty <= 0 {
		return nil
	}

	conf := 4 + abs(z) + abs(imb)*2
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
		StrategyID:  s.Name(),
		GeneratedAt: time.Now(),
		Reason:      "mean-reversion z-score with order-flow confirmation",
	}
}
