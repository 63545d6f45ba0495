package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// ChainSource serves the most recently fetched option chain for an
// underlying without blocking. The orchestrator refreshes chains out
// of band.
type ChainSource interface {
	Chain(underlying string) (types.OptionChain, bool)
}

// OptionsScalperConfig tunes the theoretical-edge option scalper.
type OptionsScalperConfig struct {
	Universe     []string      `mapstructure:"universe"` // option symbols
	DefaultIV    float64       `mapstructure:"default_iv"`
	RiskFreeRate float64       `mapstructure:"risk_free_rate"`
	MinEdgePct   float64       `mapstructure:"min_edge_pct"`
	MinDelta     float64       `mapstructure:"min_delta"`
	MaxDelta     float64       `mapstructure:"max_delta"`
	MaxChainAge  time.Duration `mapstructure:"max_chain_age"`
}

func DefaultOptionsScalperConfig() OptionsScalperConfig {
	return OptionsScalperConfig{
		DefaultIV:    0.18,
		RiskFreeRate: 0.065,
		MinEdgePct:   0.04,
		MinDelta:     0.30,
		MaxDelta:     0.70,
		MaxChainAge:  2 * time.Minute,
	}
}

// OptionsScalper buys options trading at a discount to their
// Black-Scholes value and sells those at a premium, using chain
// implied vol when a fresh chain is available and a configured
// default vol otherwise.
type OptionsScalper struct {
	logger    *zap.Logger
	cfg       OptionsScalperConfig
	view      MarketView
	toolkit   *Toolkit
	chains    ChainSource
	positions []types.Position
}

func NewOptionsScalper(logger *zap.Logger, cfg OptionsScalperConfig, view MarketView, tk *Toolkit, chains ChainSource) *OptionsScalper {
	return &OptionsScalper{logger: logger.Named("options_scalper"), cfg: cfg, view: view, toolkit: tk, chains: chains}
}

func (o *OptionsScalper) Name() string  { return IDOptionsScalper }
func (o *OptionsScalper) Priority() int { return 2 }

func (o *OptionsScalper) WarmupRequirements() []types.HistoryReq {
	reqs := make([]types.HistoryReq, 0, len(o.cfg.Universe))
	for _, sym := range o.cfg.Universe {
		reqs = append(reqs, types.HistoryReq{Symbol: sym, Interval: types.Bar1m, Bars: 60})
	}
	return reqs
}

func (o *OptionsScalper) SyncPositions(positions []types.Position) {
	o.positions = positions
}

// ManageExisting closes a scalp once the theoretical edge that opened
// it has evaporated; the premium decays fast enough that waiting for
// the stop is throwing money at theta.
func (o *OptionsScalper) ManageExisting(snapshot map[string]types.Tick, _ types.Regime) []types.Signal {
	var out []types.Signal
	for _, pos := range o.positions {
		if pos.Status != types.PositionOpen {
			continue
		}
		tick, ok := snapshot[pos.Symbol]
		if !ok || tick.LTP.IsZero() {
			continue
		}
		inst, ok := o.view.Instrument(pos.Symbol)
		if !ok || !inst.IsOption() {
			continue
		}
		edge, _, valid := o.edge(inst, tick)
		if !valid {
			continue
		}
		// Long scalps ride positive edge; flat-or-negative means done.
		if pos.Side == types.PositionLong && edge <= 0 {
			out = append(out, types.Signal{
				Symbol:           pos.Symbol,
				Action:           types.SideSell,
				EntryPrice:       tick.LTP,
				Quantity:         pos.Quantity,
				StrategyID:       o.Name(),
				GeneratedAt:      time.Now(),
				Tag:              pos.Tag,
				Reason:           "theoretical edge exhausted",
				ManagementAction: true,
				ClosingAction:    true,
			})
		}
	}
	return out
}

func (o *OptionsScalper) OnTick(snapshot map[string]types.Tick, regime types.Regime) []types.Signal {
	var out []types.Signal
	for _, sym := range o.cfg.Universe {
		tick, ok := snapshot[sym]
		if !ok || tick.LTP.IsZero() {
			continue
		}
		inst, ok := o.view.Instrument(sym)
		if !ok || !inst.IsOption() {
			continue
		}
		if sig := o.evaluate(inst, tick, regime); sig != nil {
			out = append(out, *sig)
		}
	}
	return out
}

// edge returns the fractional mispricing (theo-market)/market, the
// option delta, and whether inputs were good enough to trust.
func (o *OptionsScalper) edge(inst types.Instrument, tick types.Tick) (float64, float64, bool) {
	spotTick, _, ok := o.view.Latest(inst.Underlying)
	if !ok || spotTick.LTP.IsZero() {
		return 0, 0, false
	}
	spot, _ := spotTick.LTP.Float64()
	strike, _ := inst.Strike.Float64()
	market, _ := tick.LTP.Float64()
	if market <= 0 || strike <= 0 {
		return 0, 0, false
	}
	t := time.Until(inst.Expiry).Hours() / 24 / 365
	if t <= 0 {
		return 0, 0, false
	}

	iv := o.chainIV(inst, spot, strike, t)
	theo := bsPrice(inst.OptionKind, spot, strike, t, iv, o.cfg.RiskFreeRate)
	delta := math.Abs(bsDelta(inst.OptionKind, spot, strike, t, iv, o.cfg.RiskFreeRate))
	return (theo - market) / market, delta, true
}

// chainIV backs implied vol out of the nearest chain quote; when the
// chain is missing or stale the configured default applies.
func (o *OptionsScalper) chainIV(inst types.Instrument, spot, strike, t float64) float64 {
	chain, ok := o.chains.Chain(inst.Underlying)
	if !ok || time.Since(chain.FetchedAt) > o.cfg.MaxChainAge {
		return o.cfg.DefaultIV
	}
	var best *types.OptionQuote
	bestDist := math.MaxFloat64
	for i := range chain.Quotes {
		q := &chain.Quotes[i]
		if q.Kind != inst.OptionKind || q.LTP.IsZero() {
			continue
		}
		k, _ := q.Strike.Float64()
		if d := math.Abs(k - strike); d < bestDist {
			bestDist = d
			best = q
		}
	}
	if best == nil {
		return o.cfg.DefaultIV
	}
	if best.IV > 0 {
		return best.IV
	}
	price, _ := best.LTP.Float64()
	k, _ := best.Strike.Float64()
	if iv := impliedVol(inst.OptionKind, price, spot, k, t, o.cfg.RiskFreeRate); iv > 0 {
		return iv
	}
	return o.cfg.DefaultIV
}

func (o *OptionsScalper) evaluate(inst types.Instrument, tick types.Tick, regime types.Regime) *types.Signal {
	edge, delta, ok := o.edge(inst, tick)
	if !ok {
		return nil
	}
	if delta < o.cfg.MinDelta || delta > o.cfg.MaxDelta {
		return nil
	}
	// Long-only: shorting options intraday needs margin treatment this
	// desk does not carry.
	if edge < o.cfg.MinEdgePct {
		return nil
	}

	entry := tick.LTP
	stopDist := entry.Mul(decimal.NewFromFloat(0.08))
	stop, target := o.toolkit.Levels(inst, types.SideBuy, entry, stopDist, regime)
	if err := o.toolkit.ValidateLevels(inst, types.SideBuy, entry, stop, target); err != nil {
		return nil
	}
	qty := o.toolkit.Size(inst, entry, stop)
	if qty <= 0 {
		return nil
	}

	conf := 5 + edge/o.cfg.MinEdgePct
	if conf > 10 {
		conf = 10
	}
	return &types.Signal{
		Symbol:      inst.Symbol,
		Action:      types.SideBuy,
		EntryPrice:  entry,
		StopLoss:    stop,
		Target:      target,
		Quantity:    qty,
		Confidence:  conf,
		StrategyID:  o.Name(),
		GeneratedAt: time.Now(),
		Reason:      "option trading below theoretical value",
	}
}
