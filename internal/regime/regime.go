// Package regime computes the benchmark-index market state (bias, strength,
// move zone) published to strategies and the portfolio gate each tick.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// History is the slice of the market-data cache the monitor needs.
type History interface {
	History(symbol string, interval types.BarInterval, n int) ([]types.Bar, error)
}

// Config tunes the regime computation.
type Config struct {
	BenchmarkSymbol string
	MomentumBars    int     // short-horizon momentum lookback on 1m bars
	SmoothAlpha     float64 // EMA smoothing for the momentum measure
	ATRBars         int     // ATR lookback on 5m bars
	NeutralBand     float64 // |momentum|/ATR below this is NEUTRAL
}

// DefaultConfig returns the production defaults.
func DefaultConfig(benchmark string) Config {
	return Config{
		BenchmarkSymbol: benchmark,
		MomentumBars:    10,
		SmoothAlpha:     0.3,
		ATRBars:         14,
		NeutralBand:     0.15,
	}
}

// sessionScale converts a 5-minute ATR into a full-session move scale.
// An NSE cash session is 75 five-minute bars; ranges grow ~sqrt(n).
var sessionScale = math.Sqrt(75)

// Monitor recomputes the regime each orchestrator tick. Read-only to
// everyone but the orchestrator.
type Monitor struct {
	logger *zap.Logger
	cfg    Config
	hist   History

	mu       sync.RWMutex
	current  types.Regime
	momentum float64 // smoothed, carries across ticks
	primed   bool
}

// NewMonitor creates the monitor in a NEUTRAL state.
func NewMonitor(logger *zap.Logger, cfg Config, hist History) *Monitor {
	return &Monitor{
		logger: logger.Named("regime"),
		cfg:    cfg,
		hist:   hist,
		current: types.Regime{
			Bias:          types.BiasNeutral,
			MoveZone:      types.ZoneEarly,
			ChaseAction:   types.ActionTrendFollow,
			FadeAction:    types.ActionCaution,
			FadeSizeBoost: 1.0,
		},
	}
}

// Current returns the last published regime.
func (m *Monitor) Current() types.Regime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update recomputes the regime from the benchmark's latest tick and history.
// A missing benchmark tick leaves the previous regime in place.
func (m *Monitor) Update(snapshot map[string]types.Tick, now time.Time) types.Regime {
	tick, ok := snapshot[m.cfg.BenchmarkSymbol]
	if !ok {
		return m.Current()
	}

	oneMin, err := m.hist.History(m.cfg.BenchmarkSymbol, types.Bar1m, m.cfg.MomentumBars+1)
	if err != nil || len(oneMin) < 2 {
		return m.Current()
	}
	fiveMin, err := m.hist.History(m.cfg.BenchmarkSymbol, types.Bar5m, m.cfg.ATRBars+1)
	if err != nil || len(fiveMin) < 2 {
		return m.Current()
	}

	atr5 := atr(fiveMin)
	if atr5 <= 0 {
		return m.Current()
	}
	dayATR := atr5 * sessionScale

	// Short-horizon momentum: move over the lookback window, EMA smoothed.
	first, _ := oneMin[0].Close.Float64()
	last, _ := tick.LTP.Float64()
	raw := last - first

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed {
		m.momentum = raw
		m.primed = true
	} else {
		m.momentum = m.cfg.SmoothAlpha*raw + (1-m.cfg.SmoothAlpha)*m.momentum
	}

	// Strength: momentum magnitude normalized by the short ATR, 0-10.
	normalized := math.Abs(m.momentum) / atr5
	strength := math.Min(normalized*2.5, 10)

	bias := types.BiasNeutral
	if normalized >= m.cfg.NeutralBand {
		if m.momentum > 0 {
			bias = types.BiasBullish
		} else {
			bias = types.BiasBearish
		}
	}

	// Move zone: fraction of today's cumulative move vs the session ATR.
	open, _ := tick.Open.Float64()
	moveFrac := 0.0
	if dayATR > 0 {
		moveFrac = math.Abs(last-open) / dayATR
	}

	zone := zoneFor(moveFrac)
	chase, fade, minConf, boost := actionsFor(zone)

	next := types.Regime{
		Bias:               bias,
		Strength:           strength,
		MoveZone:           zone,
		ChaseAction:        chase,
		FadeAction:         fade,
		MinChaseConfidence: minConf,
		FadeSizeBoost:      boost,
		UpdatedAt:          now,
	}

	if next.Bias != m.current.Bias || next.MoveZone != m.current.MoveZone {
		m.logger.Info("regime transition",
			zap.String("bias", string(next.Bias)),
			zap.Float64("strength", next.Strength),
			zap.String("zone", string(next.MoveZone)),
			zap.Float64("moveFrac", moveFrac))
	}
	m.current = next
	return next
}

func zoneFor(moveFrac float64) types.MoveZone {
	switch {
	case moveFrac < 0.5:
		return types.ZoneEarly
	case moveFrac < 1.0:
		return types.ZoneNormal
	case moveFrac < 1.5:
		return types.ZoneExtended
	default:
		return types.ZoneExtreme
	}
}

// actionsFor is the zone-to-posture table. Chase side fights the day's move
// extension; fade side leans against it.
func actionsFor(zone types.MoveZone) (chase, fade types.RegimeAction, minChaseConf, fadeBoost float64) {
	switch zone {
	case types.ZoneExtended:
		return types.ActionCaution, types.ActionFade, 9.0, 1.0
	case types.ZoneExtreme:
		return types.ActionBlockChase, types.ActionFade, 9.5, 1.2
	default:
		return types.ActionTrendFollow, types.ActionCaution, 0, 1.0
	}
}

// atr is a simple true-range average over the bar window.
func atr(bars []types.Bar) float64 {
	if len(bars) < 2 {
		return 0
	}
	sum := 0.0
	for i := 1; i < len(bars); i++ {
		high, _ := bars[i].High.Float64()
		low, _ := bars[i].Low.Float64()
		prevClose, _ := bars[i-1].Close.Float64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
	}
	return sum / float64(len(bars)-1)
}
