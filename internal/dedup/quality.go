package dedup

import (
	"sync"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// quality component weights.
const (
	wConfluence = 0.30
	wVolume     = 0.25
	wMicro      = 0.25
	wTimeframe  = 0.20
)

// HistoryView is the slice of market data the quality scorer needs.
type HistoryView interface {
	History(symbol string, interval types.BarInterval, n int) ([]types.Bar, error)
}

// qualityScore computes the weighted composite in [0,1]. Missing data
// scores its component at a neutral 0.5 rather than zeroing the signal.
func qualityScore(view HistoryView, sig types.Signal, tick types.Tick, regime types.Regime) float64 {
	bars, err := view.History(sig.Symbol, types.Bar1m, 21)
	if err != nil || len(bars) < 4 {
		return wConfluence*0.5 + wVolume*0.5 + wMicro*microScore(tick) + wTimeframe*0.5
	}
	return wConfluence*confluenceScore(bars, sig, regime) +
		wVolume*volumeScore(bars) +
		wMicro*microScore(tick) +
		wTimeframe*timeframeScore(bars, sig)
}

func barMomentum(bars []types.Bar, n int) float64 {
	if len(bars) <= n {
		return 0
	}
	last, _ := bars[len(bars)-1].Close.Float64()
	past, _ := bars[len(bars)-1-n].Close.Float64()
	if past == 0 {
		return 0
	}
	return (last - past) / past
}

func dirOf(side types.Side) float64 {
	if side == types.SideBuy {
		return 1
	}
	return -1
}

// confluenceScore rewards momentum, volume, and regime all leaning the
// signal's way.
func confluenceScore(bars []types.Bar, sig types.Signal, regime types.Regime) float64 {
	dir := dirOf(sig.Action)
	score := 0.0
	if dir*barMomentum(bars, 3) > 0 {
		score += 1.0 / 3
	}
	if volumeScore(bars) > 0.5 {
		score += 1.0 / 3
	}
	agrees := (dir > 0 && regime.Bias == types.BiasBullish) ||
		(dir < 0 && regime.Bias == types.BiasBearish) ||
		regime.Bias == types.BiasNeutral
	if agrees {
		score += 1.0 / 3
	}
	return score
}

// volumeScore saturates the last bar's volume against the 20-bar mean.
func volumeScore(bars []types.Bar) float64 {
	n := 20
	if len(bars)-1 < n {
		n = len(bars) - 1
	}
	if n <= 0 {
		return 0.5
	}
	sum := int64(0)
	for _, b := range bars[len(bars)-1-n : len(bars)-1] {
		sum += b.Volume
	}
	mean := float64(sum) / float64(n)
	if mean == 0 {
		return 0.5
	}
	ratio := float64(bars[len(bars)-1].Volume) / mean
	score := ratio / 2
	if score > 1 {
		score = 1
	}
	return score
}

// microScore is the inverse relative spread, saturating at 1 for a
// spread of 5 bps or tighter.
func microScore(tick types.Tick) float64 {
	if tick.Bid.IsZero() || tick.Ask.IsZero() || tick.LTP.IsZero() {
		return 0.5
	}
	bid, _ := tick.Bid.Float64()
	ask, _ := tick.Ask.Float64()
	ltp, _ := tick.LTP.Float64()
	spread := (ask - bid) / ltp
	if spread <= 0.0005 {
		return 1
	}
	score := 0.0005 / spread
	if score < 0 {
		return 0
	}
	return score
}

// timeframeScore counts the 3/10/20-bar trends agreeing with the
// signal's direction.
func timeframeScore(bars []types.Bar, sig types.Signal) float64 {
	dir := dirOf(sig.Action)
	score := 0.0
	for _, n := range []int{3, 10, 20} {
		if dir*barMomentum(bars, n) > 0 {
			score += 1.0 / 3
		}
	}
	return score
}

// perfTracker keeps the last 100 executed-signal outcomes per strategy
// and maps win rate to a threshold multiplier. Strategies with no
// track record get the neutral multiplier.
type perfTracker struct {
	mu      sync.RWMutex
	results map[string][]bool
}

const perfWindow = 100

func newPerfTracker() *perfTracker {
	return &perfTracker{results: make(map[string][]bool)}
}

func (p *perfTracker) Record(strategyID string, won bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := append(p.results[strategyID], won)
	if len(r) > perfWindow {
		r = r[len(r)-perfWindow:]
	}
	p.results[strategyID] = r
}

func (p *perfTracker) ThresholdMultiplier(strategyID string) float64 {
	p.mu.RLock()
	r := p.results[strategyID]
	p.mu.RUnlock()
	if len(r) == 0 {
		return 1.0
	}
	wins := 0
	for _, w := range r {
		if w {
			wins++
		}
	}
	winRate := float64(wins) / float64(len(r))
	switch {
	case winRate >= 0.65:
		return 0.85
	case winRate >= 0.55:
		return 0.95
	case winRate >= 0.45:
		return 1.00
	case winRate >= 0.35:
		return 1.10
	default:
		return 1.20
	}
}
