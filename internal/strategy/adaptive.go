package strategy

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// AdaptiveConfig tunes the regime-adaptive controller.
type AdaptiveConfig struct {
	WarmupObservations int     `mapstructure:"warmup_observations"`
	Smoothing          float64 `mapstructure:"smoothing"` // Laplace prior weight
	MinWeight          float64 `mapstructure:"min_weight"`
	MaxWeight          float64 `mapstructure:"max_weight"`
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		WarmupObservations: 30,
		Smoothing:          2,
		MinWeight:          0.5,
		MaxWeight:          1.5,
	}
}

// regimeState is the discretized market state the estimator conditions on.
type regimeState struct {
	bias     types.Bias
	strength int // 0: <3, 1: 3-6, 2: >6
	zone     types.MoveZone
}

func stateOf(r types.Regime) regimeState {
	s := 0
	switch {
	case r.Strength > 6:
		s = 2
	case r.Strength >= 3:
		s = 1
	}
	return regimeState{bias: r.Bias, strength: s, zone: r.MoveZone}
}

type cellStats struct {
	wins  float64
	total float64
}

// Adaptive emits no signals of its own. It observes (regime state,
// strategy, outcome) triples and exposes per-strategy confidence
// weights the orchestrator applies to V1-V3 before dedup. Until the
// warmup observation count accrues, Weights returns nil and the other
// strategies run unweighted.
type Adaptive struct {
	logger *zap.Logger
	cfg    AdaptiveConfig

	mu       sync.RWMutex
	cells    map[string]*cellStats // key: state|strategy
	observed int
	current  regimeState
}

func NewAdaptive(logger *zap.Logger, cfg AdaptiveConfig) *Adaptive {
	return &Adaptive{
		logger: logger.Named("adaptive"),
		cfg:    cfg,
		cells:  make(map[string]*cellStats),
	}
}

func (a *Adaptive) Name() string  { return IDAdaptive }
func (a *Adaptive) Priority() int { return 4 }

func (a *Adaptive) WarmupRequirements() []types.HistoryReq { return nil }

func (a *Adaptive) SyncPositions([]types.Position) {}

func (a *Adaptive) ManageExisting(map[string]types.Tick, types.Regime) []types.Signal { return nil }

// OnTick only tracks the current state; the controller never proposes
// trades.
func (a *Adaptive) OnTick(_ map[string]types.Tick, regime types.Regime) []types.Signal {
	a.mu.Lock()
	a.current = stateOf(regime)
	a.mu.Unlock()
	return nil
}

func cellKey(s regimeState, strategyID string) string {
	return fmt.Sprintf("%s|%d|%s|%s", s.bias, s.strength, s.zone, strategyID)
}

// Observe records the outcome of a closed trade attributed to a
// strategy under the regime state it was entered in.
func (a *Adaptive) Observe(regime types.Regime, strategyID string, won bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := cellKey(stateOf(regime), strategyID)
	c := a.cells[key]
	if c == nil {
		c = &cellStats{}
		a.cells[key] = c
	}
	c.total++
	if won {
		c.wins++
	}
	a.observed++
	if a.observed == a.cfg.WarmupObservations {
		a.logger.Info("adaptive estimator warm",
			zap.Int("observations", a.observed),
			zap.Int("cells", len(a.cells)))
	}
}

// Retrain seeds the estimator from historical trade outcomes, counting
// them toward warmup.
func (a *Adaptive) Retrain(history []Outcome) {
	for _, h := range history {
		a.Observe(h.Regime, h.StrategyID, h.Won)
	}
}

// Outcome is one historical trade result used to seed the estimator.
type Outcome struct {
	Regime     types.Regime
	StrategyID string
	Won        bool
}

// Weights returns the confidence multipliers for the generator
// strategies under the current regime state, or nil while cold.
func (a *Adaptive) Weights() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.observed < a.cfg.WarmupObservations {
		return nil
	}
	out := make(map[string]float64, 3)
	for _, id := range []string{IDMomentum, IDOptionsScalper, IDMicrostructure} {
		out[id] = a.weightLocked(a.current, id)
	}
	return out
}

// weightLocked maps a smoothed conditional win rate to [MinWeight,
// MaxWeight], with 0.5 win rate landing on 1.0.
func (a *Adaptive) weightLocked(s regimeState, strategyID string) float64 {
	c := a.cells[cellKey(s, strategyID)]
	prior := a.cfg.Smoothing
	wins, total := prior/2, prior
	if c != nil {
		wins += c.wins
		total += c.total
	}
	winRate := wins / total
	w := 1 + (winRate-0.5)*2*(a.cfg.MaxWeight-1)
	if w < a.cfg.MinWeight {
		w = a.cfg.MinWeight
	}
	if w > a.cfg.MaxWeight {
		w = a.cfg.MaxWeight
	}
	return w
}
