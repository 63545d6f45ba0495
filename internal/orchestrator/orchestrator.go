// Package orchestrator runs the central trading loop: health gate,
// snapshot, regime update, strategy fan-out, and routing of signals
// through dedup and the portfolio gate into the trade engine.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sentinel-desk/intraday-backend/internal/broker"
	"github.com/sentinel-desk/intraday-backend/internal/dedup"
	"github.com/sentinel-desk/intraday-backend/internal/engine"
	"github.com/sentinel-desk/intraday-backend/internal/feed"
	"github.com/sentinel-desk/intraday-backend/internal/gate"
	"github.com/sentinel-desk/intraday-backend/internal/marketdata"
	"github.com/sentinel-desk/intraday-backend/internal/position"
	"github.com/sentinel-desk/intraday-backend/internal/regime"
	"github.com/sentinel-desk/intraday-backend/internal/strategy"
	"github.com/sentinel-desk/intraday-backend/internal/telemetry"
	"github.com/sentinel-desk/intraday-backend/internal/workers"
	"github.com/sentinel-desk/intraday-backend/pkg/types"
)

// Config tunes the loop.
type Config struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	StrategyJoin    time.Duration `mapstructure:"strategy_join"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	ReconcilePeriod time.Duration `mapstructure:"reconcile_period"`
	MaxDataAge      time.Duration `mapstructure:"max_data_age"`
	Universe        []string      `mapstructure:"universe"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Second,
		StrategyJoin:    500 * time.Millisecond,
		DrainTimeout:    10 * time.Second,
		ReconcilePeriod: 30 * time.Second,
		MaxDataAge:      30 * time.Second,
	}
}

// Status is the externally visible loop state.
type Status struct {
	Running       bool         `json:"running"`
	Paused        bool         `json:"paused"`
	Healthy       bool         `json:"healthy"`
	FeedState     string       `json:"feedState"`
	Authenticated bool         `json:"authenticated"`
	DataAge       string       `json:"dataAge"`
	Regime        types.Regime `json:"regime"`
	OpenPositions int          `json:"openPositions"`
	CyclesRun     int64        `json:"cyclesRun"`
	LastCycleAt   time.Time    `json:"lastCycleAt"`
}

// Orchestrator wires every component and drives the per-second cycle.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      Config
	cache    *marketdata.Cache
	ingestor *feed.Ingestor
	client   broker.Client
	limiter  *broker.OrderLimiter
	regime   *regime.Monitor
	strats   []strategy.Strategy
	adaptive *strategy.Adaptive
	dedup    *dedup.Deduplicator
	gate     *gate.Gate
	engine   *engine.Engine
	tracker  *position.Tracker
	monitor  *position.Monitor
	pool     *workers.Pool
	metrics  *telemetry.Metrics
	capital  func() decimal.Decimal

	mu        sync.RWMutex
	running   bool
	paused    bool
	cycles    int64
	lastCycle time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// Deps gathers the constructor arguments.
type Deps struct {
	Cache      *marketdata.Cache
	Ingestor   *feed.Ingestor
	Client     broker.Client
	Limiter    *broker.OrderLimiter
	Regime     *regime.Monitor
	Strategies []strategy.Strategy
	Adaptive   *strategy.Adaptive
	Dedup      *dedup.Deduplicator
	Gate       *gate.Gate
	Engine     *engine.Engine
	Tracker    *position.Tracker
	Monitor    *position.Monitor
	Pool       *workers.Pool
	Metrics    *telemetry.Metrics
	Capital    func() decimal.Decimal
}

func New(logger *zap.Logger, cfg Config, deps Deps) *Orchestrator {
	strats := make([]strategy.Strategy, len(deps.Strategies))
	copy(strats, deps.Strategies)
	sort.SliceStable(strats, func(i, j int) bool { return strats[i].Priority() < strats[j].Priority() })
	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		cfg:      cfg,
		cache:    deps.Cache,
		ingestor: deps.Ingestor,
		client:   deps.Client,
		limiter:  deps.Limiter,
		regime:   deps.Regime,
		strats:   strats,
		adaptive: deps.Adaptive,
		dedup:    deps.Dedup,
		gate:     deps.Gate,
		engine:   deps.Engine,
		tracker:  deps.Tracker,
		monitor:  deps.Monitor,
		pool:     deps.Pool,
		metrics:  deps.Metrics,
		capital:  deps.Capital,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the loop and the reconcile ticker.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	go o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.doneCh)
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	reconcile := time.NewTicker(o.cfg.ReconcilePeriod)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-o.stopCh:
			o.shutdown()
			return
		case <-reconcile.C:
			o.reconcile(ctx)
		case <-ticker.C:
			start := time.Now()
			o.cycle(ctx)
			o.metrics.TickDuration.Observe(time.Since(start).Seconds())
			o.mu.Lock()
			o.cycles++
			o.lastCycle = start
			o.mu.Unlock()
		}
	}
}

// Stop ends the loop, draining in-flight submissions first.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()
	close(o.stopCh)
	select {
	case <-o.doneCh:
	case <-time.After(o.cfg.DrainTimeout):
		o.logger.Warn("orchestrator drain timed out")
	}
}

// Pause suspends strategy cycles. The position monitor runs on its own
// loop, so open positions stay protected while paused.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.logger.Info("trading paused")
}

// Resume lifts a Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.logger.Info("trading resumed")
}

func (o *Orchestrator) shutdown() {
	o.engine.Drain()
	o.logger.Info("orchestrator stopped", zap.Int64("cycles", o.cycles))
}

// healthy gates strategy execution, not the monitor: a degraded feed
// still leaves open positions protected.
func (o *Orchestrator) healthy() (bool, string) {
	if !o.ingestor.Connected() {
		return false, "feed disconnected"
	}
	if !o.client.Authenticated() {
		return false, "broker unauthenticated"
	}
	age := o.ingestor.LastTickAge()
	o.metrics.DataAge.Set(age.Seconds())
	if age > o.cfg.MaxDataAge {
		return false, "data stale"
	}
	return true, ""
}

// cycle runs one orchestration pass.
func (o *Orchestrator) cycle(ctx context.Context) {
	if o.ingestor.Connected() {
		o.metrics.FeedConnected.Set(1)
	} else {
		o.metrics.FeedConnected.Set(0)
	}
	o.metrics.OrderRate.Set(float64(o.limiter.RatePerSecond()))

	o.mu.RLock()
	paused := o.paused
	o.mu.RUnlock()
	if paused {
		return
	}

	if ok, reason := o.healthy(); !ok {
		o.logger.Info("degraded heartbeat, strategies skipped", zap.String("reason", reason))
		return
	}

	snapshot := o.cache.Snapshot(o.cfg.Universe)
	reg := o.regime.Update(snapshot, time.Now())
	positions := o.tracker.Snapshot()

	// Fan strategies out over the pool and join with a deadline.
	// Results land in per-strategy slots so batch order stays stable
	// by priority.
	management := make([][]types.Signal, len(o.strats))
	entries := make([][]types.Signal, len(o.strats))
	tasks := make([]workers.Task, len(o.strats))
	for i, strat := range o.strats {
		i, strat := i, strat
		mine := filterPositions(positions, strat.Name())
		tasks[i] = func() {
			strat.SyncPositions(mine)
			management[i] = strat.ManageExisting(snapshot, reg)
			entries[i] = strat.OnTick(snapshot, reg)
		}
	}
	if !o.pool.Join(ctx, tasks, o.cfg.StrategyJoin) {
		// Stragglers are still writing their slots; reading them now
		// would tear. The cycle's output is dropped wholesale.
		o.logger.Warn("strategy join deadline exceeded, cycle output dropped")
		return
	}

	weights := o.adaptive.Weights()
	var batch []types.Signal
	for i, strat := range o.strats {
		for _, sig := range management[i] {
			batch = append(batch, sig)
		}
		for _, sig := range entries[i] {
			if weights != nil {
				if w, ok := weights[strat.Name()]; ok {
					sig.Confidence *= w
					if sig.Confidence > 10 {
						sig.Confidence = 10
					}
				}
			}
			batch = append(batch, sig)
		}
		o.metrics.SignalsProposed.WithLabelValues(strat.Name()).
			Add(float64(len(management[i]) + len(entries[i])))
	}
	if len(batch) == 0 {
		return
	}

	// No new entries in the urgent close window; management still flows.
	if o.monitor.PastUrgentClose() {
		kept := batch[:0]
		for _, sig := range batch {
			if sig.IsManagement() {
				kept = append(kept, sig)
			}
		}
		batch = kept
		if len(batch) == 0 {
			return
		}
	}

	survivors, rejections := o.dedup.Filter(ctx, batch, snapshot, reg)
	for _, rej := range rejections {
		o.metrics.SignalsFiltered.WithLabelValues(rej.Reason).Inc()
	}

	capital := o.capital()
	// The daily brake counts money already lost, not just open PnL.
	dayPnL := o.tracker.RealizedPnL().Add(o.tracker.UnrealizedPnL(marks(snapshot)))
	var approved []types.Signal
	for _, sig := range survivors {
		if sig.IsManagement() {
			approved = append(approved, sig)
			continue
		}
		verdict := o.gate.Evaluate(sig, gate.State{
			Positions: positions,
			Capital:   capital,
			DayPnL:    dayPnL,
			Regime:    reg,
		})
		if !verdict.Accepted {
			o.metrics.SignalsRejected.WithLabelValues(verdict.Reason).Inc()
			continue
		}
		sig.Quantity = verdict.Quantity
		approved = append(approved, sig)
	}
	if len(approved) == 0 {
		return
	}

	o.engine.Execute(ctx, approved)
}

func (o *Orchestrator) reconcile(ctx context.Context) {
	brokerPositions, err := o.client.Positions(ctx)
	if err != nil {
		o.logger.Warn("reconcile fetch failed", zap.Error(err))
		return
	}
	before := len(o.tracker.Snapshot())
	o.tracker.Reconcile(brokerPositions)
	if after := len(o.tracker.Snapshot()); after != before {
		o.metrics.ReconcileDrift.Inc()
	}
}

// Status reports the loop state for the control surface.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	healthy, _ := o.healthy()
	return Status{
		Running:       o.running,
		Paused:        o.paused,
		Healthy:       healthy,
		FeedState:     string(o.ingestor.State()),
		Authenticated: o.client.Authenticated(),
		DataAge:       o.ingestor.LastTickAge().String(),
		Regime:        o.regime.Current(),
		OpenPositions: len(o.tracker.Snapshot()),
		CyclesRun:     o.cycles,
		LastCycleAt:   o.lastCycle,
	}
}

func filterPositions(positions []types.Position, strategyID string) []types.Position {
	var out []types.Position
	for _, p := range positions {
		if p.StrategyID == strategyID {
			out = append(out, p)
		}
	}
	return out
}

func marks(snapshot map[string]types.Tick) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(snapshot))
	for sym, tick := range snapshot {
		out[sym] = tick.LTP
	}
	return out
}
